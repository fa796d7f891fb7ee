package bookingfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "bookings.json"))
}

func rec(n int) models.BookingRecord {
	return models.BookingRecord{
		Origin:      "Mumbai",
		Destination: "Pune",
		Weight:      "20kg",
		Date:        "2025-12-01",
		Name:        fmt.Sprintf("customer-%d", n),
		Phone:       "9876543210",
	}
}

func TestStore_LoadAll_Empty(t *testing.T) {
	s := newTestStore(t)
	recs, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestStore_Append_PreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := rec(1)
	b := rec(2)
	require.NoError(t, s.Append(ctx, a))
	require.NoError(t, s.Append(ctx, b))

	recs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []models.BookingRecord{a, b}, recs)

	// Reads are idempotent.
	again, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, recs, again)
}

func TestStore_Append_ConcurrentNoLostUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errCh <- s.Append(ctx, rec(i))
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	recs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, n)
}

func TestStore_LoadAll_CorruptQuarantined(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"not":"an array"`), 0o644))

	recs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)

	// The broken document moved aside instead of being overwritten, with a
	// unix-timestamp suffix.
	matches, err := filepath.Glob(s.Path() + ".corrupt.*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	_, err = strconv.ParseInt(strings.TrimPrefix(matches[0], s.Path()+".corrupt."), 10, 64)
	require.NoError(t, err)
	_, err = os.Stat(s.Path())
	require.True(t, os.IsNotExist(err))

	// The store keeps working afterwards.
	require.NoError(t, s.Append(ctx, rec(1)))
	recs, err = s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestStore_LoadAll_NullDocumentIsEmpty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`null`), 0o644))

	recs, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, recs)
	require.Empty(t, recs)
}

func TestStore_Append_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.Append(ctx, rec(1)))
}
