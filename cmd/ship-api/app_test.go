package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/services/intake"
	"github.com/BearBump/ShipBox/internal/services/timelines"
	"github.com/BearBump/ShipBox/internal/storage/bookingfile"
	"github.com/BearBump/ShipBox/internal/storage/pgshipments"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	created   int
	createErr error
	lastApply pgshipments.ProgressUpdate
	applyErr  error
}

func (r *fakeRepo) CreateShipment(ctx context.Context, in pgshipments.ShipmentInsert) (*models.Shipment, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	r.created++
	return &models.Shipment{
		ID:             1,
		TrackingNumber: in.TrackingNumber,
		Origin:         in.Origin,
		Destination:    in.Destination,
		Status:         models.CheckpointOrderConfirmed,
	}, nil
}
func (r *fakeRepo) GetByTrackingNumber(ctx context.Context, tn string) (*models.Shipment, error) {
	return nil, pgshipments.ErrNotFound
}
func (r *fakeRepo) ListEvents(ctx context.Context, shipmentID uint64) ([]*models.ShipmentEvent, error) {
	return nil, nil
}
func (r *fakeRepo) ApplyProgressUpdate(ctx context.Context, upd pgshipments.ProgressUpdate) error {
	if r.applyErr != nil {
		return r.applyErr
	}
	r.lastApply = upd
	return nil
}

func testServices(t *testing.T) (*intake.Service, *timelines.Service, *fakeRepo) {
	t.Helper()
	store := bookingfile.New(filepath.Join(t.TempDir(), "bookings.json"))
	repo := &fakeRepo{}
	return intake.New(store, nil, ""), timelines.New(repo, nil, 0, 5), repo
}

func TestRunShipAPI_ServesAndShutsDown(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	intakeSvc, timelineSvc, _ := testServices(t)

	addrCh := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- runShipAPI(ctx, shipAPIOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: sw,
			onListen:    func(addr string) { addrCh <- addr },
		}, intakeSvc, timelineSvc, nil)
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/swagger.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), `"swagger"`)

	// A booking round-trips through the real intake service.
	payload, _ := json.Marshal(models.BookingRecord{
		Origin: "Mumbai", Destination: "Pune", Weight: "20kg",
		Date: "2025-12-01", Name: "Asha", Phone: "9876543210",
	})
	resp, err = http.Post("http://"+addr+"/api/quote", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	cancel()
	select {
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server to stop")
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestDispatchMessage(t *testing.T) {
	_, timelineSvc, repo := testServices(t)
	opts := shipAPIOpts{
		bookingCreatedTopic:   "booking.created",
		shipmentAdvancedTopic: "shipment.advanced",
	}
	ctx := context.Background()

	b, _ := json.Marshal(messages.BookingCreated{Origin: "Mumbai", Destination: "Pune"})
	require.NoError(t, dispatchMessage(ctx, timelineSvc, opts, "booking.created", b))
	require.Equal(t, 1, repo.created)

	now := time.Now().UTC()
	b, _ = json.Marshal(messages.ShipmentAdvanced{
		ShipmentID:     1,
		TrackingNumber: "SHV123456789",
		CheckedAt:      now,
		Checkpoint:     models.CheckpointPickedUp,
		EventTime:      now,
		NextCheckAt:    now.Add(time.Minute),
	})
	require.NoError(t, dispatchMessage(ctx, timelineSvc, opts, "shipment.advanced", b))
	require.Equal(t, models.CheckpointPickedUp, repo.lastApply.Checkpoint)

	// Unknown topics are logged and skipped, not fatal.
	require.NoError(t, dispatchMessage(ctx, timelineSvc, opts, "other", []byte("{}")))
}

func TestDispatchMessage_DropsUnretryableMessages(t *testing.T) {
	_, timelineSvc, repo := testServices(t)
	opts := shipAPIOpts{
		bookingCreatedTopic:   "booking.created",
		shipmentAdvancedTopic: "shipment.advanced",
	}
	ctx := context.Background()

	// Malformed payloads are dropped so they cannot block the partition.
	require.NoError(t, dispatchMessage(ctx, timelineSvc, opts, "booking.created", []byte("{nope")))
	require.Zero(t, repo.created)
	require.NoError(t, dispatchMessage(ctx, timelineSvc, opts, "shipment.advanced", []byte("{nope")))

	now := time.Now().UTC()
	advanced, _ := json.Marshal(messages.ShipmentAdvanced{
		ShipmentID:     1,
		TrackingNumber: "SHV123456789",
		CheckedAt:      now,
		Checkpoint:     models.CheckpointPickedUp,
		EventTime:      now,
		NextCheckAt:    now.Add(time.Minute),
	})

	// Updates the store refuses outright are stale, so they are dropped too.
	repo.applyErr = pgshipments.ErrCheckpointOutOfOrder
	require.NoError(t, dispatchMessage(ctx, timelineSvc, opts, "shipment.advanced", advanced))
	repo.applyErr = pgshipments.ErrNotFound
	require.NoError(t, dispatchMessage(ctx, timelineSvc, opts, "shipment.advanced", advanced))

	// Transient failures surface so the message is refetched.
	repo.applyErr = errors.New("db down")
	require.Error(t, dispatchMessage(ctx, timelineSvc, opts, "shipment.advanced", advanced))

	booking, _ := json.Marshal(messages.BookingCreated{Origin: "Mumbai", Destination: "Pune"})
	repo.createErr = errors.New("db down")
	require.Error(t, dispatchMessage(ctx, timelineSvc, opts, "booking.created", booking))
}

type flakyConsumer struct {
	mu    sync.Mutex
	calls int
}

func (c *flakyConsumer) Consume(ctx context.Context, handler func(topic string, key, value []byte) error) error {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n == 1 {
		return errors.New("fetch failed")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *flakyConsumer) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRunShipAPI_ConsumerRestarts(t *testing.T) {
	intakeSvc, timelineSvc, _ := testServices(t)
	fc := &flakyConsumer{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- runShipAPI(ctx, shipAPIOpts{
			httpAddr:             "127.0.0.1:0",
			consumerRestartDelay: 10 * time.Millisecond,
		}, intakeSvc, timelineSvc, fc)
	}()

	// A failed Consume pass is retried instead of ending consumption.
	require.Eventually(t, func() bool { return fc.callCount() >= 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server to stop")
	}
}
