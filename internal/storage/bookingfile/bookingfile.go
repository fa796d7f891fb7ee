package bookingfile

import (
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/pkg/errors"
)

// Store keeps the booking log as a single JSON array document on disk.
// The document layout is an external contract: other tooling reads the
// file directly, so the store cannot switch to a line-oriented log.
//
// Appends are read-modify-write over the whole document and therefore
// serialized by a mutex; without it two concurrent appends read the same
// snapshot and one record is silently lost. Writes go through a temp
// file and rename so readers never observe a partially written document.
type Store struct {
	mu   sync.Mutex
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the location of the durable document.
func (s *Store) Path() string {
	return s.path
}

// LoadAll returns every booking in insertion order. A missing document is
// an empty store. An unparseable document is quarantined (renamed to
// <path>.corrupt.<unixts>) and treated as empty; the data is preserved,
// never overwritten.
func (s *Store) LoadAll(ctx context.Context) ([]models.BookingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Append adds one record to the end of the document. Atomic with respect
// to concurrent callers.
func (s *Store) Append(ctx context.Context, rec models.BookingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.loadLocked()
	if err != nil {
		return err
	}
	recs = append(recs, rec)
	return s.writeLocked(recs)
}

func (s *Store) loadLocked() ([]models.BookingRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []models.BookingRecord{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read booking document")
	}

	var recs []models.BookingRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		quarantined, qerr := s.quarantineLocked()
		if qerr != nil {
			return nil, errors.Wrap(qerr, "quarantine booking document")
		}
		slog.Warn("booking document unreadable, quarantined",
			"path", s.path, "quarantine", quarantined, "error", err.Error())
		return []models.BookingRecord{}, nil
	}
	if recs == nil {
		recs = []models.BookingRecord{}
	}
	return recs, nil
}

func (s *Store) writeLocked(recs []models.BookingRecord) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal bookings")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".bookings-*.json")
	if err != nil {
		return errors.Wrap(err, "create temp booking document")
	}
	tmpName := tmp.Name()
	defer func() {
		// No-ops once the rename has happened.
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return errors.Wrap(err, "write booking document")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync booking document")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close booking document")
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return errors.Wrap(err, "chmod booking document")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, "replace booking document")
	}
	return nil
}

func (s *Store) quarantineLocked() (string, error) {
	dst := s.path + ".corrupt." + strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.Rename(s.path, dst); err != nil {
		return "", err
	}
	return dst, nil
}
