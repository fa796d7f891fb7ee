package pgshipments

import (
	"context"
	"time"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ProgressUpdate is the outcome of one worker check for a shipment.
// Either Checkpoint is set (advance to it) or Error is set (record the
// failure and back off).
type ProgressUpdate struct {
	ShipmentID uint64

	CheckedAt time.Time

	Checkpoint string
	EventTime  time.Time
	Location   string

	NextCheckAt time.Time

	Error *string
}

// ListEvents returns the recorded checkpoints in event-time order.
func (s *Storage) ListEvents(ctx context.Context, shipmentID uint64) ([]*models.ShipmentEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, shipment_id, checkpoint, event_time, location, created_at
FROM shipment_events
WHERE shipment_id = $1
ORDER BY event_time ASC, id ASC
`, shipmentID)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.ShipmentEvent
	for rows.Next() {
		var e models.ShipmentEvent
		if err := rows.Scan(&e.ID, &e.ShipmentID, &e.Checkpoint, &e.EventTime, &e.Location, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ApplyProgressUpdate records the result of one check. A successful
// update appends exactly the next checkpoint in the canonical order;
// re-applying the current checkpoint is a no-op, anything else fails
// with ErrCheckpointOutOfOrder.
func (s *Storage) ApplyProgressUpdate(ctx context.Context, upd ProgressUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if upd.Error != nil && *upd.Error != "" {
		_, err := tx.Exec(ctx, `
UPDATE shipments
SET
  last_checked_at = $2,
  check_fail_count = check_fail_count + 1,
  last_error = $3,
  next_check_at = $4,
  updated_at = now()
WHERE id = $1
`, upd.ShipmentID, upd.CheckedAt.UTC(), *upd.Error, upd.NextCheckAt.UTC())
		if err != nil {
			return errors.Wrap(err, "update shipment (error)")
		}
		return errors.Wrap(tx.Commit(ctx), "commit tx")
	}

	var status string
	var idx int32
	err = tx.QueryRow(ctx, `
SELECT status, checkpoint_idx FROM shipments WHERE id = $1 FOR UPDATE
`, upd.ShipmentID).Scan(&status, &idx)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "select shipment for update")
	}

	if upd.Checkpoint == status {
		// Duplicate delivery of an already-applied update.
		return errors.Wrap(tx.Commit(ctx), "commit tx")
	}
	next, ok := models.NextCheckpoint(status)
	if !ok || upd.Checkpoint != next {
		return errors.Wrapf(ErrCheckpointOutOfOrder, "%q after %q", upd.Checkpoint, status)
	}

	eventTime := upd.EventTime.UTC()
	_, err = tx.Exec(ctx, `
INSERT INTO shipment_events (shipment_id, checkpoint, event_time, location, created_at)
VALUES ($1,$2, GREATEST($3, (
    SELECT COALESCE(MAX(event_time), 'epoch'::timestamptz)
    FROM shipment_events WHERE shipment_id = $1
)), $4, now())
ON CONFLICT (shipment_id, checkpoint) DO NOTHING
`, upd.ShipmentID, upd.Checkpoint, eventTime, upd.Location)
	if err != nil {
		return errors.Wrap(err, "insert shipment event")
	}

	_, err = tx.Exec(ctx, `
UPDATE shipments
SET
  status = $2,
  checkpoint_idx = $3,
  last_checked_at = $4,
  check_fail_count = 0,
  last_error = NULL,
  next_check_at = $5,
  updated_at = now()
WHERE id = $1
`, upd.ShipmentID, upd.Checkpoint, models.CheckpointIndex(upd.Checkpoint),
		upd.CheckedAt.UTC(), upd.NextCheckAt.UTC())
	if err != nil {
		return errors.Wrap(err, "update shipment (ok)")
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}
