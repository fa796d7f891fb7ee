package pgshipments

import (
	"context"
	"time"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ShipmentInsert describes a new shipment and its opening checkpoint.
type ShipmentInsert struct {
	TrackingNumber    string
	Origin            string
	Destination       string
	EstimatedDelivery time.Time
	RegisteredAt      time.Time
	NextCheckAt       time.Time
}

// CreateShipment inserts the shipment together with its "Order Confirmed"
// event. Returns ErrDuplicateTrackingNumber when the number is taken so
// the caller can regenerate.
func (s *Storage) CreateShipment(ctx context.Context, in ShipmentInsert) (*models.Shipment, error) {
	now := in.RegisteredAt.UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uint64
	err = tx.QueryRow(ctx, `
INSERT INTO shipments (
  tracking_number, origin, destination, status, checkpoint_idx,
  estimated_delivery, next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,0,$5,$6,$7,$7)
ON CONFLICT (tracking_number) DO NOTHING
RETURNING id
`, in.TrackingNumber, in.Origin, in.Destination, models.CheckpointOrderConfirmed,
		in.EstimatedDelivery, in.NextCheckAt.UTC(), now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDuplicateTrackingNumber
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}

	_, err = tx.Exec(ctx, `
INSERT INTO shipment_events (shipment_id, checkpoint, event_time, location, created_at)
VALUES ($1,$2,$3,$4,$5)
`, id, models.CheckpointOrderConfirmed, now, in.Origin, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert opening event")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.GetByTrackingNumber(ctx, in.TrackingNumber)
}

const shipmentColumns = `
  id, tracking_number, origin, destination,
  status, checkpoint_idx, estimated_delivery,
  last_checked_at, next_check_at,
  check_fail_count, last_error,
  created_at, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	var lastCheckedAt *time.Time
	var lastError *string
	if err := row.Scan(
		&sh.ID, &sh.TrackingNumber, &sh.Origin, &sh.Destination,
		&sh.Status, &sh.CheckpointIdx, &sh.EstimatedDelivery,
		&lastCheckedAt, &sh.NextCheckAt,
		&sh.CheckFailCount, &lastError,
		&sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sh.LastCheckedAt = lastCheckedAt
	sh.LastError = lastError
	return &sh, nil
}

func (s *Storage) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE tracking_number = $1
`, trackingNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return sh, nil
}

// ClaimDueShipments picks a batch of undelivered shipments whose
// next_check_at has passed and leases them, so concurrent workers never
// process the same shipment twice. SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE next_check_at <= $1
  AND status <> $2
ORDER BY next_check_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.CheckpointDelivered, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}

	var picked []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan shipment")
		}
		picked = append(picked, sh)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, sh := range picked {
		if _, err := tx.Exec(ctx, `
UPDATE shipments SET next_check_at = $2, updated_at = now() WHERE id = $1
`, sh.ID, leaseUntil); err != nil {
			return nil, errors.Wrap(err, "lease shipment")
		}
		sh.NextCheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}
