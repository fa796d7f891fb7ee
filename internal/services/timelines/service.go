package timelines

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/cache"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/storage/pgshipments"
	"github.com/pkg/errors"
)

// Tracking numbers are three uppercase letters and exactly nine digits.
// Lowercase input is accepted and canonicalized before matching.
var trackingNumberRe = regexp.MustCompile(`^[A-Z]{3}[0-9]{9}$`)

var (
	ErrInvalidFormat = errors.New("invalid tracking number format")
	ErrNotFound      = errors.New("shipment not found")
	ErrDelivered     = errors.New("shipment already delivered")
)

const trackingNumberPrefix = "SHV"

type Repository interface {
	CreateShipment(ctx context.Context, in pgshipments.ShipmentInsert) (*models.Shipment, error)
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error)
	ListEvents(ctx context.Context, shipmentID uint64) ([]*models.ShipmentEvent, error)
	ApplyProgressUpdate(ctx context.Context, upd pgshipments.ProgressUpdate) error
}

type Rand interface {
	Intn(n int) int
}

type Service struct {
	repo         Repository
	cache        cache.BytesCache
	timelineTTL  time.Duration
	deliveryDays int

	now func() time.Time

	// rand.Rand is not safe for concurrent use; registration runs from
	// both the HTTP handler and the consumer goroutine.
	rngMu sync.Mutex
	rng   Rand
}

func New(repo Repository, c cache.BytesCache, timelineTTL time.Duration, deliveryDays int) *Service {
	if deliveryDays <= 0 {
		deliveryDays = 5
	}
	return &Service{
		repo:         repo,
		cache:        c,
		timelineTTL:  timelineTTL,
		deliveryDays: deliveryDays,
		now:          time.Now,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CanonicalTrackingNumber uppercases raw and validates it against the
// fixed pattern, before any lookup is attempted.
func CanonicalTrackingNumber(raw string) (string, error) {
	tn := strings.ToUpper(strings.TrimSpace(raw))
	if !trackingNumberRe.MatchString(tn) {
		return "", errors.Wrapf(ErrInvalidFormat, "%q", raw)
	}
	return tn, nil
}

// GetTimeline returns the full checkpoint timeline for a shipment.
// Responses are cached as JSON for timelineTTL; the cache is best effort.
func (s *Service) GetTimeline(ctx context.Context, rawTrackingNumber string) (models.Timeline, error) {
	tn, err := CanonicalTrackingNumber(rawTrackingNumber)
	if err != nil {
		return models.Timeline{}, err
	}

	if s.cache != nil && s.timelineTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, timelineKey(tn)); err == nil && ok {
			var tl models.Timeline
			if json.Unmarshal(b, &tl) == nil {
				return tl, nil
			}
		}
	}

	sh, err := s.repo.GetByTrackingNumber(ctx, tn)
	if errors.Is(err, pgshipments.ErrNotFound) {
		return models.Timeline{}, errors.Wrap(ErrNotFound, tn)
	}
	if err != nil {
		return models.Timeline{}, err
	}
	events, err := s.repo.ListEvents(ctx, sh.ID)
	if err != nil {
		return models.Timeline{}, err
	}

	tl := buildTimeline(sh, events)

	if s.cache != nil && s.timelineTTL > 0 {
		b, _ := json.Marshal(tl)
		_ = s.cache.Set(ctx, timelineKey(tn), b, s.timelineTTL)
	}
	return tl, nil
}

// buildTimeline lays the recorded events over the canonical progression:
// every checkpoint up to the shipment's current status is completed, the
// rest are pending placeholders.
func buildTimeline(sh *models.Shipment, events []*models.ShipmentEvent) models.Timeline {
	byCheckpoint := make(map[string]*models.ShipmentEvent, len(events))
	for _, e := range events {
		byCheckpoint[e.Checkpoint] = e
	}

	out := make([]models.TimelineEvent, 0, len(models.CheckpointOrder))
	currentIdx := models.CheckpointIndex(sh.Status)
	for i, label := range models.CheckpointOrder {
		te := models.TimelineEvent{Status: label, Completed: i <= currentIdx}
		if e, ok := byCheckpoint[label]; ok && te.Completed {
			ts := e.EventTime
			te.Timestamp = &ts
			te.Location = e.Location
		}
		out = append(out, te)
	}

	return models.Timeline{
		TrackingNumber:    sh.TrackingNumber,
		CurrentStatus:     sh.Status,
		EstimatedDelivery: sh.EstimatedDelivery.Format("2006-01-02"),
		Events:            out,
	}
}

type RegisterInput struct {
	Origin      string
	Destination string
}

// RegisterShipment creates a shipment at "Order Confirmed" under a fresh
// tracking number and returns it.
func (s *Service) RegisterShipment(ctx context.Context, in RegisterInput) (*models.Shipment, error) {
	in.Origin = strings.TrimSpace(in.Origin)
	in.Destination = strings.TrimSpace(in.Destination)
	if in.Origin == "" {
		return nil, errors.New("origin is required")
	}
	if in.Destination == "" {
		return nil, errors.New("destination is required")
	}

	now := s.now().UTC()
	insert := pgshipments.ShipmentInsert{
		Origin:            in.Origin,
		Destination:       in.Destination,
		EstimatedDelivery: now.AddDate(0, 0, s.deliveryDays),
		RegisteredAt:      now,
		NextCheckAt:       now.Add(time.Minute),
	}

	// Collisions are rare; regenerate a handful of times before giving up.
	for attempt := 0; attempt < 5; attempt++ {
		insert.TrackingNumber = s.newTrackingNumber()
		sh, err := s.repo.CreateShipment(ctx, insert)
		if errors.Is(err, pgshipments.ErrDuplicateTrackingNumber) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return sh, nil
	}
	return nil, errors.New("could not allocate a unique tracking number")
}

// ApplyBookingCreated registers a shipment for a consumed booking.
func (s *Service) ApplyBookingCreated(ctx context.Context, msg messages.BookingCreated) error {
	sh, err := s.RegisterShipment(ctx, RegisterInput{
		Origin:      msg.Origin,
		Destination: msg.Destination,
	})
	if err != nil {
		return err
	}
	slog.Info("shipment registered for booking",
		"tracking_number", sh.TrackingNumber, "origin", sh.Origin, "destination", sh.Destination)
	return nil
}

// ApplyProgressUpdate persists a worker update and drops the cached
// timeline so the next lookup sees the new checkpoint.
func (s *Service) ApplyProgressUpdate(ctx context.Context, msg messages.ShipmentAdvanced) error {
	if msg.ShipmentID == 0 {
		return errors.New("shipment_id is required")
	}
	if msg.CheckedAt.IsZero() {
		msg.CheckedAt = s.now().UTC()
	}
	if msg.NextCheckAt.IsZero() {
		msg.NextCheckAt = msg.CheckedAt.Add(60 * time.Minute)
	}
	if msg.EventTime.IsZero() {
		msg.EventTime = msg.CheckedAt
	}

	err := s.repo.ApplyProgressUpdate(ctx, pgshipments.ProgressUpdate{
		ShipmentID:  msg.ShipmentID,
		CheckedAt:   msg.CheckedAt,
		Checkpoint:  msg.Checkpoint,
		EventTime:   msg.EventTime,
		Location:    msg.Location,
		NextCheckAt: msg.NextCheckAt,
		Error:       msg.Error,
	})
	if err != nil {
		return err
	}

	if s.cache != nil && msg.TrackingNumber != "" {
		_ = s.cache.Del(ctx, timelineKey(msg.TrackingNumber))
	}
	return nil
}

// AdvanceCheckpoint manually moves a shipment to its next checkpoint.
func (s *Service) AdvanceCheckpoint(ctx context.Context, rawTrackingNumber, location string) error {
	tn, err := CanonicalTrackingNumber(rawTrackingNumber)
	if err != nil {
		return err
	}
	sh, err := s.repo.GetByTrackingNumber(ctx, tn)
	if errors.Is(err, pgshipments.ErrNotFound) {
		return errors.Wrap(ErrNotFound, tn)
	}
	if err != nil {
		return err
	}

	next, ok := models.NextCheckpoint(sh.Status)
	if !ok {
		return errors.Wrap(ErrDelivered, tn)
	}

	now := s.now().UTC()
	return s.ApplyProgressUpdate(ctx, messages.ShipmentAdvanced{
		ShipmentID:     sh.ID,
		TrackingNumber: tn,
		CheckedAt:      now,
		Checkpoint:     next,
		EventTime:      now,
		Location:       location,
		NextCheckAt:    now.Add(time.Minute),
	})
}

func (s *Service) newTrackingNumber() string {
	s.rngMu.Lock()
	n := s.rng.Intn(1_000_000_000)
	s.rngMu.Unlock()
	return fmt.Sprintf("%s%09d", trackingNumberPrefix, n)
}

func timelineKey(trackingNumber string) string {
	return "timeline:" + trackingNumber
}
