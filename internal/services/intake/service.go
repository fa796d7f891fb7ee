package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/pkg/errors"
)

type Store interface {
	Append(ctx context.Context, rec models.BookingRecord) error
	LoadAll(ctx context.Context) ([]models.BookingRecord, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// ValidationError enumerates every problem with a submission, so the
// client sees all of them at once.
type ValidationError struct {
	Missing []string
	Invalid []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid fields: "+strings.Join(e.Invalid, ", "))
	}
	return strings.Join(parts, "; ")
}

type Confirmation struct {
	Message string `json:"message"`
}

type Service struct {
	store    Store
	producer Producer
	topic    string

	timeout  time.Duration
	attempts int
	backoff  time.Duration

	now func() time.Time
}

func New(store Store, producer Producer, topic string) *Service {
	return &Service{
		store:    store,
		producer: producer,
		topic:    topic,
		timeout:  5 * time.Second,
		attempts: 3,
		backoff:  100 * time.Millisecond,
		now:      time.Now,
	}
}

func (s *Service) WithPolicy(timeout time.Duration, attempts int, backoff time.Duration) *Service {
	if timeout > 0 {
		s.timeout = timeout
	}
	if attempts > 0 {
		s.attempts = attempts
	}
	if backoff > 0 {
		s.backoff = backoff
	}
	return s
}

// SubmitBooking validates the six required fields, appends the record to
// the durable log and acknowledges. The booking.created publish happens
// after the append and is best effort: the record is already durable, so
// a broker outage must not fail the request.
func (s *Service) SubmitBooking(ctx context.Context, req models.BookingRecord) (Confirmation, error) {
	rec := trim(req)
	if verr := validate(rec); verr != nil {
		return Confirmation{}, verr
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = s.store.Append(ctx, rec); err == nil {
			break
		}
		if attempt == s.attempts {
			break
		}
		slog.Warn("booking append failed, retrying", "attempt", attempt, "error", err.Error())
		select {
		case <-ctx.Done():
			return Confirmation{}, errors.Wrap(ctx.Err(), "append booking")
		case <-time.After(s.backoff):
		}
	}
	if err != nil {
		return Confirmation{}, errors.Wrap(err, "append booking")
	}

	s.publishCreated(ctx, rec)

	return Confirmation{Message: "Booking saved successfully"}, nil
}

// ListBookings returns every stored record in insertion order.
func (s *Service) ListBookings(ctx context.Context) ([]models.BookingRecord, error) {
	return s.store.LoadAll(ctx)
}

func (s *Service) publishCreated(ctx context.Context, rec models.BookingRecord) {
	if s.producer == nil || s.topic == "" {
		return
	}
	msg := messages.BookingCreated{
		Origin:      rec.Origin,
		Destination: rec.Destination,
		Weight:      rec.Weight,
		Date:        rec.Date,
		Name:        rec.Name,
		Phone:       rec.Phone,
		SubmittedAt: s.now().UTC(),
	}
	b, _ := json.Marshal(msg)
	key := fmt.Sprintf("%s|%s", rec.Origin, rec.Destination)
	if err := s.producer.Publish(ctx, s.topic, []byte(key), b); err != nil {
		slog.Error("publish booking.created", "error", err.Error())
	}
}

func trim(r models.BookingRecord) models.BookingRecord {
	return models.BookingRecord{
		Origin:      strings.TrimSpace(r.Origin),
		Destination: strings.TrimSpace(r.Destination),
		Weight:      strings.TrimSpace(r.Weight),
		Date:        strings.TrimSpace(r.Date),
		Name:        strings.TrimSpace(r.Name),
		Phone:       strings.TrimSpace(r.Phone),
	}
}

func validate(r models.BookingRecord) *ValidationError {
	var verr ValidationError
	for _, f := range []struct {
		name  string
		value string
	}{
		{"origin", r.Origin},
		{"destination", r.Destination},
		{"weight", r.Weight},
		{"date", r.Date},
		{"name", r.Name},
		{"phone", r.Phone},
	} {
		if f.value == "" {
			verr.Missing = append(verr.Missing, f.name)
		}
	}
	// Weight and phone stay free-form, but a date that does not parse is
	// useless to everything downstream.
	if r.Date != "" {
		if _, err := time.Parse("2006-01-02", r.Date); err != nil {
			verr.Invalid = append(verr.Invalid, "date")
		}
	}
	if len(verr.Missing) == 0 && len(verr.Invalid) == 0 {
		return nil
	}
	return &verr
}
