package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Worker periodically claims due shipments, decides their next checkpoint
// and publishes shipment.advanced messages. It never writes to storage
// directly; the API process applies consumed messages.
type Worker struct {
	repo     Repository
	producer Producer
	rl       RateLimiter

	topic string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, producer Producer, rl RateLimiter, topic string) *Worker {
	return &Worker{
		repo:               repo,
		producer:           producer,
		rl:                 rl,
		topic:              topic,
		planner:            DefaultPlanner(),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (w *Worker) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Worker {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if lease > 0 {
		w.lease = lease
	}
	if rlPerMin > 0 {
		w.rateLimitPerMinute = rlPerMin
	}
	return w
}

func (w *Worker) WithPlanner(p *Planner) *Worker {
	if p != nil {
		w.planner = p
	}
	return w
}

// Trigger requests an immediate cycle without waiting for the ticker.
func (w *Worker) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	w.lastCycleUnixNano.Store(now.UnixNano())

	items, err := w.repo.ClaimDueShipments(ctx, now, w.batchSize, w.lease)
	if err != nil {
		slog.Error("claim due shipments", "error", err.Error())
		w.recordError(err)
		return
	}
	w.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, sh := range items {
		sem <- struct{}{}
		wg.Add(1)
		shCopy := sh
		w.inFlight.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := w.processOne(ctx, shCopy); err != nil {
				w.totalErrors.Add(1)
				w.recordError(err)
				slog.Error("process shipment", "shipment_id", shCopy.ID, "error", err.Error())
			}
			w.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (w *Worker) processOne(ctx context.Context, sh *models.Shipment) error {
	now := time.Now().UTC()

	if w.rl != nil && w.rateLimitPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:progress:%s", now.Format("200601021504"))
		allowed, n, err := w.rl.Allow(ctx, minuteKey, w.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			slog.Warn("progress rate limit exceeded", "count", n)
			time.Sleep(500 * time.Millisecond)
		}
	}

	msg := messages.ShipmentAdvanced{
		ShipmentID:     sh.ID,
		TrackingNumber: sh.TrackingNumber,
		CheckedAt:      now,
	}

	next, ok := models.NextCheckpoint(sh.Status)
	if !ok {
		// Delivered rows are excluded from the claim query, so this is a
		// row with an unknown status label.
		e := fmt.Sprintf("cannot advance from status %q", sh.Status)
		msg.Error = &e
		msg.NextCheckAt = now.Add(w.planner.BackoffDelay(sh.CheckFailCount + 1))
	} else {
		msg.Checkpoint = next
		msg.EventTime = now
		msg.Location = locationFor(next, sh)
		msg.NextCheckAt = now.Add(w.planner.NextCheckDelay(next))
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal shipment.advanced")
	}
	return w.producer.Publish(ctx, w.topic, []byte(sh.TrackingNumber), b)
}

// locationFor gives each synthetic checkpoint a plausible place along the
// route; real checkpoint feeds would carry their own locations.
func locationFor(checkpoint string, sh *models.Shipment) string {
	switch checkpoint {
	case models.CheckpointPickedUp:
		return sh.Origin
	case models.CheckpointInTransit:
		return "En route to " + sh.Destination
	case models.CheckpointOutForDelivery, models.CheckpointDelivered:
		return sh.Destination
	default:
		return sh.Origin
	}
}

func (w *Worker) recordError(err error) {
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}

type Stats struct {
	StartedAt      time.Time `json:"startedAt"`
	LastCycleAt    time.Time `json:"lastCycleAt,omitzero"`
	LastTriggerAt  time.Time `json:"lastTriggerAt,omitzero"`
	TotalClaimed   int64     `json:"totalClaimed"`
	TotalProcessed int64     `json:"totalProcessed"`
	TotalErrors    int64     `json:"totalErrors"`
	InFlight       int64     `json:"inFlight"`
	LastError      string    `json:"lastError,omitempty"`
}

func (w *Worker) Stats() Stats {
	w.lastErrorMu.Lock()
	lastErr := w.lastError
	w.lastErrorMu.Unlock()

	s := Stats{
		StartedAt:      time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalClaimed:   w.totalClaimed.Load(),
		TotalProcessed: w.totalProcessed.Load(),
		TotalErrors:    w.totalErrors.Load(),
		InFlight:       w.inFlight.Load(),
		LastError:      lastErr,
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		s.LastCycleAt = time.Unix(0, n).UTC()
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		s.LastTriggerAt = time.Unix(0, n).UTC()
	}
	return s
}
