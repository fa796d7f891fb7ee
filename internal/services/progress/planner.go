package progress

import (
	"math/rand"
	"sync"
	"time"

	"github.com/BearBump/ShipBox/internal/models"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	DeliveredDelay time.Duration // default: 365 days, delivered shipments leave the poll set anyway

	AdvanceMinDelay time.Duration // default: 1 minute
	AdvanceMaxDelay time.Duration // default: 1 minute

	Backoff1 time.Duration // default: 5 minutes
	Backoff2 time.Duration // default: 15 minutes
	Backoff3 time.Duration // default: 30 minutes
	Backoff4 time.Duration // default: 60 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		DeliveredDelay: 365 * 24 * time.Hour,

		// Demo-friendly default; production overrides this via config.
		AdvanceMinDelay: 1 * time.Minute,
		AdvanceMaxDelay: 1 * time.Minute,

		Backoff1: 5 * time.Minute,
		Backoff2: 15 * time.Minute,
		Backoff3: 30 * time.Minute,
		Backoff4: 60 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig

	// The worker calls NextCheckDelay from its fan-out goroutines and
	// rand.Rand is not safe for concurrent use.
	mu sync.Mutex
	r  Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.DeliveredDelay <= 0 {
		cfg.DeliveredDelay = def.DeliveredDelay
	}
	if cfg.AdvanceMinDelay <= 0 {
		cfg.AdvanceMinDelay = def.AdvanceMinDelay
	}
	if cfg.AdvanceMaxDelay <= 0 {
		cfg.AdvanceMaxDelay = def.AdvanceMaxDelay
	}
	if cfg.AdvanceMaxDelay < cfg.AdvanceMinDelay {
		cfg.AdvanceMaxDelay = cfg.AdvanceMinDelay
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig(), nil)
}

// NextCheckDelay returns how long to wait before checking a shipment that
// just reached checkpoint. The jitter keeps batches from synchronizing.
func (p *Planner) NextCheckDelay(checkpoint string) time.Duration {
	if checkpoint == models.CheckpointDelivered {
		return p.cfg.DeliveredDelay
	}
	min := p.cfg.AdvanceMinDelay
	max := p.cfg.AdvanceMaxDelay
	if max == min {
		return min
	}
	secMin := int(min.Seconds())
	secMax := int(max.Seconds())
	if secMin < 0 {
		secMin = 0
	}
	if secMax < secMin {
		secMax = secMin
	}
	p.mu.Lock()
	n := p.r.Intn(secMax - secMin + 1)
	p.mu.Unlock()
	return time.Duration(secMin+n) * time.Second
}

func (p *Planner) BackoffDelay(nextFailCount int32) time.Duration {
	switch {
	case nextFailCount <= 1:
		return p.cfg.Backoff1
	case nextFailCount == 2:
		return p.cfg.Backoff2
	case nextFailCount == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
