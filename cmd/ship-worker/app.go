package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/ShipBox/config"
	"github.com/BearBump/ShipBox/internal/broker/kafka"
	"github.com/BearBump/ShipBox/internal/cache/rediscache"
	"github.com/BearBump/ShipBox/internal/services/progress"
	"github.com/BearBump/ShipBox/internal/storage/pgshipments"
)

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo progress.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) progress.Producer
	newRateLimiter func(cfg *config.Config) progress.RateLimiter
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (progress.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgshipments.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) progress.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) progress.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
	}
}

func plannerFromConfig(cfg *config.Config) *progress.Planner {
	return progress.NewPlanner(progress.PlannerConfig{
		AdvanceMinDelay: time.Duration(cfg.ShipBox.WorkerAdvanceMinSeconds) * time.Second,
		AdvanceMaxDelay: time.Duration(cfg.ShipBox.WorkerAdvanceMaxSeconds) * time.Second,
		Backoff1:        time.Duration(cfg.ShipBox.WorkerBackoff1Seconds) * time.Second,
		Backoff2:        time.Duration(cfg.ShipBox.WorkerBackoff2Seconds) * time.Second,
		Backoff3:        time.Duration(cfg.ShipBox.WorkerBackoff3Seconds) * time.Second,
		Backoff4:        time.Duration(cfg.ShipBox.WorkerBackoff4Seconds) * time.Second,
	}, nil)
}

// RunShipWorker runs the progress worker and its operational HTTP server
// until ctx is cancelled or either of them fails.
func RunShipWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	topic := cfg.Kafka.ShipmentAdvancedTopicName
	if topic == "" {
		topic = "shipment.advanced"
	}

	pollInterval := time.Duration(cfg.ShipBox.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.ShipBox.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.ShipBox.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.ShipBox.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(cfg.ShipBox.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)

	w := progress.New(repo, producer, rl, topic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithPlanner(plannerFromConfig(cfg))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go func() {
		errCh <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: cfg.ShipBox.WorkerHTTPAddr,
			worker:   w,
			cfg:      cfg,
		})
	}()

	// First exit wins; cancel the other and drain it.
	err = <-errCh
	cancel()
	<-errCh
	if err == nil {
		return ctx.Err()
	}
	return err
}
