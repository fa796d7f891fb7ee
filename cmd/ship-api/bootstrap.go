package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ShipBox/config"
	"github.com/BearBump/ShipBox/internal/broker/kafka"
	"github.com/BearBump/ShipBox/internal/cache/rediscache"
	"github.com/BearBump/ShipBox/internal/services/intake"
	"github.com/BearBump/ShipBox/internal/services/timelines"
	"github.com/BearBump/ShipBox/internal/storage/bookingfile"
	"github.com/BearBump/ShipBox/internal/storage/pgshipments"
	"github.com/joho/godotenv"
)

type shipAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts shipAPIOpts

	intakeSvc   *intake.Service
	timelineSvc *timelines.Service
	consumer    *kafka.Consumer
	producer    *kafka.Producer
	closeDB     func()
}

func mustBootstrapShipAPI() *shipAPIApp {
	_ = godotenv.Load()

	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	httpAddr := cfg.ShipBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":3000"
	}
	consumerGroup := cfg.ShipBox.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "ship-api"
	}
	bookingTopic := cfg.Kafka.BookingCreatedTopicName
	if bookingTopic == "" {
		bookingTopic = "booking.created"
	}
	advancedTopic := cfg.Kafka.ShipmentAdvancedTopicName
	if advancedTopic == "" {
		advancedTopic = "shipment.advanced"
	}
	timelineTTL := time.Duration(cfg.ShipBox.TimelineTTLSeconds) * time.Second
	if timelineTTL <= 0 {
		timelineTTL = 10 * time.Minute
	}
	dataFile := cfg.Booking.DataFile
	if dataFile == "" {
		dataFile = "bookings.json"
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, []string{bookingTopic, advancedTopic}, consumerGroup)

	bookingStore := bookingfile.New(dataFile)

	intakeSvc := intake.New(bookingStore, producer, bookingTopic).WithPolicy(
		time.Duration(cfg.ShipBox.IntakeTimeoutSeconds)*time.Second,
		cfg.ShipBox.IntakeRetryAttempts,
		0,
	)
	timelineSvc := timelines.New(st, rc, timelineTTL, cfg.ShipBox.EstimatedDeliveryDays)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &shipAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: shipAPIOpts{
			httpAddr:              httpAddr,
			swaggerPath:           os.Getenv("swaggerPath"),
			bookingCreatedTopic:   bookingTopic,
			shipmentAdvancedTopic: advancedTopic,
			consumerGroup:         consumerGroup,
		},
		intakeSvc:   intakeSvc,
		timelineSvc: timelineSvc,
		consumer:    consumer,
		producer:    producer,
		closeDB:     st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgshipments.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgshipments.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *shipAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *shipAPIApp) Run() error {
	return runShipAPI(a.ctx, a.opts, a.intakeSvc, a.timelineSvc, a.consumer)
}
