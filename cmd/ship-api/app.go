package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/ShipBox/internal/api/httpapi"
	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/services/intake"
	"github.com/BearBump/ShipBox/internal/services/timelines"
	"github.com/BearBump/ShipBox/internal/storage/pgshipments"
	"github.com/pkg/errors"
)

type shipAPIOpts struct {
	httpAddr    string
	swaggerPath string

	bookingCreatedTopic   string
	shipmentAdvancedTopic string
	consumerGroup         string

	consumerRestartDelay time.Duration

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(topic string, key, value []byte) error) error
}

func runShipAPI(ctx context.Context, opts shipAPIOpts, intakeSvc *intake.Service, timelineSvc *timelines.Service, consumer kafkaConsumer) error {
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
		}
	}

	api := httpapi.New(intakeSvc, timelineSvc)

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	if consumer != nil {
		restartDelay := opts.consumerRestartDelay
		if restartDelay <= 0 {
			restartDelay = time.Second
		}
		go func() {
			slog.Info("kafka consumer started",
				"topics", []string{opts.bookingCreatedTopic, opts.shipmentAdvancedTopic},
				"group", opts.consumerGroup)
			// Transient failures (broker hiccup, storage outage) end one
			// Consume pass; the loop picks the uncommitted message back up.
			for {
				err := consumer.Consume(ctx, func(topic string, _ []byte, value []byte) error {
					return dispatchMessage(ctx, timelineSvc, opts, topic, value)
				})
				if ctx.Err() != nil {
					return
				}
				slog.Error("kafka consumer stopped, restarting", "error", err.Error())
				select {
				case <-ctx.Done():
					return
				case <-time.After(restartDelay):
				}
			}
		}()
	}

	srv := &http.Server{Handler: api.Router(opts.swaggerPath)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	err = srv.Serve(lis)
	if err == http.ErrServerClosed {
		return ctx.Err()
	}
	return err
}

// dispatchMessage applies one consumed message. Messages a retry can
// never fix are logged and dropped (nil return, so the offset commits):
// malformed payloads, and progress updates the store refuses because the
// shipment moved on or no longer exists. Transient failures are returned
// and the message is refetched.
func dispatchMessage(ctx context.Context, timelineSvc *timelines.Service, opts shipAPIOpts, topic string, value []byte) error {
	switch topic {
	case opts.bookingCreatedTopic:
		var m messages.BookingCreated
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Warn("dropping malformed message", "topic", topic, "error", err.Error())
			return nil
		}
		return timelineSvc.ApplyBookingCreated(ctx, m)
	case opts.shipmentAdvancedTopic:
		var m messages.ShipmentAdvanced
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Warn("dropping malformed message", "topic", topic, "error", err.Error())
			return nil
		}
		err := timelineSvc.ApplyProgressUpdate(ctx, m)
		if errors.Is(err, pgshipments.ErrCheckpointOutOfOrder) || errors.Is(err, pgshipments.ErrNotFound) {
			slog.Warn("dropping stale progress message",
				"tracking_number", m.TrackingNumber, "checkpoint", m.Checkpoint, "error", err.Error())
			return nil
		}
		return err
	default:
		slog.Warn("message on unexpected topic", "topic", topic)
		return nil
	}
}
