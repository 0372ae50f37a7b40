// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

// Package main is the entry point for the listen writer.
//
// The writer consumes raw listen batches from the incoming JetStream queue,
// resolves stable identifiers for each listen, persists the batch into the
// TimescaleDB listen store, republishes the newly persisted subset to the
// unique stream, and keeps windowed throughput counters.
//
// # Startup order
//
//  1. Configuration (Koanf: defaults, optional YAML file, environment)
//  2. Logging (zerolog)
//  3. TimescaleDB and Redis dial loops: the process blocks and retries with
//     a fixed delay until both stores respond, then starts consuming
//  4. Broker connection, topology declaration, and publisher
//  5. Supervisor tree: pipeline loop and Prometheus exposition
//
// # Delivery guarantees
//
// At-least-once: a message is acknowledged only after its batch is durably
// persisted and the unique subset durably republished. On a transient store
// failure the message stays unacknowledged and the broker redelivers it.
// Downstream consumers must tolerate duplicate deliveries.
//
// # Scaling
//
// One process runs one sequential worker. Run more processes for horizontal
// scale; the durable consumer distributes batches between them.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/audiolith/listenwriter/internal/broker"
	"github.com/audiolith/listenwriter/internal/config"
	"github.com/audiolith/listenwriter/internal/enrich"
	"github.com/audiolith/listenwriter/internal/listencache"
	"github.com/audiolith/listenwriter/internal/logging"
	"github.com/audiolith/listenwriter/internal/metrics"
	"github.com/audiolith/listenwriter/internal/pipeline"
	"github.com/audiolith/listenwriter/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Cannot load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().Msg("Listen writer initializing")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := waitForTimescale(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Cannot reach listen store")
	}
	defer db.Close()

	cache, err := waitForRedis(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Cannot reach redis")
	}
	defer cache.Close()

	conn := broker.NewConnection(cfg.Broker, cfg.Pipeline.ErrorRetryDelay)
	defer conn.Close()

	publisher, err := broker.NewUniquePublisher(cfg.Broker, cfg.Pipeline.ErrorRetryDelay, cache)
	if err != nil {
		logging.Fatal().Err(err).Msg("Cannot create unique publisher")
	}
	defer publisher.Close()

	writer := pipeline.NewWriter(
		messageSource{consumer: broker.NewConsumer(conn)},
		enrich.NewClient(cfg.Enrichment),
		store.NewEngine(store.NewTimescaleStore(db), cache),
		publisher,
		pipeline.NewCounters(metrics.Sink{}, cfg.Metrics.FlushInterval),
		cfg.Pipeline.ErrorRetryDelay,
	)

	handler := &sutureslog.Handler{Logger: slog.New(logging.NewSlogHandler())}
	sup := suture.New("listenwriter", suture.Spec{EventHook: handler.MustHook()})
	sup.Add(writer)
	if cfg.Metrics.ListenAddr != "" {
		sup.Add(&metricsServer{addr: cfg.Metrics.ListenAddr})
	}

	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("Listen writer exited")
	}
	logging.Info().Msg("Listen writer stopped")
}

// waitForTimescale opens the listen store and blocks until it responds,
// retrying with the fixed error delay.
func waitForTimescale(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := store.Open(cfg.Timescale.URI)
	if err != nil {
		return nil, err
	}

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return db, nil
		}

		logging.Err(err).
			Dur("retry_in", cfg.Pipeline.ErrorRetryDelay).
			Msg("Cannot connect to timescale, retrying")
		if err := sleepCtx(ctx, cfg.Pipeline.ErrorRetryDelay); err != nil {
			db.Close()
			return nil, err
		}
	}
}

// waitForRedis creates the side-channel cache and blocks until it responds.
func waitForRedis(ctx context.Context, cfg *config.Config) (*listencache.Cache, error) {
	cache := listencache.New(cfg.Redis)

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := cache.Ping(pingCtx)
		cancel()
		if err == nil {
			return cache, nil
		}

		logging.Err(err).
			Dur("retry_in", cfg.Pipeline.ErrorRetryDelay).
			Msg("Cannot connect to redis, retrying")
		if err := sleepCtx(ctx, cfg.Pipeline.ErrorRetryDelay); err != nil {
			cache.Close()
			return nil, err
		}
	}
}

// messageSource adapts the broker consumer to the pipeline's Source
// interface without leaking a typed nil delivery.
type messageSource struct {
	consumer *broker.Consumer
}

func (s messageSource) Next(ctx context.Context) (pipeline.Delivery, error) {
	delivery, err := s.consumer.Next(ctx)
	if err != nil {
		return nil, err
	}
	return delivery, nil
}

// metricsServer exposes Prometheus metrics as a supervised service.
type metricsServer struct {
	addr string
}

func (m *metricsServer) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              m.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (m *metricsServer) String() string {
	return "metrics-server"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
