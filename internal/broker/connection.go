// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

// Package broker owns the JetStream transport: the consumer-side connection
// manager, stream topology declaration, the blocking incoming consumer, and
// the unique-listen republisher.
//
// Transport errors never surface as data errors. The connection reconnects
// indefinitely with a fixed delay, and WithRetry repeats broker I/O against a
// freshly re-established connection until it succeeds or the context ends.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/audiolith/listenwriter/internal/config"
	"github.com/audiolith/listenwriter/internal/logging"
	"github.com/audiolith/listenwriter/internal/metrics"
)

// Connection manages the consumer-side NATS connection and its declared
// topology. On any transport failure the connection is re-established and the
// topology re-declared wholesale; callers never receive a broken handle.
type Connection struct {
	cfg        config.BrokerConfig
	retryDelay time.Duration

	mu       sync.Mutex
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
}

// NewConnection creates a connection manager. No I/O happens until
// EnsureConnected is called.
func NewConnection(cfg config.BrokerConfig, retryDelay time.Duration) *Connection {
	return &Connection{cfg: cfg, retryDelay: retryDelay}
}

// EnsureConnected blocks until a live, topology-declared connection exists,
// retrying with the fixed delay. It returns early only when ctx ends.
func (c *Connection) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.connectLocked(ctx)
		if err == nil {
			return nil
		}
		logging.Err(err).
			Dur("retry_in", c.retryDelay).
			Msg("Broker connection attempt failed")
		if err := sleep(ctx, c.retryDelay); err != nil {
			return err
		}
	}
}

// connectLocked performs one connect-and-declare attempt. Must hold mu.
func (c *Connection) connectLocked(ctx context.Context) error {
	if c.nc == nil || c.nc.IsClosed() {
		nc, err := nats.Connect(c.cfg.URL, connectOptions(c.cfg, c.retryDelay)...)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", c.cfg.URL, err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return fmt.Errorf("create jetstream context: %w", err)
		}
		c.nc = nc
		c.js = js
		c.consumer = nil
	}

	if c.nc.Status() != nats.CONNECTED {
		return fmt.Errorf("connection to %s not established (status %s)", c.cfg.URL, c.nc.Status())
	}

	if c.consumer == nil {
		if err := c.declareTopologyLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// declareTopologyLocked creates or updates both streams and the durable
// incoming consumer. Must hold mu.
func (c *Connection) declareTopologyLocked(ctx context.Context) error {
	for _, stream := range []StreamConfig{
		{Name: c.cfg.IncomingStream, Subjects: []string{c.cfg.IncomingSubject}, MaxAge: c.cfg.StreamMaxAge},
		{Name: c.cfg.UniqueStream, Subjects: []string{c.cfg.UniqueSubject}, MaxAge: c.cfg.StreamMaxAge},
	} {
		init := NewStreamInitializer(c.js, stream)
		if err := init.EnsureStream(ctx); err != nil {
			return err
		}
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.IncomingStream, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		FilterSubject: c.cfg.IncomingSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		// One outstanding message: the broker delivers the next batch only
		// after the previous one is acknowledged or its ack wait expires.
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("declare durable consumer %s: %w", c.cfg.Durable, err)
	}
	c.consumer = cons
	return nil
}

// Consumer returns the durable incoming consumer handle. EnsureConnected must
// have succeeded first.
func (c *Connection) Consumer() jetstream.Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumer
}

// WithRetry executes op and, on failure, re-establishes connectivity and
// retries the same op with the fixed delay, indefinitely. It gives up only
// when ctx ends. Errors from op are treated as transport errors and are
// never propagated to the caller.
func (c *Connection) WithRetry(ctx context.Context, name string, op func() error) error {
	for {
		err := op()
		if err == nil {
			return nil
		}
		logging.Err(err).
			Str("op", name).
			Dur("retry_in", c.retryDelay).
			Msg("Broker operation failed, reconnecting")

		if err := sleep(ctx, c.retryDelay); err != nil {
			return err
		}
		if err := c.EnsureConnected(ctx); err != nil {
			return err
		}
	}
}

// Close drains and closes the connection.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil && !c.nc.IsClosed() {
		c.nc.Close()
	}
	c.nc = nil
	c.js = nil
	c.consumer = nil
}

// connectOptions builds the reconnect discipline shared by the consumer and
// publisher connections: retry the initial dial, reconnect forever with the
// fixed delay, and log every transition.
func connectOptions(cfg config.BrokerConfig, retryDelay time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(retryDelay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Err(err).Msg("Broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.BrokerReconnects.Inc()
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("Broker reconnected")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
