// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

// Package pipeline drives the consume → enrich → insert → republish loop.
//
// One sequential worker processes one message at a time to completion. A
// message is acknowledged only after its batch is durably persisted and the
// unique subset durably republished; on a transient store failure it is left
// unacknowledged so the broker redelivers it. Horizontal scaling is running
// more processes, each an independent consumer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/audiolith/listenwriter/internal/broker"
	"github.com/audiolith/listenwriter/internal/listen"
	"github.com/audiolith/listenwriter/internal/logging"
	"github.com/audiolith/listenwriter/internal/metrics"
	"github.com/audiolith/listenwriter/internal/store"
)

// Delivery is one in-flight incoming message.
type Delivery interface {
	Body() []byte
	Ack(ctx context.Context) error
}

// Source delivers incoming messages one at a time. Next blocks until a
// message arrives, the idle window elapses (broker.ErrNoMessage), or ctx
// ends.
type Source interface {
	Next(ctx context.Context) (Delivery, error)
}

// Enricher resolves identifiers into raw records, degrading on failure.
type Enricher interface {
	EnrichAll(ctx context.Context, raws []listen.Raw) []listen.Raw
}

// Inserter persists a batch and reports the unique subset.
type Inserter interface {
	Insert(ctx context.Context, listens []listen.Listen) (store.Result, error)
}

// Republisher publishes the unique subset downstream.
type Republisher interface {
	PublishUnique(ctx context.Context, listens []listen.Listen) error
}

// Writer is the pipeline loop. It implements suture.Service.
type Writer struct {
	source     Source
	enricher   Enricher
	engine     Inserter
	publisher  Republisher
	counters   *Counters
	retryDelay time.Duration
}

// NewWriter assembles the pipeline loop from its collaborators.
func NewWriter(source Source, enricher Enricher, engine Inserter, publisher Republisher,
	counters *Counters, retryDelay time.Duration) *Writer {
	return &Writer{
		source:     source,
		enricher:   enricher,
		engine:     engine,
		publisher:  publisher,
		counters:   counters,
		retryDelay: retryDelay,
	}
}

// Serve runs the loop until ctx ends. A panic inside the loop is logged and
// terminates the supervisor tree: the loop is never restarted with unknown
// in-flight state, and the unacked message redelivers to a fresh process.
func (w *Writer) Serve(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("Pipeline loop panicked")
			err = errors.Join(suture.ErrTerminateSupervisorTree, fmt.Errorf("pipeline panic: %v", r))
		}
	}()

	logging.Info().Msg("Listen writer started")

	for {
		delivery, err := w.source.Next(ctx)
		switch {
		case errors.Is(err, broker.ErrNoMessage):
			// Idle window; fall through to the flush check.
		case err != nil:
			return err
		default:
			w.process(ctx, delivery)
		}

		w.counters.MaybeFlush()

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (w *Writer) String() string {
	return "listen-writer"
}

// process runs one message through the pipeline stages and decides its
// acknowledgment.
func (w *Writer) process(ctx context.Context, delivery Delivery) {
	start := time.Now()

	raws, err := listen.DecodeBatch(delivery.Body())
	if err != nil {
		// A malformed body can never succeed on redelivery; acknowledge it
		// so it does not poison the queue.
		metrics.MalformedBatches.Inc()
		logging.Err(err).Msg("Malformed incoming message body, discarding")
		if err := delivery.Ack(ctx); err != nil {
			logging.Err(err).Msg("Could not acknowledge malformed message")
		}
		return
	}

	enriched := w.enricher.EnrichAll(ctx, raws)

	submit := make([]listen.Listen, 0, len(enriched))
	for _, raw := range enriched {
		l, err := listen.Parse(raw)
		if err != nil {
			metrics.ListensDroppedParse.Inc()
			continue
		}
		submit = append(submit, l)
	}

	result, err := w.engine.Insert(ctx, submit)
	if err != nil {
		// Leave the message unacknowledged; the broker redelivers it after
		// the ack wait. Back off so a down store is not hammered.
		logging.Err(err).
			Int("listens", len(submit)).
			Msg("Listen insert failed, leaving message unacknowledged")
		_ = sleepCtx(ctx, w.retryDelay)
		return
	}

	if err := w.publisher.PublishUnique(ctx, result.Unique); err != nil {
		// Publishing only fails when ctx ended mid-retry; the message stays
		// unacked and redelivers.
		return
	}

	if err := delivery.Ack(ctx); err != nil {
		logging.Err(err).Msg("Could not acknowledge message")
		return
	}

	w.counters.Add(result.Accepted, len(result.Unique))
	metrics.RecordBatch(time.Since(start))

	logging.Debug().
		Int("accepted", result.Accepted).
		Int("unique", len(result.Unique)).
		Msg("Batch processed")
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
