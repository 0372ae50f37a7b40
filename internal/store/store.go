// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

// Package store persists listen batches and determines which listens were
// newly accepted.
//
// The listen store deduplicates against prior state itself: an insert reports
// back the composite keys of the rows it actually wrote. The engine reconciles
// that report against the submitted batch to produce the unique subset that is
// republished downstream.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/audiolith/listenwriter/internal/listen"
	"github.com/audiolith/listenwriter/internal/logging"
	"github.com/audiolith/listenwriter/internal/metrics"
)

// ErrUnavailable marks a transient store connectivity failure. Callers must
// not acknowledge the source message when an insert fails with this error;
// broker redelivery is the recovery mechanism.
var ErrUnavailable = errors.New("listen store unavailable")

// ListenStore is the storage collaborator. Insert persists a batch and
// returns the composite keys of the rows it newly wrote, which may be any
// subset of the input, including none when every listen was already stored.
// A transient connectivity failure is reported as ErrUnavailable, distinctly
// from an empty result.
type ListenStore interface {
	Insert(ctx context.Context, listens []listen.Listen) ([]listen.Key, error)
}

// DailyCounter is the best-effort per-day listen count collaborator.
type DailyCounter interface {
	IncrementListenCount(ctx context.Context, day time.Time, count int) error
}

// Result reports the outcome of a successful insert: how many listens the
// store accepted (always the full input on success) and which of them were
// newly persisted. A transient failure is returned as an error instead,
// never encoded in the counts.
type Result struct {
	Accepted int
	Unique   []listen.Listen
}

// Engine submits batches to the listen store and reconciles the store's
// newly-inserted report back to the input listens.
type Engine struct {
	store ListenStore
	daily DailyCounter
	clock func() time.Time
}

// NewEngine creates an insertion engine. daily may be nil to disable the
// best-effort day counter.
func NewEngine(store ListenStore, daily DailyCounter) *Engine {
	return &Engine{store: store, daily: daily, clock: time.Now}
}

// Insert persists the batch and selects its unique subset.
//
// An empty input is a no-op success. On a transient store failure the error
// wraps ErrUnavailable and the result is zero; the caller must leave the
// source message unacknowledged. An empty newly-inserted report on a
// non-empty input means the whole batch was already stored: accepted equals
// the input length and the unique subset is empty.
func (e *Engine) Insert(ctx context.Context, listens []listen.Listen) (Result, error) {
	if len(listens) == 0 {
		return Result{}, nil
	}

	inserted, err := e.store.Insert(ctx, listens)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			metrics.StoreUnavailable.Inc()
		}
		return Result{}, fmt.Errorf("insert listens: %w", err)
	}

	if len(inserted) == 0 {
		return Result{Accepted: len(listens)}, nil
	}

	e.bumpDailyCount(ctx, len(inserted))

	index := make(map[listen.Key]struct{}, len(inserted))
	for _, key := range inserted {
		index[key] = struct{}{}
	}

	unique := make([]listen.Listen, 0, len(inserted))
	for _, l := range listens {
		if _, ok := index[l.Key()]; ok {
			unique = append(unique, l)
		}
	}

	return Result{Accepted: len(listens), Unique: unique}, nil
}

// bumpDailyCount updates the per-day listen count. The primary insert has
// already succeeded, so failures here are logged and swallowed.
func (e *Engine) bumpDailyCount(ctx context.Context, count int) {
	if e.daily == nil {
		return
	}
	if err := e.daily.IncrementListenCount(ctx, e.clock().UTC(), count); err != nil {
		metrics.SideChannelErrors.WithLabelValues("daily_count").Inc()
		logging.Err(err).Msg("Could not update daily listen count")
	}
}
