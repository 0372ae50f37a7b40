// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

package pipeline

import (
	"time"
)

// MetricsSink receives one flush of the windowed throughput counters.
type MetricsSink interface {
	SubmitListenCounts(incoming, unique int64)
}

// Counters accumulates per-batch counts and emits them once per interval.
//
// The deadline advances by exactly one interval per flush rather than being
// rebased on the current time, so emission times do not drift with loop
// latency. The writer owns the only reference; no locking is needed.
type Counters struct {
	sink     MetricsSink
	interval time.Duration

	incoming int64
	unique   int64
	deadline time.Time
	now      func() time.Time
}

// NewCounters creates an aggregator flushing to sink every interval.
func NewCounters(sink MetricsSink, interval time.Duration) *Counters {
	c := &Counters{
		sink:     sink,
		interval: interval,
		now:      time.Now,
	}
	c.deadline = c.now().Add(interval)
	return c
}

// Add records the counts of one successfully processed batch.
func (c *Counters) Add(incoming, unique int) {
	c.incoming += int64(incoming)
	c.unique += int64(unique)
}

// MaybeFlush emits and resets the totals when the interval has elapsed.
// It reports whether a flush happened.
func (c *Counters) MaybeFlush() bool {
	if c.now().Before(c.deadline) {
		return false
	}
	c.sink.SubmitListenCounts(c.incoming, c.unique)
	c.incoming = 0
	c.unique = 0
	c.deadline = c.deadline.Add(c.interval)
	return true
}
