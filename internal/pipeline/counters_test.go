// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	flushes [][2]int64
}

func (s *recordingSink) SubmitListenCounts(incoming, unique int64) {
	s.flushes = append(s.flushes, [2]int64{incoming, unique})
}

func TestCountersFlushEmitsAndResets(t *testing.T) {
	sink := &recordingSink{}
	counters := NewCounters(sink, time.Minute)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	counters.now = func() time.Time { return now }
	counters.deadline = now.Add(time.Minute)

	counters.Add(10, 4)
	counters.Add(5, 1)

	assert.False(t, counters.MaybeFlush())
	assert.Empty(t, sink.flushes)

	now = now.Add(time.Minute)
	require.True(t, counters.MaybeFlush())
	require.Len(t, sink.flushes, 1)
	assert.Equal(t, [2]int64{15, 5}, sink.flushes[0])

	// Totals reset after the flush; the next window starts from zero.
	now = now.Add(time.Minute)
	require.True(t, counters.MaybeFlush())
	assert.Equal(t, [2]int64{0, 0}, sink.flushes[1])
}

func TestCountersDeadlineDoesNotDrift(t *testing.T) {
	sink := &recordingSink{}
	counters := NewCounters(sink, time.Minute)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	counters.now = func() time.Time { return now }
	counters.deadline = start.Add(time.Minute)

	// The loop checks late, 20 seconds past the deadline. The next deadline
	// still advances by exactly one interval from the previous one.
	now = start.Add(time.Minute + 20*time.Second)
	require.True(t, counters.MaybeFlush())
	assert.Equal(t, start.Add(2*time.Minute), counters.deadline)

	now = start.Add(2*time.Minute + 45*time.Second)
	require.True(t, counters.MaybeFlush())
	assert.Equal(t, start.Add(3*time.Minute), counters.deadline)
}

func TestCountersNoFlushBeforeDeadline(t *testing.T) {
	sink := &recordingSink{}
	counters := NewCounters(sink, time.Hour)

	counters.Add(3, 3)
	assert.False(t, counters.MaybeFlush())
	assert.Empty(t, sink.flushes)
}
