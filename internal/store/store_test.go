// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolith/listenwriter/internal/listen"
)

type fakeStore struct {
	inserted []listen.Key
	err      error
	calls    int
	got      []listen.Listen
}

func (f *fakeStore) Insert(_ context.Context, listens []listen.Listen) ([]listen.Key, error) {
	f.calls++
	f.got = listens
	if f.err != nil {
		return nil, f.err
	}
	return f.inserted, nil
}

type fakeDaily struct {
	err   error
	calls int
	count int
	day   time.Time
}

func (f *fakeDaily) IncrementListenCount(_ context.Context, day time.Time, count int) error {
	f.calls++
	f.day = day
	f.count = count
	return f.err
}

func mkListen(ts int64, track, user string) listen.Listen {
	l, err := listen.Parse(listen.Raw{
		ListenedAt:    ts,
		UserName:      user,
		RecordingMSID: "msid",
		TrackMetadata: listen.TrackMetadata{ArtistName: "artist", TrackName: track},
	})
	if err != nil {
		panic(err)
	}
	return l
}

func TestInsertEmptyBatchIsNoOp(t *testing.T) {
	fs := &fakeStore{}
	engine := NewEngine(fs, nil)

	result, err := engine.Insert(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
	assert.Zero(t, fs.calls)
}

func TestInsertSelectsUniqueSubsetFromStoreReport(t *testing.T) {
	a := mkListen(100, "track-a", "rob")
	b := mkListen(200, "track-b", "rob")
	c := mkListen(300, "track-c", "ana")

	fs := &fakeStore{inserted: []listen.Key{a.Key(), c.Key()}}
	engine := NewEngine(fs, nil)

	result, err := engine.Insert(context.Background(), []listen.Listen{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Accepted)
	require.Len(t, result.Unique, 2)
	assert.Equal(t, a, result.Unique[0])
	assert.Equal(t, c, result.Unique[1])
}

func TestInsertAllDuplicatesYieldsEmptyUniqueSubset(t *testing.T) {
	a := mkListen(100, "track-a", "rob")
	b := mkListen(200, "track-b", "rob")

	fs := &fakeStore{inserted: nil}
	daily := &fakeDaily{}
	engine := NewEngine(fs, daily)

	result, err := engine.Insert(context.Background(), []listen.Listen{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Empty(t, result.Unique)
	// Nothing was newly stored, so the day counter stays untouched.
	assert.Zero(t, daily.calls)
}

func TestInsertTransientFailurePropagatesErrUnavailable(t *testing.T) {
	fs := &fakeStore{err: ErrUnavailable}
	engine := NewEngine(fs, nil)

	result, err := engine.Insert(context.Background(), []listen.Listen{mkListen(100, "t", "u")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, Result{}, result)
}

func TestInsertBumpsDailyCountByNewlyInserted(t *testing.T) {
	a := mkListen(100, "track-a", "rob")
	b := mkListen(200, "track-b", "rob")

	fs := &fakeStore{inserted: []listen.Key{b.Key()}}
	daily := &fakeDaily{}
	engine := NewEngine(fs, daily)
	engine.clock = func() time.Time {
		return time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)
	}

	_, err := engine.Insert(context.Background(), []listen.Listen{a, b})
	require.NoError(t, err)
	assert.Equal(t, 1, daily.calls)
	assert.Equal(t, 1, daily.count)
	assert.Equal(t, time.March, daily.day.Month())
}

func TestInsertSwallowsDailyCounterFailure(t *testing.T) {
	a := mkListen(100, "track-a", "rob")

	fs := &fakeStore{inserted: []listen.Key{a.Key()}}
	daily := &fakeDaily{err: errors.New("redis down")}
	engine := NewEngine(fs, daily)

	result, err := engine.Insert(context.Background(), []listen.Listen{a})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	require.Len(t, result.Unique, 1)
}

func TestInsertIntraBatchKeyCollisionRepublishesBoth(t *testing.T) {
	// Two listens sharing the composite key within one batch both match the
	// store's single inserted row. The key is an accepted approximation.
	a := mkListen(100, "track", "rob")
	b := mkListen(100, "track", "rob")
	b.RecordingMSID = "other-msid"

	fs := &fakeStore{inserted: []listen.Key{a.Key()}}
	engine := NewEngine(fs, nil)

	result, err := engine.Insert(context.Background(), []listen.Listen{a, b})
	require.NoError(t, err)
	assert.Len(t, result.Unique, 2)
}
