// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolith/listenwriter/internal/broker"
	"github.com/audiolith/listenwriter/internal/listen"
	"github.com/audiolith/listenwriter/internal/store"
)

type fakeDelivery struct {
	body   []byte
	acks   int
	events *[]string
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acks++
	if d.events != nil {
		*d.events = append(*d.events, "ack")
	}
	return nil
}

type passthroughEnricher struct{}

func (passthroughEnricher) EnrichAll(_ context.Context, raws []listen.Raw) []listen.Raw {
	return raws
}

type fakeInserter struct {
	result store.Result
	err    error
	got    [][]listen.Listen
	events *[]string
}

func (f *fakeInserter) Insert(_ context.Context, listens []listen.Listen) (store.Result, error) {
	f.got = append(f.got, listens)
	if f.events != nil {
		*f.events = append(*f.events, "insert")
	}
	return f.result, f.err
}

type fakeRepublisher struct {
	published [][]listen.Listen
	err       error
	events    *[]string
}

func (f *fakeRepublisher) PublishUnique(_ context.Context, listens []listen.Listen) error {
	f.published = append(f.published, listens)
	if f.events != nil {
		*f.events = append(*f.events, "publish")
	}
	return f.err
}

func batchBody(t *testing.T, raws []listen.Raw) []byte {
	body, err := json.Marshal(raws)
	require.NoError(t, err)
	return body
}

func validBatch(t *testing.T) []byte {
	return batchBody(t, []listen.Raw{
		{
			ListenedAt:    1700000000,
			UserName:      "rob",
			RecordingMSID: "msid-1",
			TrackMetadata: listen.TrackMetadata{ArtistName: "Plaid", TrackName: "Eyen"},
		},
		{
			ListenedAt:    1700000060,
			UserName:      "ana",
			RecordingMSID: "msid-2",
			TrackMetadata: listen.TrackMetadata{ArtistName: "Autechre", TrackName: "Amber"},
		},
	})
}

func newTestWriter(inserter *fakeInserter, publisher *fakeRepublisher, sink *recordingSink) *Writer {
	return NewWriter(nil, passthroughEnricher{}, inserter, publisher,
		NewCounters(sink, time.Hour), time.Millisecond)
}

func TestProcessAcksOnlyAfterPersistAndRepublish(t *testing.T) {
	var events []string
	unique := listen.Listen{ListenedAt: 1700000000, UserName: "rob", RecordingMSID: "msid-1",
		TrackMetadata: listen.TrackMetadata{ArtistName: "Plaid", TrackName: "Eyen"}}

	inserter := &fakeInserter{
		result: store.Result{Accepted: 2, Unique: []listen.Listen{unique}},
		events: &events,
	}
	publisher := &fakeRepublisher{events: &events}
	sink := &recordingSink{}
	w := newTestWriter(inserter, publisher, sink)

	delivery := &fakeDelivery{body: validBatch(t), events: &events}
	w.process(context.Background(), delivery)

	assert.Equal(t, []string{"insert", "publish", "ack"}, events)
	assert.Equal(t, 1, delivery.acks)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, []listen.Listen{unique}, publisher.published[0])

	w.counters.deadline = time.Now().Add(-time.Second)
	require.True(t, w.counters.MaybeFlush())
	assert.Equal(t, [2]int64{2, 1}, sink.flushes[0])
}

func TestProcessLeavesMessageUnackedOnInsertFailure(t *testing.T) {
	inserter := &fakeInserter{err: store.ErrUnavailable}
	publisher := &fakeRepublisher{}
	w := newTestWriter(inserter, publisher, &recordingSink{})

	delivery := &fakeDelivery{body: validBatch(t)}
	w.process(context.Background(), delivery)

	assert.Zero(t, delivery.acks)
	assert.Empty(t, publisher.published)
}

func TestProcessAcksAndDiscardsMalformedBody(t *testing.T) {
	inserter := &fakeInserter{}
	publisher := &fakeRepublisher{}
	w := newTestWriter(inserter, publisher, &recordingSink{})

	delivery := &fakeDelivery{body: []byte("{broken")}
	w.process(context.Background(), delivery)

	assert.Equal(t, 1, delivery.acks)
	assert.Empty(t, inserter.got)
	assert.Empty(t, publisher.published)
}

func TestProcessDropsUnparseableRecordsSilently(t *testing.T) {
	body := batchBody(t, []listen.Raw{
		{
			ListenedAt:    1700000000,
			UserName:      "rob",
			RecordingMSID: "msid-1",
			TrackMetadata: listen.TrackMetadata{ArtistName: "Plaid", TrackName: "Eyen"},
		},
		{
			// Never enriched, no recording msid: dropped at parse.
			ListenedAt:    1700000060,
			UserName:      "ana",
			TrackMetadata: listen.TrackMetadata{ArtistName: "Autechre", TrackName: "Amber"},
		},
	})

	inserter := &fakeInserter{result: store.Result{Accepted: 1}}
	publisher := &fakeRepublisher{}
	w := newTestWriter(inserter, publisher, &recordingSink{})

	delivery := &fakeDelivery{body: body}
	w.process(context.Background(), delivery)

	require.Len(t, inserter.got, 1)
	require.Len(t, inserter.got[0], 1)
	assert.Equal(t, "rob", inserter.got[0][0].UserName)
	assert.Equal(t, 1, delivery.acks)
}

func TestProcessEmptyUniqueSubsetStillAcks(t *testing.T) {
	inserter := &fakeInserter{result: store.Result{Accepted: 2}}
	publisher := &fakeRepublisher{}
	sink := &recordingSink{}
	w := newTestWriter(inserter, publisher, sink)

	delivery := &fakeDelivery{body: validBatch(t)}
	w.process(context.Background(), delivery)

	assert.Equal(t, 1, delivery.acks)
	require.Len(t, publisher.published, 1)
	assert.Empty(t, publisher.published[0])

	w.counters.deadline = time.Now().Add(-time.Second)
	require.True(t, w.counters.MaybeFlush())
	assert.Equal(t, [2]int64{2, 0}, sink.flushes[0])
}

func TestProcessDoesNotAckWhenPublishAborts(t *testing.T) {
	inserter := &fakeInserter{result: store.Result{Accepted: 2}}
	publisher := &fakeRepublisher{err: context.Canceled}
	w := newTestWriter(inserter, publisher, &recordingSink{})

	delivery := &fakeDelivery{body: validBatch(t)}
	w.process(context.Background(), delivery)

	assert.Zero(t, delivery.acks)
}

type keyReportingStore struct {
	report []listen.Key
}

func (s *keyReportingStore) Insert(_ context.Context, _ []listen.Listen) ([]listen.Key, error) {
	return s.report, nil
}

func TestProcessThreeRecordsTwoNewlyInserted(t *testing.T) {
	raws := []listen.Raw{
		{ListenedAt: 100, UserName: "rob", RecordingMSID: "m1",
			TrackMetadata: listen.TrackMetadata{ArtistName: "a", TrackName: "t1"}},
		{ListenedAt: 200, UserName: "rob", RecordingMSID: "m2",
			TrackMetadata: listen.TrackMetadata{ArtistName: "a", TrackName: "t2"}},
		{ListenedAt: 300, UserName: "ana", RecordingMSID: "m3",
			TrackMetadata: listen.TrackMetadata{ArtistName: "a", TrackName: "t3"}},
	}

	ls := &keyReportingStore{report: []listen.Key{
		{ListenedAt: 100, TrackName: "t1", UserName: "rob"},
		{ListenedAt: 300, TrackName: "t3", UserName: "ana"},
	}}
	publisher := &fakeRepublisher{}
	sink := &recordingSink{}
	w := NewWriter(nil, passthroughEnricher{}, store.NewEngine(ls, nil), publisher,
		NewCounters(sink, time.Hour), time.Millisecond)

	delivery := &fakeDelivery{body: batchBody(t, raws)}
	w.process(context.Background(), delivery)

	assert.Equal(t, 1, delivery.acks)
	require.Len(t, publisher.published, 1)
	require.Len(t, publisher.published[0], 2)
	assert.Equal(t, "m1", publisher.published[0][0].RecordingMSID)
	assert.Equal(t, "m3", publisher.published[0][1].RecordingMSID)

	w.counters.deadline = time.Now().Add(-time.Second)
	require.True(t, w.counters.MaybeFlush())
	assert.Equal(t, [2]int64{3, 2}, sink.flushes[0])
}

type scriptedSource struct {
	errs   []error
	cancel context.CancelFunc
}

func (s *scriptedSource) Next(ctx context.Context) (Delivery, error) {
	if len(s.errs) == 0 {
		s.cancel()
		return nil, ctx.Err()
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return nil, err
}

func TestServeFlushesCountersWhileIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &scriptedSource{
		errs:   []error{broker.ErrNoMessage, broker.ErrNoMessage},
		cancel: cancel,
	}
	sink := &recordingSink{}
	w := NewWriter(source, passthroughEnricher{}, &fakeInserter{}, &fakeRepublisher{},
		NewCounters(sink, time.Hour), time.Millisecond)
	w.counters.deadline = time.Now().Add(-time.Second)

	err := w.Serve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	// An idle queue still produces the periodic zero-count emission.
	require.NotEmpty(t, sink.flushes)
	assert.Equal(t, [2]int64{0, 0}, sink.flushes[0])
}

func TestServeStopsOnSourceError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wantErr := errors.New("consumer gone")
	source := &scriptedSource{errs: []error{wantErr}, cancel: cancel}
	w := NewWriter(source, passthroughEnricher{}, &fakeInserter{}, &fakeRepublisher{},
		NewCounters(&recordingSink{}, time.Hour), time.Millisecond)

	err := w.Serve(ctx)
	assert.ErrorIs(t, err, wantErr)
}
