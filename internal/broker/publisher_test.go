// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolith/listenwriter/internal/listen"
)

type fakeTransport struct {
	failures int
	calls    int
	topic    string
	messages []*message.Message
}

func (f *fakeTransport) Publish(topic string, messages ...*message.Message) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("broker unavailable")
	}
	f.topic = topic
	f.messages = append(f.messages, messages...)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

type fakeRecentCache struct {
	calls int
	got   []listen.Listen
	err   error
}

func (f *fakeRecentCache) UpdateRecentListens(_ context.Context, listens []listen.Listen) error {
	f.calls++
	f.got = listens
	return f.err
}

func uniqueListens() []listen.Listen {
	return []listen.Listen{
		{
			ListenedAt:    1700000000,
			UserName:      "rob",
			RecordingMSID: "msid-1",
			TrackMetadata: listen.TrackMetadata{ArtistName: "Plaid", TrackName: "Eyen"},
		},
	}
}

func TestPublishUniquePublishesOneMessagePerBatch(t *testing.T) {
	transport := &fakeTransport{}
	cache := &fakeRecentCache{}
	pub := newUniquePublisher(transport, "listens.unique", time.Millisecond, cache)

	require.NoError(t, pub.PublishUnique(context.Background(), uniqueListens()))

	assert.Equal(t, "listens.unique", transport.topic)
	require.Len(t, transport.messages, 1)

	msg := transport.messages[0]
	assert.Equal(t, msg.UUID, msg.Metadata.Get(natsgo.MsgIdHdr))

	raws, err := listen.DecodeBatch(msg.Payload)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Equal(t, "msid-1", raws[0].RecordingMSID)

	assert.Equal(t, 1, cache.calls)
	assert.Equal(t, uniqueListens(), cache.got)
}

func TestPublishUniqueEmptySubsetIsNoOp(t *testing.T) {
	transport := &fakeTransport{}
	cache := &fakeRecentCache{}
	pub := newUniquePublisher(transport, "listens.unique", time.Millisecond, cache)

	require.NoError(t, pub.PublishUnique(context.Background(), nil))
	assert.Zero(t, transport.calls)
	assert.Zero(t, cache.calls)
}

func TestPublishUniqueRetriesUntilSuccess(t *testing.T) {
	transport := &fakeTransport{failures: 3}
	pub := newUniquePublisher(transport, "listens.unique", time.Millisecond, nil)

	require.NoError(t, pub.PublishUnique(context.Background(), uniqueListens()))
	assert.Equal(t, 4, transport.calls)
	require.Len(t, transport.messages, 1)
}

func TestPublishUniqueStopsRetryingWhenContextEnds(t *testing.T) {
	transport := &fakeTransport{failures: 1 << 30}
	pub := newUniquePublisher(transport, "listens.unique", time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := pub.PublishUnique(ctx, uniqueListens())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, transport.messages)
}

func TestPublishUniqueSwallowsRecentCacheFailure(t *testing.T) {
	transport := &fakeTransport{}
	cache := &fakeRecentCache{err: errors.New("redis down")}
	pub := newUniquePublisher(transport, "listens.unique", time.Millisecond, cache)

	require.NoError(t, pub.PublishUnique(context.Background(), uniqueListens()))
	assert.Equal(t, 1, cache.calls)
}
