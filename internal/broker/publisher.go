// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/audiolith/listenwriter/internal/config"
	"github.com/audiolith/listenwriter/internal/listen"
	"github.com/audiolith/listenwriter/internal/logging"
	"github.com/audiolith/listenwriter/internal/metrics"
)

// RecentCache is the recent-activity collaborator fed after a successful
// republish. It is best-effort: failures are logged and swallowed.
type RecentCache interface {
	UpdateRecentListens(ctx context.Context, listens []listen.Listen) error
}

// UniquePublisher republishes newly persisted listens to the unique stream.
//
// One batch is serialized as one message and published to a file-backed
// JetStream stream, so delivery is durable. Publishes run behind a circuit
// breaker and are retried indefinitely with the fixed delay; the underlying
// connection reconnects on its own, so a mid-publish disconnect is retried
// against a freshly established connection.
type UniquePublisher struct {
	publisher  message.Publisher
	breaker    *gobreaker.CircuitBreaker[any]
	cache      RecentCache
	subject    string
	retryDelay time.Duration
}

// NewUniquePublisher creates a republisher with its own broker connection.
// cache may be nil to disable the recent-listens feed.
func NewUniquePublisher(cfg config.BrokerConfig, retryDelay time.Duration, cache RecentCache) (*UniquePublisher, error) {
	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: connectOptions(cfg, retryDelay),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			// Streams are declared by the connection manager.
			AutoProvision: false,
			// The message UUID doubles as the broker-side dedup id, so a
			// publish retried after an ambiguous failure is not duplicated.
			TrackMsgId: true,
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, watermill.NewStdLogger(false, false))
	if err != nil {
		return nil, fmt.Errorf("create unique publisher: %w", err)
	}

	return newUniquePublisher(pub, cfg.UniqueSubject, retryDelay, cache), nil
}

// newUniquePublisher wires a publisher around an existing transport, which
// lets tests substitute an in-memory one.
func newUniquePublisher(pub message.Publisher, subject string, retryDelay time.Duration, cache RecentCache) *UniquePublisher {
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "unique-publish",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &UniquePublisher{
		publisher:  pub,
		breaker:    breaker,
		cache:      cache,
		subject:    subject,
		retryDelay: retryDelay,
	}
}

// PublishUnique publishes the unique subset as one durable message and then
// feeds the recent-listens cache. An empty subset is an immediate no-op with
// zero publish calls. Publish failures are retried until ctx ends.
func (p *UniquePublisher) PublishUnique(ctx context.Context, listens []listen.Listen) error {
	if len(listens) == 0 {
		return nil
	}

	body, err := listen.EncodeBatch(listens)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)

	for {
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, p.publisher.Publish(p.subject, msg)
		})
		if err == nil {
			break
		}

		metrics.PublishRetries.Inc()
		logging.Err(err).
			Int("listens", len(listens)).
			Dur("retry_in", p.retryDelay).
			Msg("Unique publish failed, retrying")

		if err := sleep(ctx, p.retryDelay); err != nil {
			return err
		}
	}

	p.updateRecentListens(ctx, listens)
	return nil
}

// updateRecentListens feeds the recent-activity cache. The republish already
// succeeded, so failures are logged and swallowed.
func (p *UniquePublisher) updateRecentListens(ctx context.Context, listens []listen.Listen) {
	if p.cache == nil {
		return
	}
	if err := p.cache.UpdateRecentListens(ctx, listens); err != nil {
		metrics.SideChannelErrors.WithLabelValues("recent_listens").Inc()
		logging.Err(err).Msg("Could not update recent listens cache")
	}
}

// Close shuts down the publisher connection.
func (p *UniquePublisher) Close() error {
	return p.publisher.Close()
}
