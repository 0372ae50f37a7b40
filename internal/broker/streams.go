// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamContext is the subset of jetstream.JetStream used by
// StreamInitializer. The interface seam allows testing with mocks.
type JetStreamContext interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// StreamConfig describes one stream of the pipeline topology.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
}

// StreamInitializer declares a stream before consumers and publishers start.
// Streams are file-backed so accepted messages survive broker restarts,
// which is what makes publish-side delivery durable.
type StreamInitializer struct {
	js     JetStreamContext
	config StreamConfig
}

// NewStreamInitializer creates an initializer for the given stream.
func NewStreamInitializer(js JetStreamContext, cfg StreamConfig) *StreamInitializer {
	return &StreamInitializer{js: js, config: cfg}
}

// EnsureStream creates the stream or updates its configuration if it already
// exists. The operation is idempotent and safe to repeat on every reconnect.
func (s *StreamInitializer) EnsureStream(ctx context.Context) error {
	streamCfg := jetstream.StreamConfig{
		Name:      s.config.Name,
		Subjects:  s.config.Subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    s.config.MaxAge,
		Storage:   jetstream.FileStorage,
		Discard:   jetstream.DiscardOld,
	}

	_, err := s.js.Stream(ctx, s.config.Name)
	if err == nil {
		if _, err := s.js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", s.config.Name, err)
		}
		return nil
	}

	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := s.js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("create stream %s: %w", s.config.Name, err)
		}
		return nil
	}

	return fmt.Errorf("check stream %s: %w", s.config.Name, err)
}
