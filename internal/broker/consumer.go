// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

package broker

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrNoMessage is returned by Next when the fetch window elapsed with no
// message available. It lets the pipeline loop run periodic bookkeeping while
// the queue is idle.
var ErrNoMessage = errors.New("no message available")

// Consumer provides blocking, one-at-a-time delivery from the incoming
// stream. Fetch failures are retried through the connection manager, so a
// broker outage shows up as a longer wait, never as an error.
type Consumer struct {
	conn *Connection
}

// NewConsumer creates a consumer on the given connection.
func NewConsumer(conn *Connection) *Consumer {
	return &Consumer{conn: conn}
}

// Next blocks until one message is delivered or the fetch window elapses.
// It returns ErrNoMessage on an idle window and a context error when ctx
// ends; transport failures are retried internally.
func (c *Consumer) Next(ctx context.Context) (*Delivery, error) {
	if err := c.conn.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	var delivery *Delivery
	err := c.conn.WithRetry(ctx, "fetch", func() error {
		cons := c.conn.Consumer()
		if cons == nil {
			return errors.New("incoming consumer not declared")
		}

		batch, err := cons.Fetch(1, jetstream.FetchMaxWait(c.conn.cfg.FetchTimeout))
		if err != nil {
			return err
		}
		for msg := range batch.Messages() {
			delivery = &Delivery{msg: msg, conn: c.conn}
			return nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, ErrNoMessage
	}
	return delivery, nil
}

// Delivery is one in-flight message. It stays unacknowledged until Ack is
// called; if the process dies first, the broker redelivers it after the ack
// wait. This redelivery is the at-least-once mechanism.
type Delivery struct {
	msg  jetstream.Msg
	conn *Connection
}

// Body returns the message payload.
func (d *Delivery) Body() []byte {
	return d.msg.Data()
}

// Ack acknowledges the message, retrying through the connection manager if
// the consumer connection was invalidated in the meantime.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.conn.WithRetry(ctx, "ack", d.msg.Ack)
}
