// Copyright 2025 James Ross
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/queueforge/queueforge/internal/jobqueue"
)

// NATSBus republishes engine envelopes to a NATS JetStream subject per
// queue and event type: jobs.<queueName>.<eventType>. It implements
// jobqueue.EventBus.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	log    *zap.Logger
	prefix string
}

// NewNATSBus connects to natsURL and ensures a JetStream context is
// available for publishing. prefix defaults to "jobs" when empty.
func NewNATSBus(natsURL, prefix string, log *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("bridge: connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bridge: create JetStream context: %w", err)
	}
	if prefix == "" {
		prefix = "jobs"
	}
	return &NATSBus{conn: conn, js: js, log: log, prefix: prefix}, nil
}

func (b *NATSBus) subject(env jobqueue.Envelope) string {
	queue := "unknown"
	if job, ok := env.Data.(*jobqueue.Job); ok {
		queue = job.QueueName
	}
	return fmt.Sprintf("%s.%s.%s", b.prefix, queue, env.Type)
}

// Publish marshals the envelope as JSON and publishes it to a per-queue,
// per-event-type subject, tagging headers with job id, queue and trace id
// (correlation id) when present.
func (b *NATSBus) Publish(ctx context.Context, env jobqueue.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridge: marshal envelope: %w", err)
	}
	msg := &nats.Msg{Subject: b.subject(env), Data: payload, Header: make(nats.Header)}
	msg.Header.Set("Event-Type", env.Type)
	msg.Header.Set("Server-ID", env.ServerID)
	if job, ok := env.Data.(*jobqueue.Job); ok {
		msg.Header.Set("Job-ID", job.ID)
		msg.Header.Set("Queue", job.QueueName)
	}
	if env.CorrelationID != "" {
		msg.Header.Set("Trace-ID", env.CorrelationID)
	}
	_, err = b.js.PublishMsgAsync(msg)
	if err != nil {
		return fmt.Errorf("bridge: publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains pending async publishes and closes the NATS connection.
func (b *NATSBus) Close() error {
	select {
	case <-b.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
	}
	b.conn.Close()
	return nil
}
