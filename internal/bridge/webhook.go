// Copyright 2025 James Ross
package bridge

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/queueforge/queueforge/internal/breaker"
	"github.com/queueforge/queueforge/internal/jobqueue"
)

// WebhookBus POSTs the JSON envelope to a configured URL with bounded
// retries, guarded by a circuit breaker so a persistently unreachable
// endpoint does not stall the publishing workers.
type WebhookBus struct {
	url        string
	secret     string
	client     *http.Client
	breaker    *breaker.CircuitBreaker
	maxRetries int
	log        *zap.Logger
}

// NewWebhookBus constructs a webhook sink. secret, if non-empty, signs each
// delivery with an HMAC-SHA256 signature header.
func NewWebhookBus(url, secret string, timeout time.Duration, maxRetries int, log *zap.Logger) *WebhookBus {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &WebhookBus{
		url:        url,
		secret:     secret,
		client:     &http.Client{Timeout: timeout},
		breaker:    breaker.New(30*time.Second, 10*time.Second, 0.5, 5),
		maxRetries: maxRetries,
		log:        log,
	}
}

// Publish delivers env to the configured endpoint, making at most maxRetries
// attempts in total and waiting 200ms, 400ms, ... after each failed one. It
// gives up early as soon as the circuit breaker refuses an attempt.
func (b *WebhookBus) Publish(ctx context.Context, env jobqueue.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridge: marshal envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		if !b.breaker.Allow() {
			return fmt.Errorf("bridge: webhook circuit open for %s", b.url)
		}
		err := b.deliver(ctx, payload)
		b.breaker.Record(err == nil)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	return fmt.Errorf("bridge: webhook delivery to %s failed after %d attempts: %w", b.url, b.maxRetries, lastErr)
}

func (b *WebhookBus) deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.secret != "" {
		mac := hmac.New(sha256.New, []byte(b.secret))
		mac.Write(payload)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op: the webhook sink holds no persistent connection.
func (b *WebhookBus) Close() error { return nil }
