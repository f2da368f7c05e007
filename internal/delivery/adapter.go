// Package delivery fans lifecycle events out to external adapters and
// routes failed deliveries through the dead letter queue for retry.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pipewright/pipewright/internal/events"
)

// Adapter delivers events to one external destination. Deliver must be
// safe for concurrent calls and should honor ctx cancellation; an error
// return routes the event into the dead letter queue.
type Adapter interface {
	Name() string
	Deliver(ctx context.Context, event *events.PipelineEvent) error
}

// WebhookConfig holds webhook adapter configuration
type WebhookConfig struct {
	// Name identifies the adapter in logs and dlq ledgers
	Name string
	// URL receives each event as a JSON POST
	URL string
	// Timeout bounds one delivery attempt.
	// Default: 10 seconds
	Timeout time.Duration
	// Headers are added to every request (auth tokens and the like)
	Headers map[string]string
}

// WebhookAdapter posts events as JSON to a configured URL. Any non-2xx
// response counts as a delivery failure.
type WebhookAdapter struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewWebhookAdapter creates a webhook adapter
func NewWebhookAdapter(cfg *WebhookConfig) (*WebhookAdapter, error) {
	if cfg == nil || cfg.Name == "" {
		return nil, fmt.Errorf("adapter name is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the adapter name
func (w *WebhookAdapter) Name() string {
	return w.cfg.Name
}

// Deliver posts the event as JSON
func (w *WebhookAdapter) Deliver(ctx context.Context, event *events.PipelineEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
