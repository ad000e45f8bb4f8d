// Package webhook delivers pattern alerts to a generic JSON webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pagecraft/orchestrator/internal/observability/notify"
)

// Config captures the webhook behaviour we need.
type Config struct {
	URL        string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client posts pattern alerts as JSON to a configured endpoint.
type Client struct {
	url        string
	retryLimit int
	client     *http.Client
}

var _ notify.Sink = (*Client)(nil)

// NewClient builds a webhook client. Callers should pass a validated config.
func NewClient(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.RetryLimit
	if retries < 0 {
		retries = 0
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		url:        url,
		retryLimit: retries,
		client:     hc,
	}, nil
}

type alertBody struct {
	Level     string   `json:"level"`
	Kind      string   `json:"kind"`
	JobType   string   `json:"job_type"`
	Count     int      `json:"count"`
	WindowSec int64    `json:"window_seconds"`
	Examples  []string `json:"examples,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// SendPatternAlert posts the alert, retrying with a short linear backoff.
func (c *Client) SendPatternAlert(ctx context.Context, payload notify.PatternAlertPayload) error {
	occurred := payload.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	body, err := json.Marshal(alertBody{
		Level:     payload.Level,
		Kind:      payload.Kind,
		JobType:   payload.JobType,
		Count:     payload.Count,
		WindowSec: int64(payload.Window / time.Second),
		Examples:  payload.Examples,
		Timestamp: occurred.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode alert payload: %w", err)
	}

	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		err = c.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < attempts-1 {
			delay := time.Duration(attempt+1) * 200 * time.Millisecond
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}
