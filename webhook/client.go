// Package webhook posts daily usage reports to a user-supplied HTTP endpoint,
// so activity data can feed other services, automation or data pipelines.
//
// Example usage:
//
//	client, err := webhook.NewClient("https://example.com/deskmon")
//	if err != nil {
//		log.Fatal(err)
//	}
//	client.SetHeader("Authorization", "Bearer secret")
//	err = client.Export(ctx, report)
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
)

// Configuration constants
const (
	defaultRequestTimeout = 30 * time.Second
	maxRetries            = 3
	baseRetryDelay        = 1 * time.Second

	source  = "deskmon"
	version = "1.0.0"
)

// Payload is the JSON document sent to the endpoint.
type Payload struct {
	Timestamp time.Time          `json:"timestamp"`
	Source    string             `json:"source"`
	Version   string             `json:"version"`
	Report    domain.UsageReport `json:"report"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// Client sends reports to a webhook endpoint.
type Client struct {
	webhookURL    string
	httpClient    *http.Client
	CustomHeaders map[string]string
	// RetryDelay is the first backoff delay; it doubles per attempt.
	RetryDelay time.Duration
	log        *logging.Logger
}

// NewClient creates a webhook client. An empty webhookURL falls back to the
// DESKMON_WEBHOOK_URL environment variable.
func NewClient(webhookURL string) (*Client, error) {
	if webhookURL == "" {
		webhookURL = os.Getenv("DESKMON_WEBHOOK_URL")
	}
	if webhookURL == "" {
		return nil, fmt.Errorf("webhook URL not provided\n\nSet via:\n  1. webhook_url in deskmon.yml\n  2. DESKMON_WEBHOOK_URL environment variable\n\nExample: https://example.com/deskmon/webhook")
	}
	if !strings.HasPrefix(webhookURL, "http://") && !strings.HasPrefix(webhookURL, "https://") {
		return nil, fmt.Errorf("invalid webhook URL: must start with http:// or https://\n\nProvided: %s", webhookURL)
	}

	return &Client{
		webhookURL:    webhookURL,
		httpClient:    &http.Client{Timeout: defaultRequestTimeout},
		CustomHeaders: make(map[string]string),
		RetryDelay:    baseRetryDelay,
		log:           logging.New("webhook"),
	}, nil
}

// Name identifies the sink in logs.
func (c *Client) Name() string { return "webhook" }

// Close is a no-op; it mirrors the postgres sink.
func (c *Client) Close() error { return nil }

// SetHeader sets a header sent with every request, e.g. an API key.
func (c *Client) SetHeader(key, value string) {
	c.CustomHeaders[key] = value
}

// SetTimeout sets the HTTP request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// Export sends one day's report. Invalid activity events are dropped from
// the payload; an invalid report is rejected.
func (c *Client) Export(ctx context.Context, r domain.UsageReport) error {
	if err := validateReport(r); err != nil {
		return fmt.Errorf("invalid report: %w", err)
	}
	valid := make([]domain.ActivityEvent, 0, len(r.Events))
	for _, e := range r.Events {
		if err := validateEvent(e); err != nil {
			c.log.Warnf("Skipping invalid event %d (%s): %v", e.ID, e.AppName, err)
			continue
		}
		valid = append(valid, e)
	}
	r.Events = valid

	payload := Payload{
		Timestamp: time.Now(),
		Source:    source,
		Version:   version,
		Report:    r,
		Metadata: map[string]any{
			"usage_count": len(r.Usage),
			"event_count": len(r.Events),
		},
	}
	if err := c.sendPayload(ctx, payload); err != nil {
		return err
	}
	c.log.Successf("Sent %d usage rows and %d events for %s to webhook", len(r.Usage), len(r.Events), r.Date)
	return nil
}

// sendPayload posts the payload, retrying server errors with exponential
// backoff. Client errors are not retried.
func (c *Client) sendPayload(ctx context.Context, payload Payload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	c.log.Debugf("Payload: %s", jsonData)

	var lastErr error
	retryDelay := c.RetryDelay
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			c.log.Debugf("Retry attempt %d/%d after %v", attempt, maxRetries, retryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", source+"/"+version)
		for key, value := range c.CustomHeaders {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.log.Debugf("Response status: %d, body: %s", resp.StatusCode, body)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("webhook endpoint returned error %d: %s\n\nTroubleshooting:\n  1. Verify webhook URL is correct\n  2. Check authentication headers if required\n  3. Verify endpoint accepts JSON payloads", resp.StatusCode, body)
		}
		lastErr = fmt.Errorf("webhook endpoint returned error %d: %s", resp.StatusCode, body)
	}
	return fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}

func validateReport(r domain.UsageReport) error {
	if r.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	if _, err := time.Parse(domain.DateLayout, r.Date); err != nil {
		return fmt.Errorf("date %q is not YYYY-MM-DD", r.Date)
	}
	for _, u := range r.Usage {
		if u.AppName == "" && u.Domain == "" {
			return fmt.Errorf("usage row without application or url")
		}
		if u.Seconds < 0 {
			return fmt.Errorf("negative duration for %s", u.AppName)
		}
	}
	return nil
}

func validateEvent(e domain.ActivityEvent) error {
	if e.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if e.Start <= 0 {
		return fmt.Errorf("start_time is required")
	}
	if e.End <= e.Start {
		return fmt.Errorf("end_time must be after start_time")
	}
	return nil
}
