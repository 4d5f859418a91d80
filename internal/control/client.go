package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/monitor"
	"github.com/Christopher-Hayes/deskmon/internal/tasks"
)

// Error is a problem reported by the control API.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("control API returned %d", e.StatusCode)
	}
	return e.Detail
}

// Client talks to a running tracker.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for the API listening on addr (host:port).
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL:    strings.TrimRight(base, "/") + BasePath,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracker not reachable at %s (is `deskmon run` running?): %w", c.BaseURL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var problem struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &problem)
		return &Error{StatusCode: resp.StatusCode, Detail: problem.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Status fetches the tracker state.
func (c *Client) Status(ctx context.Context) (monitor.Status, error) {
	var st monitor.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Tasks lists the user's tasks.
func (c *Client) Tasks(ctx context.Context) ([]tasks.TaskView, error) {
	var out []tasks.TaskView
	err := c.do(ctx, http.MethodGet, "/tasks", nil, &out)
	return out, err
}

// Activate makes task id the active one.
func (c *Client) Activate(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/activate", id), nil, nil)
}

// Finish completes task id.
func (c *Client) Finish(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/finish", id), nil, nil)
}

// TogglePause pauses or resumes the active task.
func (c *Client) TogglePause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/pause", nil, nil)
}

// SetIdleThreshold changes the idle threshold.
func (c *Client) SetIdleThreshold(ctx context.Context, seconds int64) error {
	return c.do(ctx, http.MethodPut, "/idle-threshold", IdleThresholdRequest{Seconds: seconds}, nil)
}

// AddApp requests a classification.
func (c *Client) AddApp(ctx context.Context, req AppRequest) error {
	return c.do(ctx, http.MethodPost, "/apps", req, nil)
}

// PendingApps lists undecided classification requests.
func (c *Client) PendingApps(ctx context.Context) ([]domain.Rule, error) {
	var out []domain.Rule
	err := c.do(ctx, http.MethodGet, "/apps/pending", nil, &out)
	return out, err
}

// Rules lists decided rules of one type.
func (c *Client) Rules(ctx context.Context, typ domain.RuleType) ([]domain.Rule, error) {
	var out []domain.Rule
	err := c.do(ctx, http.MethodGet, "/apps/rules?type="+url.QueryEscape(typ.String()), nil, &out)
	return out, err
}

// Log returns the filtered log, or the newest limit entries.
func (c *Client) Log(ctx context.Context, limit int) ([]domain.ActivityEvent, error) {
	var out []domain.ActivityEvent
	err := c.do(ctx, http.MethodGet, "/log?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

// SetLogFilter restricts the log to from..to.
func (c *Client) SetLogFilter(ctx context.Context, from, to string) error {
	return c.do(ctx, http.MethodPut, "/log/filter", FilterRequest{From: from, To: to}, nil)
}

// ClearLogFilter removes the date filter.
func (c *Client) ClearLogFilter(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/log/filter", nil, nil)
}

// Usage returns per-application usage of day.
func (c *Client) Usage(ctx context.Context, day string) ([]domain.UsageEntry, error) {
	var out []domain.UsageEntry
	err := c.do(ctx, http.MethodGet, "/usage?date="+url.QueryEscape(day), nil, &out)
	return out, err
}

// Login signs in.
func (c *Client) Login(ctx context.Context, login, password string) (LoginResponse, error) {
	var out LoginResponse
	err := c.do(ctx, http.MethodPost, "/login", LoginRequest{Login: login, Password: password}, &out)
	return out, err
}

// Logout signs out.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", nil, nil)
}

// Refresh triggers a background sync.
func (c *Client) Refresh(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/refresh", nil, nil)
}

// Events streams tracker events to fn until ctx is cancelled, the stream
// ends or fn returns an error, which Events then returns.
func (c *Client) Events(ctx context.Context, fn func(events.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	// The stream outlives any client timeout.
	hc := *c.HTTPClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("tracker not reachable at %s (is `deskmon run` running?): %w", c.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{StatusCode: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, found := strings.CutPrefix(line, "data: ")
		if !found {
			continue
		}
		var e events.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
