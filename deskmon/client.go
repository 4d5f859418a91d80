// Package deskmon is a client for the Deskmon tracking server API.
//
// Every endpoint answers with a JSON envelope carrying a "success" flag and a
// "data" or "message" payload. A response without success=true is an error
// even when the HTTP status is 200.
//
// Example usage:
//
//	client := deskmon.NewClient(deskmon.DefaultBaseURL)
//	client.Token = func() string { return token }
//
//	tasks, err := client.Tasks(ctx)
package deskmon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://deskmon.pranala-dt.co.id/api"
	defaultTimeout = 30 * time.Second
	userAgent      = "deskmon-linux/1.0"
	maxAPIRetries  = 3
	baseRetryDelay = 1 * time.Second

	// conflictPhrase appears in the message the server sends when the user
	// already has another task in progress.
	conflictPhrase = "another task in on-progress"
)

// ErrNoToken is returned by authenticated calls when no token is available.
var ErrNoToken = errors.New("no authentication token")

// APIError is a failed API call: a non-2xx status or an envelope without
// success=true.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// IsConflict reports whether the server refused a task change because another
// task is already in progress.
func IsConflict(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusBadRequest ||
		strings.Contains(strings.ToLower(apiErr.Message), conflictPhrase)
}

// Client calls the Deskmon API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// Token supplies the bearer token for authenticated calls.
	Token func() string
	// RetryDelay is the first backoff step for report uploads.
	RetryDelay time.Duration

	log *logging.Logger
}

// NewClient creates a client for baseURL with the default timeout.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    baseURL,
		Timeout:    defaultTimeout,
		RetryDelay: baseRetryDelay,
		log:        logging.New("api"),
	}
}

type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Action  string          `json:"action"`
}

func (c *Client) logger() *logging.Logger {
	if c.log == nil {
		c.log = logging.New("api")
	}
	return c.log
}

// do sends a JSON request and checks the envelope. When out is non-nil the
// whole response body is also decoded into it.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, auth bool, out any) (*envelope, error) {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
	}
	token := ""
	if auth {
		if c.Token != nil {
			token = c.Token()
		}
		if token == "" {
			return nil, ErrNoToken
		}
	}

	var buf bytes.Buffer
	if body != nil {
		encoder := json.NewEncoder(&buf)
		encoder.SetEscapeHTML(false)
		if err := encoder.Encode(body); err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger().Debugf("%s %s (request %s)", method, url, requestID)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger().Debugf("Response %d for request %s: %s", resp.StatusCode, requestID, raw)

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: env.Message, Body: string(raw)}
	}
	if decodeErr != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "invalid JSON response", Body: string(raw)}
	}
	if env.Success == nil || !*env.Success {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: env.Message, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return &env, nil
}

// withRetry runs fn up to maxAPIRetries times with exponential backoff.
// Client errors (4xx) and a missing token are returned at once.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = baseRetryDelay
	}
	var lastErr error
	for attempt := 0; attempt < maxAPIRetries; attempt++ {
		if attempt > 0 {
			wait := delay * time.Duration(math.Pow(2, float64(attempt-1)))
			c.logger().Warnf("%s failed, retrying in %v (attempt %d/%d)", op, wait, attempt+1, maxAPIRetries)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var apiErr *APIError
		if errors.Is(lastErr, ErrNoToken) ||
			(errors.As(lastErr, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500) {
			return lastErr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxAPIRetries, lastErr)
}

func decodeData(env *envelope, out any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

// RemoteUser is the account returned by login.
type RemoteUser struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  struct {
		RoleName string `json:"rolename"`
	} `json:"role"`
}

// LoginResult is a successful login.
type LoginResult struct {
	Token string     `json:"token"`
	User  RemoteUser `json:"user"`
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var res LoginResult
	body := map[string]string{"email": email, "password": password}
	if _, err := c.do(ctx, http.MethodPost, "login", body, false, &res); err != nil {
		return LoginResult{}, err
	}
	if res.Token == "" || res.User.ID == 0 {
		return LoginResult{}, &APIError{StatusCode: http.StatusOK, Message: "login response without token or user"}
	}
	return res, nil
}

// Logout invalidates the current token.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "logout", nil, true, nil)
	return err
}

// ServerTask is a task as the server describes it. Duration is the time
// budget in seconds; TimeUsage the elapsed time known to the server.
type ServerTask struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	UserID      int64  `json:"user_id"`
	Status      string `json:"status"`
	Duration    *int64 `json:"duration"`
	TimeUsage   *int64 `json:"time_usage"`
}

// Tasks lists the tasks assigned to the current user.
func (c *Client) Tasks(ctx context.Context) ([]ServerTask, error) {
	env, err := c.do(ctx, http.MethodGet, "tasks/all", nil, true, nil)
	if err != nil {
		return nil, err
	}
	var tasks []ServerTask
	return tasks, decodeData(env, &tasks)
}

// TaskStatus returns the server status of a task, e.g. "on-progress".
func (c *Client) TaskStatus(ctx context.Context, taskID int64) (string, error) {
	env, err := c.do(ctx, http.MethodGet, fmt.Sprintf("get-current-task-status/%d", taskID), nil, true, nil)
	if err != nil {
		return "", err
	}
	var status string
	if err := decodeData(env, &status); err != nil {
		return "", err
	}
	if status == "" {
		return "", &APIError{StatusCode: http.StatusOK, Message: "no status in response"}
	}
	return status, nil
}

// EndImplementation reports that a task stopped playing.
func (c *Client) EndImplementation(ctx context.Context, taskID int64) error {
	body := map[string]string{"status": "stop"}
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("end-implementation/%d", taskID), body, true, nil)
	return err
}

// PingResult is the server's answer to a liveness ping.
type PingResult struct {
	// Refresh is set when the server asks for a full re-sync.
	Refresh bool
}

// Ping reports that a task is still playing.
func (c *Client) Ping(ctx context.Context, taskID int64) (PingResult, error) {
	body := map[string]string{"task_id": fmt.Sprint(taskID)}
	env, err := c.do(ctx, http.MethodPost, "ping", body, true, nil)
	if err != nil {
		return PingResult{}, err
	}
	action := env.Action
	if action == "" && len(env.Data) > 0 && env.Data[0] == '{' {
		var data struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(env.Data, &data) == nil {
			action = data.Action
		}
	}
	return PingResult{Refresh: strings.EqualFold(action, "refresh")}, nil
}

// ServerApp is a productivity classification decided by the server.
type ServerApp struct {
	ApplicationName    string `json:"application_name"`
	ProductivityStatus string `json:"productivity_status"`
	ProcessName        string `json:"process_name"`
}

// ProductivityApps lists the server's productivity classifications.
func (c *Client) ProductivityApps(ctx context.Context) ([]ServerApp, error) {
	env, err := c.do(ctx, http.MethodGet, "app-request/all", nil, true, nil)
	if err != nil {
		return nil, err
	}
	var apps []ServerApp
	return apps, decodeData(env, &apps)
}

// AppRequest asks the server to classify an application.
type AppRequest struct {
	ApplicationName    string `json:"application_name"`
	ProductivityStatus string `json:"productivity_status"`
	UserID             int64  `json:"user_id"`
	ProcessName        string `json:"process_name,omitempty"`
}

// RequestApp submits a classification request.
func (c *Client) RequestApp(ctx context.Context, r AppRequest) error {
	_, err := c.do(ctx, http.MethodPost, "app-request/store", r, true, nil)
	return err
}

// DailyUsage is the per-application usage of one day.
type DailyUsage struct {
	UserID int64               `json:"user_id"`
	Date   string              `json:"date"`
	Apps   []domain.UsageEntry `json:"data"`
}

// SendDailyUsage uploads a daily usage report.
func (c *Client) SendDailyUsage(ctx context.Context, u DailyUsage) error {
	return c.withRetry(ctx, "daily usage upload", func() error {
		_, err := c.do(ctx, http.MethodPost, "productivity-app", u, true, nil)
		return err
	})
}

// SendTimeAtWork uploads today's work time.
func (c *Client) SendTimeAtWork(ctx context.Context, userID, seconds int64) error {
	body := map[string]int64{"user_id": userID, "time_at_work": seconds}
	return c.withRetry(ctx, "work time upload", func() error {
		_, err := c.do(ctx, http.MethodPost, "send-time-at-work", body, true, nil)
		return err
	})
}

// ProductiveTime is the per-classification time of one day.
type ProductiveTime struct {
	UserID int64  `json:"user_id"`
	Date   string `json:"date"`
	domain.DurationTotals
}

// SendProductiveTime uploads the productive time totals.
func (c *Client) SendProductiveTime(ctx context.Context, p ProductiveTime) error {
	return c.withRetry(ctx, "productive time upload", func() error {
		_, err := c.do(ctx, http.MethodPost, "send-productive-time", p, true, nil)
		return err
	})
}
