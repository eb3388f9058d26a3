package register

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPollInterval   = 10 * time.Second
	defaultMaxAttempts    = 60
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 1 << 20
)

var (
	// ErrNotConfigured is returned when no registration service URL is set.
	ErrNotConfigured = errors.New("register: service not configured")
	// ErrRegistrationFailed covers task creation failures and failed tasks.
	ErrRegistrationFailed = errors.New("register: registration failed")
	// ErrRegistrationTimeout is returned when polling exhausts its attempts.
	ErrRegistrationTimeout = errors.New("register: registration timed out")
	// ErrEmailExists is returned when a registered email is already pooled.
	ErrEmailExists = errors.New("register: email already exists")
)

// Task statuses reported by the registration service.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TaskResult carries the fields of a completed task.
type TaskResult struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	SessionID string `json:"session_id"`
}

type taskStatus struct {
	Status string      `json:"status"`
	Result *TaskResult `json:"result"`
	Error  string      `json:"error"`
}

type taskCreated struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options tunes task polling.
type Options struct {
	PollInterval time.Duration
	MaxAttempts  int
	Sleep        SleepFunc
	HTTPClient   *http.Client
}

// Client speaks the registration service's two-step task protocol. The base
// URL and key are read from the live settings on every call.
type Client struct {
	settings     *settings.Holder
	client       *http.Client
	pollInterval time.Duration
	maxAttempts  int
	sleep        SleepFunc
}

// NewClient constructs a registration client.
func NewClient(holder *settings.Holder, opts Options) *Client {
	c := &Client{
		settings:     holder,
		client:       opts.HTTPClient,
		pollInterval: opts.PollInterval,
		maxAttempts:  opts.MaxAttempts,
		sleep:        opts.Sleep,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: defaultRequestTimeout}
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c
}

// Register creates a registration task for mailType and waits for its result.
func (c *Client) Register(ctx context.Context, mailType string) (*TaskResult, error) {
	var created taskCreated
	if errPost := c.post(ctx, "/register", map[string]string{"mail_type": mailType}, &created); errPost != nil {
		return nil, errPost
	}
	taskID := strings.TrimSpace(created.TaskID)
	if taskID == "" {
		return nil, fmt.Errorf("%w: response has no task_id", ErrRegistrationFailed)
	}
	log.WithField("task_id", taskID).Info("register: task created")
	return c.PollTask(ctx, taskID)
}

// UpdateSession asks the service for a fresh session credential. The service
// may answer with the credential directly or with a task to poll.
func (c *Client) UpdateSession(ctx context.Context, email, password string) (string, error) {
	var created taskCreated
	body := map[string]string{"email": email, "password": password}
	if errPost := c.post(ctx, "/session/update", body, &created); errPost != nil {
		return "", errPost
	}
	if sessionID := strings.TrimSpace(created.SessionID); sessionID != "" {
		return sessionID, nil
	}
	taskID := strings.TrimSpace(created.TaskID)
	if taskID == "" {
		return "", fmt.Errorf("%w: response has neither session_id nor task_id", ErrRegistrationFailed)
	}
	result, errPoll := c.PollTask(ctx, taskID)
	if errPoll != nil {
		return "", errPoll
	}
	if strings.TrimSpace(result.SessionID) == "" {
		return "", fmt.Errorf("%w: task %s returned no session_id", ErrRegistrationFailed, taskID)
	}
	return strings.TrimSpace(result.SessionID), nil
}

// PollTask polls a task until it completes, fails, or runs out of attempts.
// Transport errors on a single poll are logged and retried.
func (c *Client) PollTask(ctx context.Context, taskID string) (*TaskResult, error) {
	path := "/tasks/" + url.PathEscape(taskID)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if errSleep := c.sleep(ctx, c.pollInterval); errSleep != nil {
			return nil, errSleep
		}
		var status taskStatus
		if errGet := c.get(ctx, path, &status); errGet != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(errGet, ErrNotConfigured) {
				return nil, errGet
			}
			log.WithError(errGet).WithFields(log.Fields{"task_id": taskID, "attempt": attempt}).Warn("register: poll failed")
			continue
		}
		switch strings.ToLower(strings.TrimSpace(status.Status)) {
		case StatusCompleted:
			if status.Result == nil {
				return nil, fmt.Errorf("%w: task %s completed without result", ErrRegistrationFailed, taskID)
			}
			return status.Result, nil
		case StatusFailed:
			msg := strings.TrimSpace(status.Error)
			if msg == "" {
				msg = "unknown error"
			}
			return nil, fmt.Errorf("%w: %s", ErrRegistrationFailed, msg)
		}
	}
	return nil, fmt.Errorf("%w: task %s after %d attempts", ErrRegistrationTimeout, taskID, c.maxAttempts)
}

func (c *Client) endpoint() (string, string, error) {
	cfg := c.settings.Load()
	base := strings.TrimRight(strings.TrimSpace(cfg.RegisterAPIURL), "/")
	if base == "" {
		return "", "", ErrNotConfigured
	}
	return base, strings.TrimSpace(cfg.RegisterAPIKey), nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, errMarshal := json.Marshal(body)
	if errMarshal != nil {
		return fmt.Errorf("register: marshal request: %w", errMarshal)
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any) error {
	base, apiKey, errEndpoint := c.endpoint()
	if errEndpoint != nil {
		return errEndpoint
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, errReq := http.NewRequestWithContext(ctx, method, base+path, body)
	if errReq != nil {
		return fmt.Errorf("register: build request: %w", errReq)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, errDo := c.client.Do(req)
	if errDo != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRegistrationFailed, method, path, errDo)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("register: close response body failed")
		}
	}()

	data, errRead := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if errRead != nil {
		return fmt.Errorf("%w: read response: %v", ErrRegistrationFailed, errRead)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRegistrationFailed, method, path, resp.StatusCode, truncate(string(data), 200))
	}
	if errUnmarshal := json.Unmarshal(data, out); errUnmarshal != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRegistrationFailed, errUnmarshal)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
