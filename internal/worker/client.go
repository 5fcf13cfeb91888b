// Package worker runs fetch tasks handed out by the hub.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/pricehub/internal/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	workerIDHeader = "X-Worker-ID"
	eventsPath     = "/api/worker/events"
)

// ErrDeliveryFailed is returned when a commit could not reach the hub within the retry budget
var ErrDeliveryFailed = errors.New("delivery failed")

// NewWorkerID returns a unique identity recorded by the hub as claimed_by
func NewWorkerID() string {
	return "worker-" + uuid.NewString()
}

// Client talks to the hub's worker endpoints
type Client struct {
	baseURL         string
	workerID        string
	httpClient      *http.Client
	retries         int
	initialInterval time.Duration
	log             zerolog.Logger
}

// NewClient creates a hub client. retries bounds commit re-delivery attempts.
func NewClient(baseURL, workerID string, retries int, log zerolog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		workerID: workerID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retries:         retries,
		initialInterval: 500 * time.Millisecond,
		log:             log.With().Str("component", "hub_client").Logger(),
	}
}

// WorkerID returns the identity sent with every task request
func (c *Client) WorkerID() string {
	return c.workerID
}

// EventsURL returns the websocket URL of the hub's wake channel
func (c *Client) EventsURL() (string, error) {
	u, err := url.Parse(c.baseURL + eventsPath)
	if err != nil {
		return "", fmt.Errorf("invalid hub url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// RequestTask asks the hub for the next task; nil means there is no work
func (c *Client) RequestTask(ctx context.Context) (*domain.TaskAssignment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/request", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(workerIDHeader, c.workerID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("task request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read task response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("task request returned status %d: %s", resp.StatusCode, string(body))
	}

	var assignment domain.TaskAssignment
	if err := json.Unmarshal(body, &assignment); err != nil {
		return nil, fmt.Errorf("failed to parse task response: %w", err)
	}
	if assignment.TaskID == 0 {
		return nil, nil
	}
	return &assignment, nil
}

// Commit reports a task result, retrying transient failures with exponential backoff.
// An unknown task is not retried and yields domain.ErrTaskNotFound.
func (c *Client) Commit(ctx context.Context, taskID int64, result []byte) (domain.CommitStatus, error) {
	var status domain.CommitStatus
	operation := func() error {
		s, err := c.commitOnce(ctx, taskID, result)
		if err != nil {
			return err
		}
		status = s
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retries)), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.log.Warn().
			Err(err).
			Int64("task_id", taskID).
			Dur("retry_in", wait).
			Msg("Commit failed, retrying")
	})
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: task %d: %v", ErrDeliveryFailed, taskID, err)
	}
	return status, nil
}

func (c *Client) commitOnce(ctx context.Context, taskID int64, result []byte) (domain.CommitStatus, error) {
	endpoint := c.baseURL + "/api/commit?taskID=" + strconv.FormatInt(taskID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(result))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(workerIDHeader, c.workerID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("commit request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read commit response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", backoff.Permanent(fmt.Errorf("%w: %d", domain.ErrTaskNotFound, taskID))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", backoff.Permanent(fmt.Errorf("commit rejected with status %d: %s", resp.StatusCode, string(body)))
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("commit returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Status domain.CommitStatus `json:"status"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to parse commit response: %w", err)
	}
	return response.Status, nil
}
