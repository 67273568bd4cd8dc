// Package client provides an HTTP client for the eventcore server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/communiday/eventcore-go/internal/progress"
	"github.com/communiday/eventcore-go/internal/queue"
)

// Client talks to the eventcore HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client.
// If baseURL is empty, uses EVENTCORE_SERVER_URL env var or defaults to localhost:8585.
// Timeout can be configured via EVENTCORE_CLIENT_TIMEOUT env var.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("EVENTCORE_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8585"
	}

	timeout := time.Minute
	if t := os.Getenv("EVENTCORE_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// apiError is the server's error body.
type apiError struct {
	Error string `json:"error"`
}

// do sends a request and decodes the JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server error: %s - %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server error: %s - %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Enqueue submits a job and returns its id.
func (c *Client) Enqueue(ctx context.Context, jobType queue.JobType, payload any) (string, error) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	body := map[string]any{
		"type":    jobType,
		"payload": json.RawMessage(rawPayload),
	}

	var result struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs", body, &result); err != nil {
		return "", err
	}
	return result.JobID, nil
}

// GetJob fetches one job record.
func (c *Client) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	var job queue.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetProgress fetches the step-structured progress context of a job.
func (c *Client) GetProgress(ctx context.Context, id string) (*progress.Context, error) {
	var pc progress.Context
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/progress", nil, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

// ListJobs lists an owner's jobs with their progress contexts, most recent
// first.
func (c *Client) ListJobs(ctx context.Context, ownerID string) ([]progress.JobWithProgress, error) {
	q := url.Values{}
	q.Set("owner_id", ownerID)

	var jobs []progress.JobWithProgress
	if err := c.do(ctx, http.MethodGet, "/jobs?"+q.Encode(), nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// UploadBlob stores raw bytes (a flyer image) on the server and returns the
// blob key to reference from a job payload.
func (c *Client) UploadBlob(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/blobs", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("server error: %s - %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var result struct {
		BlobKey string `json:"blob_key"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return result.BlobKey, nil
}

// Stats summarizes the server's queue state.
type Stats struct {
	PendingJobs     int64 `json:"pending_jobs"`
	RealtimeClients int   `json:"realtime_clients"`
}

// GetStats fetches queue statistics.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Watch streams job update notifications over the websocket endpoint. The
// onEvent callback is invoked per notification; return an error from it to
// abort. ownerID empty receives all updates.
func (c *Client) Watch(ctx context.Context, ownerID string, onEvent func(queue.Notification) error) error {
	wsURL := c.baseURL + "/ws"
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	if ownerID != "" {
		q := url.Values{}
		q.Set("owner_id", ownerID)
		wsURL += "?" + q.Encode()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var n queue.Notification
		if err := conn.ReadJSON(&n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read notification: %w", err)
		}
		if err := onEvent(n); err != nil {
			return err
		}
	}
}
