// Package imagine is a client for a Midjourney relay proxy: a small HTTP
// service that holds the Discord session and exposes imagine/upscale as
// pollable tasks.
//
// A Client is the single shared generation session for a batch run. It owns
// the submission rate limit, so every job in the run goes through the same
// limiter no matter how many are in flight.
//
// Generation is a two-step process:
//  1. Imagine submits a prompt and waits for the 2x2 preview grid
//  2. Upscale requests one of the four grid cells (index 1..4) as a full image
package imagine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// defaultTimeout is the HTTP client timeout for a single API call.
	defaultTimeout = 30 * time.Second

	// Task poll settings. Imagine jobs usually finish in 30-60s.
	initialPollInterval = 2 * time.Second
	maxPollInterval     = 10 * time.Second
	defaultPollTimeout  = 10 * time.Minute
)

// Task states reported by the proxy.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ProgressFunc receives progress reports while a task runs, e.g. "45%".
// It is informational only.
type ProgressFunc func(uri, progress string)

// Message is a finished generation: the image URI plus the handles needed to
// request upscales of it.
type Message struct {
	URI     string
	Content string
	ID      string
	Hash    string
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Token     string
	ServerID  string
	ChannelID string

	// SubmitRate is the sustained number of imagine/upscale submissions per
	// second. Zero means unlimited.
	SubmitRate float64

	PollTimeout time.Duration
}

// Client is a generation session. It is safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	serverID     string
	channelID    string
	limiter      *rate.Limiter
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewClient creates a client. Call Init before submitting work.
func NewClient(opts Options) *Client {
	limit := rate.Inf
	if opts.SubmitRate > 0 {
		limit = rate.Limit(opts.SubmitRate)
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout == 0 {
		pollTimeout = defaultPollTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		baseURL:      opts.BaseURL,
		token:        opts.Token,
		serverID:     opts.ServerID,
		channelID:    opts.ChannelID,
		limiter:      rate.NewLimiter(limit, 1),
		pollInterval: initialPollInterval,
		pollTimeout:  pollTimeout,
	}
}

// --- API types ---

type imagineRequest struct {
	Prompt    string `json:"prompt"`
	ServerID  string `json:"server_id"`
	ChannelID string `json:"channel_id"`
}

type upscaleRequest struct {
	MessageID string `json:"message_id"`
	Hash      string `json:"hash"`
	Content   string `json:"content"`
	Index     int    `json:"index"`
	ServerID  string `json:"server_id"`
	ChannelID string `json:"channel_id"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

type taskResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Progress  string `json:"progress"`
	URI       string `json:"uri"`
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
	Hash      string `json:"hash"`
	Error     string `json:"error,omitempty"`
}

// --- Session lifecycle ---

// Init checks that the proxy holds a usable session for the configured
// server and channel.
func (c *Client) Init(ctx context.Context) error {
	q := url.Values{
		"server_id":  {c.serverID},
		"channel_id": {c.channelID},
	}
	var out struct {
		Ready bool   `json:"ready"`
		Error string `json:"error,omitempty"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/session?"+q.Encode(), nil, &out); err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	if !out.Ready {
		return fmt.Errorf("init session: proxy reports session not ready: %s", out.Error)
	}
	log.Info().Str("serverId", c.serverID).Str("channelId", c.channelID).Msg("Generation session ready")
	return nil
}

// Close releases idle connections held by the session.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// --- Generation ---

// Imagine submits a prompt and waits for the preview grid. It returns
// (nil, nil) when the task finished without producing a usable message.
func (c *Client) Imagine(ctx context.Context, prompt string, onProgress ProgressFunc) (*Message, error) {
	log.Debug().Str("prompt", truncate(prompt, 80)).Msg("Submitting imagine task")
	taskID, err := c.submit(ctx, "/v1/imagine", imagineRequest{
		Prompt:    prompt,
		ServerID:  c.serverID,
		ChannelID: c.channelID,
	})
	if err != nil {
		return nil, fmt.Errorf("imagine: %w", err)
	}
	return c.wait(ctx, taskID, onProgress)
}

// Upscale requests grid cell index (1..4) of a previous imagine message.
// It returns (nil, nil) when the task finished without an image.
func (c *Client) Upscale(ctx context.Context, content string, index int, msgID, hash string, onProgress ProgressFunc) (*Message, error) {
	if index < 1 || index > 4 {
		return nil, fmt.Errorf("upscale: index %d out of range 1..4", index)
	}
	taskID, err := c.submit(ctx, "/v1/upscale", upscaleRequest{
		MessageID: msgID,
		Hash:      hash,
		Content:   content,
		Index:     index,
		ServerID:  c.serverID,
		ChannelID: c.channelID,
	})
	if err != nil {
		return nil, fmt.Errorf("upscale U%d: %w", index, err)
	}
	return c.wait(ctx, taskID, onProgress)
}

// --- Task polling ---

func (c *Client) submit(ctx context.Context, path string, body any) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("proxy rejected task: %s", resp.Error)
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("unexpected response: no task_id returned")
	}
	return resp.TaskID, nil
}

// wait polls a task until it completes or fails.
// Uses exponential backoff up to maxPollInterval.
func (c *Client) wait(ctx context.Context, taskID string, onProgress ProgressFunc) (*Message, error) {
	deadline := time.Now().Add(c.pollTimeout)
	interval := c.pollInterval
	lastProgress := ""

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("task %s: timed out after %s", taskID, c.pollTimeout)
		}

		var task taskResponse
		if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
			// Transient errors: log and retry until the deadline.
			log.Warn().Err(err).Str("taskId", taskID).Msg("Task poll error, retrying")
		} else {
			if task.Progress != "" && task.Progress != lastProgress && onProgress != nil {
				onProgress(task.URI, task.Progress)
				lastProgress = task.Progress
			}
			switch task.Status {
			case StatusCompleted:
				if task.URI == "" {
					log.Warn().Str("taskId", taskID).Msg("Task completed without an image")
					return nil, nil
				}
				return &Message{
					URI:     task.URI,
					Content: task.Content,
					ID:      task.MessageID,
					Hash:    task.Hash,
				}, nil
			case StatusFailed:
				return nil, fmt.Errorf("task %s failed: %s", taskID, task.Error)
			case StatusPending, StatusRunning:
			default:
				log.Warn().Str("taskId", taskID).Str("status", task.Status).Msg("Unknown task status")
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

// --- Internal helpers ---

// do sends a JSON request to the proxy and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	startTime := time.Now()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	log.Trace().Str("method", method).Str("path", path).Int("statusCode", resp.StatusCode).Dur("duration", duration).Msg("Proxy API response")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(data), 200))
	}
	return nil
}

// truncate returns the first n bytes of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
