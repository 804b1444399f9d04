package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/talkstudio/voice-backend/internal/config"
)

// EngineClient talks to the standalone synthesis engine over HTTP. Submit
// retries transport and 5xx failures with exponential backoff and jitter;
// 4xx responses are the engine rejecting the input and are not retried.
type EngineClient struct {
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
}

func NewEngineClient(cfg config.SynthesisConfig) *EngineClient {
	return &EngineClient{
		baseURL: cfg.EngineURL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		maxRetries:  cfg.MaxRetries,
		backoffBase: 500 * time.Millisecond,
	}
}

type engineSubmitResp struct {
	TaskID string `json:"task_id"`
}

type engineStatusResp struct {
	Status      string `json:"status"`
	Percent     int    `json:"percent"`
	ArtifactURL string `json:"artifact_url"`
	Message     string `json:"message"`
}

func (c *EngineClient) Submit(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
			}
		}

		taskID, retryable, err := c.submitOnce(ctx, body)
		if err == nil {
			return taskID, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err
		slog.Warn("synthesis submit failed, retrying", "attempt", attempt+1, "error", err)
	}

	return "", fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func (c *EngineClient) submitOnce(ctx context.Context, body []byte) (taskID string, retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", true, fmt.Errorf("submit request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
		var sr engineSubmitResp
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			return "", true, fmt.Errorf("decode submit response: %w", err)
		}
		return sr.TaskID, false, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		respBody, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("%w: engine returned %d: %s", ErrInvalidInput, resp.StatusCode, string(respBody))

	default:
		return "", true, fmt.Errorf("engine returned %d", resp.StatusCode)
	}
}

func (c *EngineClient) Poll(ctx context.Context, taskID string) (*Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: task %s", ErrTaskNotFound, taskID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: engine returned %d", ErrUnavailable, resp.StatusCode)
	}

	var sr engineStatusResp
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	return &Status{
		Phase:       sr.Status,
		Percent:     sr.Percent,
		ArtifactURL: sr.ArtifactURL,
		Message:     sr.Message,
	}, nil
}

func (c *EngineClient) backoff(attempt int) time.Duration {
	d := c.backoffBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}
