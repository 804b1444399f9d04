package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/talkstudio/voice-backend/internal/storage"
)

// OpenAIClient is the synchronous backend: the speech API produces the
// audio inline, so Submit stores the artifact immediately and Poll reports
// a completed task right away. Results are kept per task key, which also
// dedupes resubmissions.
type OpenAIClient struct {
	client *openai.Client
	model  string
	store  storage.ArtifactStore

	mu      sync.Mutex
	results map[string]*Status
}

func NewOpenAIClient(apiKey, model string, store storage.ArtifactStore) *OpenAIClient {
	if model == "" {
		model = string(openai.TTSModel1)
	}
	return &OpenAIClient{
		client:  openai.NewClient(apiKey),
		model:   model,
		store:   store,
		results: make(map[string]*Status),
	}
}

func (c *OpenAIClient) Submit(ctx context.Context, req Request) (string, error) {
	c.mu.Lock()
	if _, ok := c.results[req.TaskKey]; ok {
		c.mu.Unlock()
		return req.TaskKey, nil
	}
	c.mu.Unlock()

	voice := openai.SpeechVoice(req.Voice)
	if voice == "" {
		voice = openai.VoiceAlloy
	}

	resp, err := c.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model: openai.SpeechModel(c.model),
		Input: req.Input,
		Voice: voice,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 {
			return "", fmt.Errorf("%w: %s", ErrInvalidInput, apiErr.Message)
		}
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return "", fmt.Errorf("%w: read audio: %w", ErrUnavailable, err)
	}

	jobID, err := uuid.Parse(req.TaskKey)
	if err != nil {
		return "", fmt.Errorf("%w: task key must be a job id: %w", ErrInvalidInput, err)
	}

	url, err := c.store.StoreAudio(ctx, jobID, audio, "audio/mpeg")
	if err != nil {
		return "", fmt.Errorf("%w: store artifact: %w", ErrUnavailable, err)
	}

	c.mu.Lock()
	c.results[req.TaskKey] = &Status{
		Phase:       "completed",
		Percent:     100,
		ArtifactURL: url,
	}
	c.mu.Unlock()

	return req.TaskKey, nil
}

func (c *OpenAIClient) Poll(ctx context.Context, taskID string) (*Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.results[taskID]; ok {
		return st, nil
	}
	return nil, fmt.Errorf("%w: task %s", ErrTaskNotFound, taskID)
}
