// Package storage persists generated audio artifacts in a supabase-style
// object store and hands back the public URL that becomes the job's
// artifact reference.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type ArtifactStore interface {
	// StoreAudio uploads the audio for a job and returns its public URL.
	StoreAudio(ctx context.Context, jobID uuid.UUID, audio []byte, contentType string) (string, error)
}

type SupabaseStore struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
}

func NewSupabaseStore(supabaseURL, serviceKey, bucket string) *SupabaseStore {
	return &SupabaseStore{
		baseURL:    supabaseURL + "/storage/v1",
		serviceKey: serviceKey,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (s *SupabaseStore) StoreAudio(ctx context.Context, jobID uuid.UUID, audio []byte, contentType string) (string, error) {
	path := artifactPath(jobID, contentType)
	url := fmt.Sprintf("%s/object/%s/%s", s.baseURL, s.bucket, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}

	return fmt.Sprintf("%s/object/public/%s/%s", s.baseURL, s.bucket, path), nil
}

func artifactPath(jobID uuid.UUID, contentType string) string {
	ext := ".mp3"
	if contentType == "audio/wav" {
		ext = ".wav"
	}
	return "generations/" + jobID.String() + ext
}
