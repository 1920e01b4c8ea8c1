package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// PushMeta carries artifact metadata recorded by the cache service.
type PushMeta struct {
	TaskID    string
	CommitSHA string
}

// Remote is an HTTP client for the shared cache service.
type Remote struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRemote creates a client for the cache service at baseURL. token
// may be empty when the service runs without authentication.
func NewRemote(baseURL, token string) *Remote {
	return &Remote{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (r *Remote) artifactURL(key string) string {
	return r.baseURL + "/api/v1/artifacts/" + key
}

func (r *Remote) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	return req, nil
}

// Exists reports whether the service has an artifact for key.
func (r *Remote) Exists(ctx context.Context, key string) (bool, error) {
	req, err := r.newRequest(ctx, http.MethodHead, r.artifactURL(key), nil)
	if err != nil {
		return false, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("remote cache: unexpected status %d", resp.StatusCode)
	}
}

// Pull downloads the artifact bundle for key into local. Returns false
// without error when the service has no artifact for key.
func (r *Remote) Pull(ctx context.Context, key string, local *Local) (bool, error) {
	req, err := r.newRequest(ctx, http.MethodGet, r.artifactURL(key), nil)
	if err != nil {
		return false, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("remote cache: unexpected status %d", resp.StatusCode)
	}

	if err := local.Unbundle(key, resp.Body); err != nil {
		return false, err
	}

	log.Debug().Str("key", key).Msg("pulled artifact from remote cache")
	return true, nil
}

// Push uploads the local bundle for key to the service.
func (r *Remote) Push(ctx context.Context, key string, meta PushMeta, local *Local) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(local.Bundle(key, pw))
	}()

	req, err := r.newRequest(ctx, http.MethodPut, r.artifactURL(key), pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-tar")
	if meta.TaskID != "" {
		req.Header.Set("X-Kiln-Task-Id", meta.TaskID)
	}
	if meta.CommitSHA != "" {
		req.Header.Set("X-Kiln-Commit", meta.CommitSHA)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote cache: unexpected status %d", resp.StatusCode)
	}

	log.Debug().Str("key", key).Msg("pushed artifact to remote cache")
	return nil
}
