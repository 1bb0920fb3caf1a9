// Package embedding provides the content-fingerprinted embedding cache
// and the HTTP client for the external embedding capability.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder is the external embedding capability: text in, vector out.
// The engine consumes it; it does not implement models.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
}

// Transport-level failure classes the cache maps into typed failures.
var (
	// ErrUnavailable covers network errors and non-2xx responses.
	ErrUnavailable = errors.New("embedding: service unavailable")

	// ErrInvalidPayload covers undecodable responses and missing/empty vectors.
	ErrInvalidPayload = errors.New("embedding: invalid payload")
)

// Default configuration values.
const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultTimeout = 30 * time.Second
)

// ClientConfig holds configuration for the HTTP embedding client.
type ClientConfig struct {
	// BaseURL is the embedding endpoint base URL (Ollama-compatible).
	BaseURL string

	// Timeout is the per-request timeout.
	Timeout time.Duration
}

// Client calls an Ollama-compatible embeddings endpoint.
type Client struct {
	client  *http.Client
	baseURL string
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewClient creates an embedding client, filling in defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
	}
}

// Embed generates a vector embedding for the given text.
func (c *Client) Embed(ctx context.Context, text, model string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrInvalidPayload)
	}

	vector := make([]float32, len(decoded.Embedding))
	for i, v := range decoded.Embedding {
		vector[i] = float32(v)
	}
	return vector, nil
}

// Ping validates the endpoint is reachable without running inference.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
