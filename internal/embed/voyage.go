package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultVoyageHost is the VoyageAI embeddings API endpoint.
	DefaultVoyageHost = "https://api.voyageai.com/v1/embeddings"

	// DefaultVoyageModel is the recommended embedding model for code search.
	DefaultVoyageModel = "voyage-code-3"

	// DefaultVoyageDimensions is voyage-code-3's default output dimension.
	DefaultVoyageDimensions = 1024
)

// VoyageConfig configures the VoyageAI embedder.
type VoyageConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// Host is the VoyageAI embeddings endpoint.
	Host string

	// Model is the embedding model to use.
	Model string

	// Dimensions overrides the model's default output dimension (VoyageAI
	// Matryoshka models support truncation). 0 uses the model default.
	Dimensions int

	// BatchSize for batch embedding requests.
	BatchSize int

	// Timeout for API requests.
	Timeout time.Duration

	// MaxRetries for transient failures (HTTP 429/5xx).
	MaxRetries int
}

// DefaultVoyageConfig returns sensible defaults. APIKey is left empty and
// must be set by the caller.
func DefaultVoyageConfig() VoyageConfig {
	return VoyageConfig{
		Host:       DefaultVoyageHost,
		Model:      DefaultVoyageModel,
		Dimensions: DefaultVoyageDimensions,
		BatchSize:  DefaultBatchSize,
		Timeout:    DefaultWarmTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

// voyageEmbedRequest is the VoyageAI /v1/embeddings request body.
type voyageEmbedRequest struct {
	Input           []string `json:"input"`
	Model           string   `json:"model"`
	InputType       string   `json:"input_type,omitempty"`
	OutputDimension int      `json:"output_dimension,omitempty"`
}

// voyageEmbedResponse is the VoyageAI /v1/embeddings response body.
type voyageEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// voyageErrorResponse is VoyageAI's error body shape.
type voyageErrorResponse struct {
	Detail string `json:"detail"`
}

// VoyageEmbedder generates embeddings using VoyageAI's hosted HTTP API.
type VoyageEmbedder struct {
	client *http.Client
	config VoyageConfig
	dims   int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*VoyageEmbedder)(nil)

// NewVoyageEmbedder creates a new VoyageAI embedder. It does not perform a
// network call: API keys are validated on first use so construction never
// blocks on connectivity.
func NewVoyageEmbedder(cfg VoyageConfig) (*VoyageEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("voyageai: API key is required")
	}
	if cfg.Host == "" {
		cfg.Host = DefaultVoyageHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultVoyageModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultVoyageDimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWarmTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	return &VoyageEmbedder{
		client: &http.Client{},
		config: cfg,
		dims:   cfg.Dimensions,
	}, nil
}

// Embed generates the embedding for a single text.
func (e *VoyageEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts, chunked to BatchSize.
func (e *VoyageEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		embeddings, err := e.doEmbedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("voyageai: failed to embed batch: %w", err)
		}
		copy(results[start:end], embeddings)
	}

	return results, nil
}

func (e *VoyageEmbedder) doEmbedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if attempt > 0 {
			backoff := time.Duration(200<<attempt) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		embeddings, retryable, err := e.doEmbed(timeoutCtx, texts)
		cancel()

		if err == nil {
			return embeddings, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", e.config.MaxRetries, lastErr)
}

// doEmbed performs a single request. The second return value reports whether
// the error, if any, is worth retrying (rate limit / server error) as
// opposed to a permanent failure (bad request / auth).
func (e *VoyageEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, bool, error) {
	reqBody := voyageEmbedRequest{
		Input:           texts,
		Model:           e.config.Model,
		InputType:       "document",
		OutputDimension: e.config.Dimensions,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Host, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		var apiErr voyageErrorResponse
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Detail != "" {
			return nil, retryable, fmt.Errorf("voyageai: %s (status %d)", apiErr.Detail, resp.StatusCode)
		}
		return nil, retryable, fmt.Errorf("voyageai: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result voyageEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("failed to decode response: %w", err)
	}

	embeddings := make([][]float32, len(result.Data))
	for _, d := range result.Data {
		embeddings[d.Index] = normalizeVector(d.Embedding)
	}
	return embeddings, false, nil
}

// Dimensions returns the embedding dimension.
func (e *VoyageEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier.
func (e *VoyageEmbedder) ModelName() string {
	return e.config.Model
}

// Available performs a minimal request to confirm the API key and model are
// usable.
func (e *VoyageEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	_, _, err := e.doEmbed(ctx, []string{"ping"})
	if err == nil {
		return true
	}
	return !strings.Contains(err.Error(), "status 401") && !strings.Contains(err.Error(), "status 403")
}

// Close releases resources held by the embedder.
func (e *VoyageEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}
