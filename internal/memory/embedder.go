package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/erg0nix/ctxbudget/internal/config"
)

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

const maxEmbedAttempts = 3

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// StatusError is a non-2xx reply from the embedding endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedding http %d: %s", e.Code, e.Body)
}

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type HTTPEmbedder struct {
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	batchSize   int
	httpClient  *http.Client
	backoff     func(attempt int) time.Duration
	logger      *slog.Logger
}

func NewHTTPEmbedder(cfg config.EmbeddingConfig, logger *slog.Logger) *HTTPEmbedder {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPEmbedder{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       cfg.Model,
		expectedDim: cfg.Dimension,
		batchSize:   cfg.BatchSize,
		httpClient:  &http.Client{Timeout: timeout},
		backoff:     exponentialBackoff,
		logger:      logger,
	}
}

// exponentialBackoff yields 500ms, 2s, 8s.
func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt*2)) * 500 * time.Millisecond
}

func (c *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("embed batch: empty texts")
	}

	normalized := make([]string, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, fmt.Errorf("embed batch: empty text at index %d", i)
		}
		normalized[i] = trimmed
	}

	size := c.batchSize
	if size <= 0 {
		size = len(normalized)
	}

	vectors := make([][]float32, 0, len(normalized))
	for start := 0; start < len(normalized); start += size {
		end := min(start+size, len(normalized))

		chunk, err := c.requestWithRetry(ctx, normalized[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		vectors = append(vectors, chunk...)
	}

	return vectors, nil
}

// requestWithRetry retries transient failures. Client errors are returned at once.
func (c *HTTPEmbedder) requestWithRetry(ctx context.Context, input []string) ([][]float32, error) {
	var lastErr error

	for attempt := range maxEmbedAttempts {
		vectors, err := c.request(ctx, input)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return nil, err
		}
		if attempt == maxEmbedAttempts-1 {
			break
		}

		wait := c.backoff(attempt)
		c.logger.Debug("embedding attempt failed", "attempt", attempt+1, "error", err, "retry_in", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

func (c *HTTPEmbedder) request(ctx context.Context, input []string) ([][]float32, error) {
	if c.model == "" {
		return nil, errors.New("missing embedding model")
	}
	if c.baseURL == "" {
		return nil, errors.New("missing embedding endpoint")
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return c.validate(decoded.Data, len(input))
}

func (c *HTTPEmbedder) validate(data []embeddingData, expected int) ([][]float32, error) {
	if len(data) != expected {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(data), expected)
	}

	vectors := make([][]float32, expected)
	dim := 0

	for _, item := range data {
		if item.Index < 0 || item.Index >= expected {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if vectors[item.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding vector at index %d", item.Index)
		}

		if dim == 0 {
			dim = len(item.Embedding)
		} else if len(item.Embedding) != dim {
			return nil, fmt.Errorf("inconsistent embedding dimension at index %d: got %d want %d", item.Index, len(item.Embedding), dim)
		}
		if c.expectedDim > 0 && dim != c.expectedDim {
			return nil, fmt.Errorf("embedding dimension: got %d want %d", dim, c.expectedDim)
		}

		vectors[item.Index] = item.Embedding
	}

	return vectors, nil
}
