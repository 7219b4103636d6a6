// Package provider talks to an OpenAI-compatible inference server for token
// counting, context size discovery and side generations.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/core"
)

const (
	defaultContextSize = 4096
	defaultMaxTokens   = 256
	baseProfile        = "default"
)

// Profile is an endpoint/model pair generation requests are sent to.
type Profile struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
}

// OpenAIConfig holds connection settings for an OpenAI-compatible API endpoint.
type OpenAIConfig struct {
	Endpoint    string
	Model       string
	ContextSize int
	MaxTokens   int
	HTTPTimeout time.Duration
	Profiles    map[string]config.ProfileConfig
}

// OpenAIProvider implements token counting and generation over HTTP. Token
// counting always uses the base endpoint; Switch only redirects generation.
type OpenAIProvider struct {
	base          Profile
	profiles      map[string]config.ProfileConfig
	configuredCtx int
	maxTokens     int
	client        *http.Client
	traffic       *trafficLog
	logger        *slog.Logger

	mu          sync.Mutex
	active      Profile
	contextSize int
}

// NewOpenAIProvider creates an OpenAIProvider with the given endpoint config and optional debug logging.
func NewOpenAIProvider(cfg OpenAIConfig, debugCfg config.DebugConfig, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 300 * time.Second
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	base := Profile{Name: baseProfile, Endpoint: strings.TrimRight(cfg.Endpoint, "/"), Model: cfg.Model}

	provider := &OpenAIProvider{
		base:          base,
		active:        base,
		profiles:      cfg.Profiles,
		configuredCtx: cfg.ContextSize,
		maxTokens:     maxTokens,
		client:        &http.Client{Timeout: timeout},
		traffic:       newTrafficLog(debugCfg, logger),
		logger:        logger,
	}

	return provider
}

// FromConfig builds the provider for the daemon's top-level config.
func FromConfig(cfg config.Config, logger *slog.Logger) *OpenAIProvider {
	return NewOpenAIProvider(OpenAIConfig{
		Endpoint:    cfg.Endpoint,
		Model:       cfg.Model,
		ContextSize: cfg.ContextSize,
		Profiles:    cfg.Profiles,
	}, cfg.Debug, logger)
}

// Switch makes name the active generation profile until the returned restore
// func runs. Restore is safe to call more than once.
func (p *OpenAIProvider) Switch(name string) (func(), error) {
	profileCfg, ok := p.profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}

	next := Profile{Name: name, Endpoint: p.base.Endpoint, Model: p.base.Model}
	if profileCfg.Endpoint != "" {
		next.Endpoint = strings.TrimRight(profileCfg.Endpoint, "/")
	}
	if profileCfg.Model != "" {
		next.Model = profileCfg.Model
	}

	p.mu.Lock()
	previous := p.active
	p.active = next
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.active = previous
			p.mu.Unlock()
		})
	}, nil
}

func (p *OpenAIProvider) ActiveProfile() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Generate runs a single-turn completion. A non-empty prefill is sent as the
// start of the assistant reply and prepended to the result.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt, prefill string) (string, error) {
	profile := p.ActiveProfile()
	requestID := core.NewRequestID()

	messages := []map[string]any{{"role": string(core.RoleUser), "content": prompt}}
	if prefill != "" {
		messages = append(messages, map[string]any{"role": string(core.RoleAssistant), "content": prefill})
	}

	modelName := profile.Model
	if modelName == "" {
		modelName = "default"
	}
	modelName = strings.TrimSuffix(modelName, ".gguf")

	payload := map[string]any{
		"model":      modelName,
		"messages":   messages,
		"max_tokens": p.maxTokens,
		"stream":     false,
	}

	p.traffic.request(requestID, profile, payload)

	startTime := time.Now()
	var responsePayload map[string]any
	status, body, err := p.postJSON(ctx, profile.Endpoint+"/v1/chat/completions", payload, &responsePayload)
	duration := time.Since(startTime)

	if err != nil {
		p.traffic.failure(requestID, status, body, payload)
		return "", fmt.Errorf("provider request failed (request_id=%s): %w", requestID, err)
	}

	response, err := parseResponsePayload(responsePayload)
	if err != nil {
		return "", fmt.Errorf("provider response parse failed (request_id=%s): %w", requestID, err)
	}

	p.traffic.response(requestID, response, duration)

	return prefill + response.Content, nil
}

// CountTokens asks the base endpoint's /tokenize. Errors are returned so the
// caller can fall back to its own heuristic.
func (p *OpenAIProvider) CountTokens(text string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var payload map[string]any
	if _, _, err := p.postJSON(ctx, p.base.Endpoint+"/tokenize", map[string]any{"content": text}, &payload); err != nil {
		return 0, fmt.Errorf("tokenize: %w", err)
	}

	if tokens, ok := payload["tokens"].([]any); ok {
		return len(tokens), nil
	}

	if count, ok := payload["count"].(float64); ok {
		return int(count), nil
	}

	return 0, fmt.Errorf("tokenize: unexpected response")
}

// ContextSize is the configured size, else the server's n_ctx, else 4096.
// A discovered value is cached.
func (p *OpenAIProvider) ContextSize(ctx context.Context) int {
	if p.configuredCtx > 0 {
		return p.configuredCtx
	}

	p.mu.Lock()
	cached := p.contextSize
	p.mu.Unlock()
	if cached > 0 {
		return cached
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base.Endpoint+"/props", nil)
	if err != nil {
		return defaultContextSize
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("context size discovery failed", "error", err)
		return defaultContextSize
	}
	defer resp.Body.Close()

	var payload map[string]any
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&payload) != nil {
		return defaultContextSize
	}

	size := parseContextSize(payload)
	if size <= 0 {
		return defaultContextSize
	}

	p.mu.Lock()
	p.contextSize = size
	p.mu.Unlock()

	return size
}

func (p *OpenAIProvider) postJSON(ctx context.Context, url string, payload any, out any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(req)
	if err != nil {
		return 0, []byte(err.Error()), err
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return httpResp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		if len(bodyBytes) > 0 {
			return httpResp.StatusCode, bodyBytes, fmt.Errorf("%s: %s", httpResp.Status, strings.TrimSpace(string(bodyBytes)))
		}
		return httpResp.StatusCode, bodyBytes, fmt.Errorf("%s", httpResp.Status)
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return httpResp.StatusCode, bodyBytes, fmt.Errorf("decode response: %w", err)
	}

	return httpResp.StatusCode, bodyBytes, nil
}
