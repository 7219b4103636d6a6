// Package tokens wraps the host token counter with caching and span helpers.
package tokens

import (
	"log/slog"
	"sync"

	"github.com/erg0nix/ctxbudget/internal/core"
)

// Counter is the host's authoritative tokenizer.
type Counter interface {
	CountTokens(text string) (int, error)
}

// CounterFunc adapts a plain function to Counter.
type CounterFunc func(text string) (int, error)

func (f CounterFunc) CountTokens(text string) (int, error) {
	return f(text)
}

const defaultCacheEntries = 8192

// Estimator counts tokens for text and message spans. Results are cached by
// content hash, which is safe because the counter must be deterministic.
type Estimator struct {
	counter      Counter
	roleOverhead int
	maxEntries   int
	logger       *slog.Logger

	mu    sync.Mutex
	cache map[string]int
}

func NewEstimator(counter Counter, roleOverhead int, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Estimator{
		counter:      counter,
		roleOverhead: roleOverhead,
		maxEntries:   defaultCacheEntries,
		logger:       logger,
		cache:        make(map[string]int),
	}
}

// Estimate returns the token count for text. A failing counter falls back to
// a characters/4 heuristic so callers never see an error.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	key := core.HashContent(text)

	e.mu.Lock()
	if n, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return n
	}
	e.mu.Unlock()

	n, err := e.count(text)
	if err != nil {
		e.logger.Warn("token counter failed, using heuristic", "error", err, "chars", len(text))
		return Heuristic(text)
	}

	e.mu.Lock()
	if len(e.cache) >= e.maxEntries {
		e.cache = make(map[string]int)
	}
	e.cache[key] = n
	e.mu.Unlock()

	return n
}

// EstimateMessage is the message text plus the fixed role framing overhead.
func (e *Estimator) EstimateMessage(msg core.Message) int {
	return e.Estimate(msg.Content) + e.roleOverhead
}

// EstimateSpan sums EstimateMessage over messages.
func (e *Estimator) EstimateSpan(messages []core.Message) int {
	total := 0
	for _, msg := range messages {
		total += e.EstimateMessage(msg)
	}
	return total
}

// RoleOverhead is the per-message framing cost added by EstimateMessage.
func (e *Estimator) RoleOverhead() int {
	return e.roleOverhead
}

func (e *Estimator) count(text string) (int, error) {
	if e.counter == nil {
		return Heuristic(text), nil
	}
	return e.counter.CountTokens(text)
}

// Heuristic estimates tokens as ceil(chars/4).
func Heuristic(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
