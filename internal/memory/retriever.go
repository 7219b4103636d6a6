// Package memory retrieves semantically related older messages for injection
// and keeps their vectors in a local store.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/core"
	"github.com/erg0nix/ctxbudget/internal/tokens"
)

// Record is one retrieved message. Records are recomputed every generation.
type Record struct {
	Score       float64   `json:"score"`
	Text        string    `json:"text"`
	ContentHash string    `json:"content_hash"`
	FirstIndex  int       `json:"first_index"`
	LastIndex   int       `json:"last_index"`
	Timestamp   time.Time `json:"timestamp"`
	Tokens      int       `json:"tokens"`
}

type Result struct {
	Records   []Record       `json:"records"`
	Injection core.Injection `json:"injection"`
	Deferred  bool           `json:"deferred"`
	Error     string         `json:"error,omitempty"`
}

// Tokens is the budgeted cost of the memory block.
func (r Result) Tokens() int {
	return r.Injection.Tokens
}

// Store is the subset of the message list the indexer annotates.
type Store interface {
	Get(index int) (core.Message, bool)
	Update(index int, fn func(*core.Message)) bool
}

type vectorBackend interface {
	Upsert(ctx context.Context, entries []Entry) error
	Candidates(ctx context.Context, id core.ConversationID) ([]Entry, error)
	DeleteConversation(ctx context.Context, id core.ConversationID) error
}

type Retriever struct {
	embedder Embedder
	store    vectorBackend
	tokens   *tokens.Estimator
	cfg      config.MemoryConfig
	minKeep  int
	logger   *slog.Logger
}

func NewRetriever(embedder Embedder, store *VectorStore, tokenEstimator *tokens.Estimator, cfg config.MemoryConfig, minKeep int, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}

	return &Retriever{
		embedder: embedder,
		store:    store,
		tokens:   tokenEstimator,
		cfg:      cfg,
		minKeep:  minKeep,
		logger:   logger,
	}
}

func (r *Retriever) timeout() time.Duration {
	if r.cfg.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(r.cfg.TimeoutSeconds) * time.Second
}

// Retrieve finds older messages related to the most recent ones. Failures
// degrade to an empty result; the error text is kept for status.
func (r *Retriever) Retrieve(ctx context.Context, id core.ConversationID, messages []core.Message, targetTokens int) Result {
	if len(messages) < r.cfg.MinMessages {
		return Result{Deferred: true}
	}

	query := r.query(messages)
	if query == "" {
		return Result{}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	vectors, err := r.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return r.degrade(id, "embed query", err)
	}

	candidates, err := r.store.Candidates(ctx, id)
	if err != nil {
		return r.degrade(id, "load candidates", err)
	}

	records := r.rank(vectors[0], candidates, messages)
	return r.pack(records, targetTokens)
}

func (r *Retriever) degrade(id core.ConversationID, op string, err error) Result {
	r.logger.Warn("memory retrieval failed", "conversation", id, "op", op, "error", err)
	return Result{Error: fmt.Sprintf("%s: %v", op, err)}
}

// query joins the text of the last QueryMessages visible messages.
func (r *Retriever) query(messages []core.Message) string {
	var parts []string
	for i := len(messages) - 1; i >= 0 && len(parts) < r.cfg.QueryMessages; i-- {
		msg := messages[i]
		if msg.Hidden || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		parts = append(parts, msg.Content)
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}

	return strings.Join(parts, "\n")
}

func (r *Retriever) rank(query []float32, candidates []Entry, messages []core.Message) []Record {
	latest := make(map[string]int, len(messages))
	for i, msg := range messages {
		latest[msg.ContentHash()] = i
	}

	window := max(r.minKeep, r.cfg.QueryMessages)
	windowStart := len(messages) - window

	byText := make(map[string]Record)
	for _, candidate := range candidates {
		index, ok := latest[candidate.ContentHash]
		if !ok || index >= windowStart {
			continue
		}
		if messages[index].Hidden || messages[index].Pinned {
			continue
		}

		score, err := CosineSimilarity(query, candidate.Vector)
		if err != nil || score < r.cfg.ScoreThreshold {
			continue
		}

		record := Record{
			Score:       score,
			Text:        candidate.Text,
			ContentHash: candidate.ContentHash,
			FirstIndex:  index,
			LastIndex:   index,
			Timestamp:   candidate.CreatedAt,
		}

		key := strings.ToLower(strings.TrimSpace(candidate.Text))
		if existing, seen := byText[key]; seen && existing.LastIndex > record.LastIndex {
			continue
		}
		byText[key] = record
	}

	records := make([]Record, 0, len(byText))
	for _, record := range byText {
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].LastIndex > records[j].LastIndex
	})

	if r.cfg.Limit > 0 && len(records) > r.cfg.Limit {
		records = records[:r.cfg.Limit]
	}

	return records
}

// pack keeps the best records that fit the memory share of the target and
// renders them in conversation order.
func (r *Retriever) pack(records []Record, targetTokens int) Result {
	if len(records) == 0 {
		return Result{}
	}

	budget := int(r.cfg.MaxTokensRatio * float64(targetTokens))
	header := r.cfg.Injection.Header
	used := r.tokens.Estimate(header)

	var kept []Record
	for _, record := range records {
		line := "- " + record.Text
		cost := r.tokens.Estimate(line)
		if used+cost > budget {
			continue
		}
		record.Tokens = cost
		used += cost
		kept = append(kept, record)
	}

	if len(kept) == 0 {
		return Result{}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].FirstIndex < kept[j].FirstIndex })

	lines := make([]string, 0, len(kept)+1)
	if header != "" {
		lines = append(lines, header)
	}
	for _, record := range kept {
		lines = append(lines, "- "+record.Text)
	}
	text := strings.Join(lines, "\n")

	return Result{
		Records: kept,
		Injection: core.Injection{
			Text:     text,
			Tokens:   r.tokens.Estimate(text),
			Position: core.Position(r.cfg.Injection.Position),
			Depth:    r.cfg.Injection.Depth,
			Role:     core.Role(r.cfg.Injection.Role),
		},
	}
}

// Index vectorizes the given messages when their stored vector is missing or
// stale, and marks them in the store. It returns how many were written.
func (r *Retriever) Index(ctx context.Context, id core.ConversationID, store Store, indices []int) (int, error) {
	type pendingVector struct {
		index int
		msg   core.Message
		hash  string
	}

	var pending []pendingVector
	for _, index := range indices {
		msg, ok := store.Get(index)
		if !ok || msg.Hidden || strings.TrimSpace(msg.Content) == "" {
			continue
		}

		hash := msg.ContentHash()
		if msg.Annotations.Vectorized && msg.Annotations.VectorHash == hash {
			continue
		}
		pending = append(pending, pendingVector{index: index, msg: msg, hash: hash})
	}

	if len(pending) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.msg.Content
	}

	vectors, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("index messages: %w", err)
	}

	now := time.Now()
	entries := make([]Entry, len(pending))
	for i, p := range pending {
		entries[i] = Entry{
			ConversationID: id,
			ContentHash:    p.hash,
			Role:           p.msg.Role,
			Text:           p.msg.Content,
			Vector:         vectors[i],
			CreatedAt:      now,
		}
	}

	if err := r.store.Upsert(ctx, entries); err != nil {
		return 0, fmt.Errorf("index messages: %w", err)
	}

	for _, p := range pending {
		hash := p.hash
		store.Update(p.index, func(m *core.Message) {
			if m.ContentHash() == hash {
				m.Annotations.Vectorized = true
				m.Annotations.VectorHash = hash
			}
		})
	}

	return len(pending), nil
}

// Forget drops every stored vector of the conversation.
func (r *Retriever) Forget(ctx context.Context, id core.ConversationID) error {
	if err := r.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("forget %s: %w", id, err)
	}
	return nil
}
