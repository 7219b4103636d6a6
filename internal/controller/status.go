package controller

import (
	"context"

	"github.com/erg0nix/ctxbudget/internal/core"
	"github.com/erg0nix/ctxbudget/internal/ledger"
	"github.com/erg0nix/ctxbudget/internal/summarize"
)

// Status is the operator view of one conversation.
type Status struct {
	ConversationID   core.ConversationID   `json:"conversation_id"`
	Messages         int                   `json:"messages"`
	CutoffIndex      int                   `json:"cutoff_index"`
	TargetTokens     int                   `json:"target_tokens"`
	MaxContext       int                   `json:"max_context"`
	LastActualTokens int                   `json:"last_actual_tokens"`
	LastEstimate     int                   `json:"last_estimate"`
	ErrorPercent     float64               `json:"error_percent"`
	CorrectionFactor float64               `json:"correction_factor"`
	Phase            ledger.Phase          `json:"phase"`
	StableCount      int                   `json:"stable_count"`
	RetrainCount     int                   `json:"retrain_count"`
	DeletionCount    int                   `json:"deletion_count"`
	Tolerance        float64               `json:"tolerance"`
	MemoryTokens     int                   `json:"memory_tokens"`
	MemoryError      string                `json:"memory_error,omitempty"`
	Summaries        summarize.Stats       `json:"summaries"`
	Recent           []ledger.JournalEntry `json:"recent,omitempty"`
}

// Status reports ledger metrics, the summary queue state and up to recent
// journal entries.
func (c *Controller) Status(ctx context.Context, id core.ConversationID, recent int) (Status, error) {
	conv, err := c.get(id)
	if err != nil {
		return Status{}, err
	}

	maxContext := 0
	if c.sizer != nil {
		maxContext = c.sizer.ContextSize(ctx)
	}

	conv.mu.Lock()
	l := conv.ledger
	status := Status{
		ConversationID:   id,
		Messages:         conv.history.Len(),
		CutoffIndex:      l.CutoffIndex,
		TargetTokens:     l.TargetTokens,
		MaxContext:       maxContext,
		LastActualTokens: l.LastActualTokens,
		LastEstimate:     conv.last.Breakdown.Total,
		ErrorPercent:     l.LastErrorPercent,
		CorrectionFactor: l.CorrectionFactor,
		Phase:            l.Phase,
		StableCount:      l.StableCount,
		RetrainCount:     l.RetrainCount,
		DeletionCount:    l.DeletionCount,
		Tolerance:        c.machine.Tolerance(l, maxContext),
		MemoryTokens:     l.LastMemoryTokens(),
		MemoryError:      conv.last.MemoryError,
		Summaries:        summarize.Stats{Status: summarize.StatusIdle, Current: -1},
	}
	conv.mu.Unlock()

	if conv.queue != nil {
		status.Summaries = conv.queue.Stats()
	}

	if c.journal != nil && recent > 0 {
		entries, err := c.journal.Tail(id, recent)
		if err != nil {
			c.logger.Warn("failed to read journal", "conversation", id, "error", err)
		}
		status.Recent = entries
	}

	return status, nil
}
