// Package ledger holds the per-conversation eviction and calibration state.
package ledger

import (
	"time"

	"github.com/erg0nix/ctxbudget/internal/core"
)

// SchemaVersion is bumped when the persisted layout changes incompatibly.
const SchemaVersion = 1

type Phase string

const (
	PhaseWaiting         Phase = "waiting"
	PhaseInitialTraining Phase = "initial_training"
	PhaseCalibrating     Phase = "calibrating"
	PhaseStable          Phase = "stable"
	PhaseRetraining      Phase = "retraining"
)

// Prediction is captured when the cutoff is decided and consumed once, when the
// realized size of that generation becomes known.
type Prediction struct {
	Total          int     `json:"total"`
	Chat           int     `json:"chat"`
	ChatRaw        int     `json:"chat_raw"`
	NonChat        int     `json:"non_chat"`
	Memory         int     `json:"memory"`
	Summary        int     `json:"summary"`
	Factor         float64 `json:"factor"`
	TargetTokens   int     `json:"target_tokens"`
	LiveMessages   int     `json:"live_messages"`
	CutoffAtDecide int     `json:"cutoff"`
}

// HistorySnapshot is what the resilience monitor compares against.
type HistorySnapshot struct {
	Count  int      `json:"count"`
	Hashes []string `json:"hashes,omitempty"`
}

type Ledger struct {
	Version           int                 `json:"version"`
	ConversationID    core.ConversationID `json:"conversation_id"`
	CutoffIndex       int                 `json:"cutoff_index"`
	CorrectionFactor  float64             `json:"correction_factor"`
	TargetTokens      int                 `json:"target_tokens"`
	LastAppliedTarget int                 `json:"last_applied_target"`
	Phase             Phase               `json:"phase"`
	GenerationCount   int                 `json:"generation_count"`
	StableCount       int                 `json:"stable_count"`
	RetrainCount      int                 `json:"retrain_count"`
	DeletionCount     int                 `json:"deletion_count"`
	MemoryTokens      []int               `json:"memory_tokens,omitempty"`
	LastActualTokens  int                 `json:"last_actual_tokens"`
	LastNonChatTokens int                 `json:"last_non_chat_tokens"`
	LastErrorPercent  float64             `json:"last_error_percent"`
	MeasuredCutoff    int                 `json:"measured_cutoff"`
	OvershootPending  bool                `json:"overshoot_pending"`
	Pending           *Prediction         `json:"pending,omitempty"`
	Snapshot          HistorySnapshot     `json:"snapshot"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// New returns a fresh ledger for a conversation that has never been budgeted.
func New(id core.ConversationID, targetTokens int) *Ledger {
	return &Ledger{
		Version:           SchemaVersion,
		ConversationID:    id,
		CorrectionFactor:  1.0,
		TargetTokens:      targetTokens,
		LastAppliedTarget: targetTokens,
		Phase:             PhaseWaiting,
	}
}

// Scope selects what a user-triggered reset clears.
type Scope string

const (
	ScopeCutoff      Scope = "cutoff"
	ScopeCalibration Scope = "calibration"
	ScopeAll         Scope = "all"
)

func ParseScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeCutoff, ScopeCalibration, ScopeAll:
		return Scope(s), true
	default:
		return "", false
	}
}

// Reset clears state per scope. It never fails.
func (l *Ledger) Reset(scope Scope, defaultTarget int) {
	switch scope {
	case ScopeCutoff:
		l.ResetCutoff()
	case ScopeCalibration:
		l.resetCalibration(defaultTarget)
	default:
		l.ResetCutoff()
		l.resetCalibration(defaultTarget)
		l.Snapshot = HistorySnapshot{}
		l.LastActualTokens = 0
		l.LastNonChatTokens = 0
		l.LastErrorPercent = 0
		l.MeasuredCutoff = 0
	}
}

func (l *Ledger) ResetCutoff() {
	l.CutoffIndex = 0
	l.OvershootPending = false
}

func (l *Ledger) resetCalibration(defaultTarget int) {
	l.CorrectionFactor = 1.0
	l.TargetTokens = defaultTarget
	l.LastAppliedTarget = defaultTarget
	l.Phase = PhaseWaiting
	l.GenerationCount = 0
	l.StableCount = 0
	l.RetrainCount = 0
	l.DeletionCount = 0
	l.MemoryTokens = nil
	l.Pending = nil
}

// MaxCutoff is the hard floor: the most recent minKeep messages are never evicted.
func MaxCutoff(messageCount, minKeep int) int {
	limit := messageCount - minKeep
	if limit < 0 {
		return 0
	}
	return limit
}

// ClampCutoff restores 0 <= cutoff <= len - minKeep. It returns true when the
// stored value had to change.
func (l *Ledger) ClampCutoff(messageCount, minKeep int) bool {
	limit := MaxCutoff(messageCount, minKeep)
	clamped := min(max(l.CutoffIndex, 0), limit)
	if clamped == l.CutoffIndex {
		return false
	}
	l.CutoffIndex = clamped
	return true
}

// RecordMemoryTokens appends to the rolling memory-injection history.
func (l *Ledger) RecordMemoryTokens(tokens, size int) {
	if size <= 0 {
		size = 1
	}
	l.MemoryTokens = append(l.MemoryTokens, tokens)
	if len(l.MemoryTokens) > size {
		l.MemoryTokens = append([]int(nil), l.MemoryTokens[len(l.MemoryTokens)-size:]...)
	}
}

// LastMemoryTokens is the most recent memory-injection cost, or 0.
func (l *Ledger) LastMemoryTokens() int {
	if len(l.MemoryTokens) == 0 {
		return 0
	}
	return l.MemoryTokens[len(l.MemoryTokens)-1]
}

// TakePending returns and clears the calibration prediction.
func (l *Ledger) TakePending() *Prediction {
	pending := l.Pending
	l.Pending = nil
	return pending
}
