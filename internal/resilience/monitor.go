// Package resilience reconciles ledger state with history that changed
// between generations.
package resilience

import (
	"log/slog"

	"github.com/erg0nix/ctxbudget/internal/core"
	"github.com/erg0nix/ctxbudget/internal/ledger"
)

// Capture records the count and per-index content hashes of messages.
func Capture(messages []core.Message) ledger.HistorySnapshot {
	hashes := make([]string, len(messages))
	for i, msg := range messages {
		hashes[i] = msg.ContentHash()
	}
	return ledger.HistorySnapshot{Count: len(messages), Hashes: hashes}
}

type Report struct {
	Deleted          int
	CutoffShift      int
	CutoffBefore     int
	CutoffAfter      int
	SoftRecalibrated bool
	Edited           []int
	Stale            []int
}

// Changed reports whether anything worth logging happened.
func (r Report) Changed() bool {
	return r.Deleted > 0 || len(r.Edited) > 0 || len(r.Stale) > 0
}

type Monitor struct {
	deletionTolerance int
	logger            *slog.Logger
}

func NewMonitor(deletionTolerance int, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{deletionTolerance: deletionTolerance, logger: logger}
}

// Reconcile compares messages against the ledger's last snapshot, shifts the
// cutoff for deletions at or before it, and replaces the snapshot.
func (m *Monitor) Reconcile(l *ledger.Ledger, messages []core.Message) Report {
	prev := l.Snapshot
	report := Report{CutoffBefore: l.CutoffIndex, CutoffAfter: l.CutoffIndex}

	current := Capture(messages)

	switch {
	case len(prev.Hashes) == 0:
		// First checkpoint for this ledger.
	case current.Count < prev.Count:
		report.Deleted = prev.Count - current.Count
		m.reconcileDeletion(l, prev, current, &report)
	default:
		for i := 0; i < len(prev.Hashes) && i < current.Count; i++ {
			if prev.Hashes[i] != current.Hashes[i] {
				report.Edited = append(report.Edited, i)
			}
		}
	}

	l.Snapshot = current
	return m.finish(l, messages, report)
}

// ReconcileDeletion applies the deletion of the message that was at index.
// messages is the history after the deletion. Messages appended or edited
// since the last snapshot do not affect the shift.
func (m *Monitor) ReconcileDeletion(l *ledger.Ledger, index int, messages []core.Message) Report {
	report := Report{Deleted: 1, CutoffBefore: l.CutoffIndex, CutoffAfter: l.CutoffIndex}

	l.Pending = nil
	if l.CutoffIndex > 0 && index <= l.CutoffIndex {
		m.shiftCutoff(l, 1, &report)
	}

	l.Snapshot = Capture(messages)
	return m.finish(l, messages, report)
}

func (m *Monitor) finish(l *ledger.Ledger, messages []core.Message, report Report) Report {
	report.Stale = StaleSummaries(messages)
	report.CutoffAfter = l.CutoffIndex

	if report.Changed() {
		m.logger.Info("history changed",
			"conversation", l.ConversationID,
			"deleted", report.Deleted,
			"edited", len(report.Edited),
			"stale_summaries", len(report.Stale),
			"cutoff_before", report.CutoffBefore,
			"cutoff_after", report.CutoffAfter,
			"soft_recalibration", report.SoftRecalibrated)
	}

	return report
}

func (m *Monitor) reconcileDeletion(l *ledger.Ledger, prev, current ledger.HistorySnapshot, report *Report) {
	// The pending prediction described a history that no longer exists.
	l.Pending = nil

	cutoff := l.CutoffIndex
	if cutoff <= 0 {
		return
	}

	var shift int
	switch {
	case cutoff >= len(prev.Hashes):
		if cutoff <= current.Count {
			return
		}
		shift = min(report.Deleted, cutoff)
	case cutoff < current.Count && current.Hashes[cutoff] == prev.Hashes[cutoff]:
		// Anchor unchanged: only the live tail lost messages.
		return
	default:
		shift = min(anchorShift(prev.Hashes[cutoff], cutoff, report.Deleted, current.Hashes), cutoff)
	}

	if shift == 0 {
		return
	}

	m.shiftCutoff(l, shift, report)
}

func (m *Monitor) shiftCutoff(l *ledger.Ledger, shift int, report *Report) {
	l.CutoffIndex -= shift
	l.DeletionCount += shift
	report.CutoffShift = shift

	if l.DeletionCount > m.deletionTolerance && l.Phase != ledger.PhaseWaiting {
		l.Phase = ledger.PhaseCalibrating
		l.StableCount = 0
		l.GenerationCount = 0
		l.DeletionCount = 0
		report.SoftRecalibrated = true
	}
}

// anchorShift finds where the old anchor moved to. When the anchor itself was
// deleted every deletion is assumed to have happened at or before it.
func anchorShift(anchor string, cutoff, deleted int, hashes []string) int {
	for shift := 1; shift <= deleted; shift++ {
		j := cutoff - shift
		if j < 0 {
			break
		}
		if j < len(hashes) && hashes[j] == anchor {
			return shift
		}
	}
	return deleted
}

// StaleSummaries lists messages whose stored summary was produced for content
// that has since been edited and that are not already queued.
func StaleSummaries(messages []core.Message) []int {
	var stale []int
	for i, msg := range messages {
		if msg.SummaryStale() && !msg.Annotations.NeedsSummary {
			stale = append(stale, i)
		}
	}
	return stale
}
