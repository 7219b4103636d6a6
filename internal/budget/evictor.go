package budget

import (
	"log/slog"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/ledger"
)

type Direction string

const (
	DirectionNone    Direction = "none"
	DirectionAdvance Direction = "advance"
	DirectionRetract Direction = "retract"
)

type Decision struct {
	Previous  int
	Cutoff    int
	Direction Direction
	FloorHit  bool
	Overshoot bool
	Breakdown Breakdown
}

// Evictor moves the cutoff in whole batches, with one fine scan inside the
// final batch so the result is the tightest fit under target.
type Evictor struct {
	cfg     config.BudgetConfig
	retract bool
	logger  *slog.Logger
}

// NewEvictor builds an evictor. allowRetract is false in adaptive-target mode,
// where the calibration loop owns cutoff resets.
func NewEvictor(cfg config.BudgetConfig, allowRetract bool, logger *slog.Logger) *Evictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evictor{cfg: cfg, retract: allowRetract && cfg.RetractWhenUnder, logger: logger}
}

// Decide updates l.CutoffIndex for the current message set and consumes a
// pending overshoot. Calling it again without new messages or a new
// measurement returns the same cutoff.
func (ev *Evictor) Decide(l *ledger.Ledger, costs *Costs) Decision {
	target := l.TargetTokens
	limit := ledger.MaxCutoff(costs.Len(), ev.cfg.MinMessagesToKeep)
	batch := max(ev.cfg.BatchSize, 1)

	previous := l.CutoffIndex
	cutoff := min(max(previous, 0), limit)

	overshoot := l.OvershootPending
	l.OvershootPending = false

	decision := Decision{Previous: previous, Overshoot: overshoot, Direction: DirectionNone}

	current := costs.At(cutoff)
	if !overshoot && current.Total <= target {
		if ev.retract && ev.canRetract(l, costs, cutoff, batch) {
			cutoff = max(cutoff-batch, 0)
			decision.Direction = DirectionRetract
		}
		return ev.finish(l, costs, decision, cutoff, limit)
	}

	low := cutoff
	if overshoot {
		low = min(cutoff+batch, limit)
	}

	if costs.At(low).Total <= target {
		return ev.finish(l, costs, decision, low, limit)
	}

	prev := low
	next := low
	for next < limit {
		prev = next
		next = min(next+batch, limit)
		if costs.At(next).Total <= target {
			break
		}
	}

	if costs.At(next).Total > target {
		decision.FloorHit = true
		return ev.finish(l, costs, decision, next, limit)
	}

	// Tightest fit inside the last batch. Ties keep the smaller cutoff.
	for i := prev + 1; i < next; i++ {
		if costs.At(i).Total <= target {
			next = i
			break
		}
	}

	return ev.finish(l, costs, decision, next, limit)
}

// canRetract requires both a real measurement taken at the current cutoff and
// an estimate for one batch back that leaves headroom.
func (ev *Evictor) canRetract(l *ledger.Ledger, costs *Costs, cutoff, batch int) bool {
	if cutoff == 0 || l.LastActualTokens <= 0 || l.MeasuredCutoff != cutoff {
		return false
	}

	ceiling := int(float64(l.TargetTokens) * ev.cfg.RetractHeadroom)
	if l.LastActualTokens > ceiling {
		return false
	}

	return costs.At(max(cutoff-batch, 0)).Total <= ceiling
}

func (ev *Evictor) finish(l *ledger.Ledger, costs *Costs, decision Decision, cutoff, limit int) Decision {
	if cutoff >= limit && costs.At(limit).Total > l.TargetTokens {
		decision.FloorHit = true
	}
	if decision.Direction == DirectionNone && cutoff > decision.Previous {
		decision.Direction = DirectionAdvance
	}
	if decision.Direction == DirectionNone && cutoff < decision.Previous {
		// Clamped after the history shrank below the floor.
		decision.Direction = DirectionRetract
	}

	l.CutoffIndex = cutoff
	decision.Cutoff = cutoff
	decision.Breakdown = costs.At(cutoff)

	if decision.Direction != DirectionNone {
		ev.logger.Debug("cutoff moved",
			"conversation", l.ConversationID,
			"from", decision.Previous,
			"to", cutoff,
			"direction", decision.Direction,
			"estimate", decision.Breakdown.Total,
			"target", l.TargetTokens,
			"floor_hit", decision.FloorHit)
	}

	return decision
}
