// Package calibration reconciles predicted and realized prompt sizes. It learns
// a correction factor and optionally tunes the target budget itself.
package calibration

import (
	"log/slog"
	"math"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/ledger"
)

const (
	minObservedFactor = 0.1
	maxObservedFactor = 10.0
	jumpScale         = 0.5
)

// Observation is one completed generation.
type Observation struct {
	Actual     int
	MaxContext int
	Prediction *ledger.Prediction
}

type Result struct {
	From          ledger.Phase
	To            ledger.Phase
	Factor        float64
	Observed      float64
	ErrorPercent  float64
	Deviation     float64
	Tolerance     float64
	TargetChanged bool
	Target        int
}

type Machine struct {
	cfg    config.CalibrationConfig
	logger *slog.Logger
}

func NewMachine(cfg config.CalibrationConfig, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{cfg: cfg, logger: logger}
}

func (m *Machine) Adaptive() bool {
	return m.cfg.AdaptiveTarget
}

// Observe folds one realized prompt size into the ledger. The prediction, if
// any, must already have been taken from the ledger by the caller.
func (m *Machine) Observe(l *ledger.Ledger, obs Observation) Result {
	result := Result{From: l.Phase, Factor: l.CorrectionFactor, Target: l.TargetTokens}

	if pred := obs.Prediction; pred != nil {
		if pred.Total > 0 {
			result.ErrorPercent = float64(obs.Actual-pred.Total) / float64(pred.Total) * 100
			l.LastErrorPercent = result.ErrorPercent
		}

		if observed, ok := observedFactor(obs.Actual, pred); ok {
			result.Observed = observed
			l.CorrectionFactor = UpdateFactor(l.CorrectionFactor, observed, m.cfg.BaseSmoothing, m.cfg.MaxSmoothing)
			result.Factor = l.CorrectionFactor
		}

		l.MeasuredCutoff = pred.CutoffAtDecide
	} else {
		l.MeasuredCutoff = l.CutoffIndex
	}

	l.LastActualTokens = obs.Actual
	l.OvershootPending = obs.Actual > l.TargetTokens

	if obs.MaxContext <= 0 {
		m.logger.Warn("max context unknown, skipping phase update", "conversation", l.ConversationID)
		result.To = l.Phase
		return result
	}

	result.Tolerance = m.Tolerance(l, obs.MaxContext)
	result.Deviation = m.deviation(l, obs.Actual, obs.MaxContext)

	m.step(l, obs, &result)

	result.To = l.Phase
	result.Target = l.TargetTokens

	if result.From != result.To {
		m.logger.Info("calibration phase changed",
			"conversation", l.ConversationID,
			"from", result.From,
			"to", result.To,
			"factor", l.CorrectionFactor,
			"target", l.TargetTokens)
	}

	return result
}

func (m *Machine) step(l *ledger.Ledger, obs Observation, result *Result) {
	switch l.Phase {
	case ledger.PhaseWaiting, "":
		l.Phase = ledger.PhaseWaiting
		if obs.Actual >= m.startThreshold(l, obs.MaxContext) {
			l.Phase = ledger.PhaseInitialTraining
			l.GenerationCount = 0
		}

	case ledger.PhaseInitialTraining, ledger.PhaseRetraining:
		l.GenerationCount++
		if l.GenerationCount >= m.cfg.TrainingGenerations {
			l.Phase = ledger.PhaseCalibrating
			l.StableCount = 0
			if m.cfg.AdaptiveTarget {
				result.TargetChanged = m.CalibrateTarget(l, obs.MaxContext)
			}
		}

	case ledger.PhaseCalibrating:
		l.GenerationCount++
		if result.Deviation <= result.Tolerance {
			l.StableCount++
		} else {
			if m.cfg.AdaptiveTarget {
				result.TargetChanged = m.CalibrateTarget(l, obs.MaxContext)
			}
			decay := 1
			if result.Deviation > 2*result.Tolerance {
				decay = 2
			}
			l.StableCount = max(l.StableCount-decay, 0)
		}

		if l.StableCount >= m.cfg.StableThreshold {
			l.Phase = ledger.PhaseStable
		}

	case ledger.PhaseStable:
		l.GenerationCount++
		if result.Deviation > m.cfg.DestabilizeFactor*result.Tolerance {
			l.Phase = ledger.PhaseRetraining
			l.GenerationCount = 0
			l.StableCount = 0
			l.RetrainCount++
		}
	}
}

func (m *Machine) startThreshold(l *ledger.Ledger, maxContext int) int {
	if m.cfg.AdaptiveTarget {
		return int(m.cfg.StartFraction * float64(maxContext))
	}
	return l.TargetTokens
}

func (m *Machine) deviation(l *ledger.Ledger, actual, maxContext int) float64 {
	utilization := float64(actual) / float64(maxContext)

	target := m.cfg.TargetUtilization
	if !m.cfg.AdaptiveTarget {
		target = float64(l.TargetTokens) / float64(maxContext)
	}

	return math.Abs(utilization - target)
}

// Tolerance widens with the volatility of injected memory, capped at MaxTolerance.
func (m *Machine) Tolerance(l *ledger.Ledger, maxContext int) float64 {
	tolerance := m.cfg.BaseTolerance
	if maxContext > 0 {
		tolerance += m.cfg.VolatilityScale * stddev(l.MemoryTokens) / float64(maxContext)
	}
	return math.Min(tolerance, m.cfg.MaxTolerance)
}

// CalibrateTarget moves the target toward the ideal utilization. It applies
// only changes larger than the hysteresis ratio, and applying one resets the
// cutoff while keeping the correction factor.
func (m *Machine) CalibrateTarget(l *ledger.Ledger, maxContext int) bool {
	if maxContext <= 0 {
		return false
	}

	factor := l.CorrectionFactor
	if factor <= 0 {
		factor = 1.0
	}

	ideal := m.cfg.TargetUtilization * float64(maxContext)
	raw := (ideal - mean(l.MemoryTokens)) / factor

	current := float64(l.TargetTokens)
	blended := m.cfg.Damping*raw + (1-m.cfg.Damping)*current

	lower := m.cfg.MinTargetRatio * float64(maxContext)
	upper := m.cfg.MaxTargetRatio * float64(maxContext)
	proposed := int(math.Round(math.Min(math.Max(blended, lower), upper)))

	if math.Abs(float64(proposed)-current) <= m.cfg.HysteresisRatio*current {
		m.logger.Debug("target change within hysteresis",
			"conversation", l.ConversationID,
			"current", l.TargetTokens,
			"proposed", proposed)
		return false
	}

	m.logger.Info("target recalibrated",
		"conversation", l.ConversationID,
		"from", l.TargetTokens,
		"to", proposed,
		"factor", factor)

	l.TargetTokens = proposed
	l.LastAppliedTarget = proposed
	l.ResetCutoff()

	return true
}

// UpdateFactor is an EMA whose weight grows with the relative size of the jump,
// from base up to ceiling. The result always lies between old and observed.
func UpdateFactor(old, observed, base, ceiling float64) float64 {
	if old <= 0 {
		return observed
	}

	jump := math.Abs(observed-old) / old
	weight := base + (ceiling-base)*math.Min(1, jump/jumpScale)

	return old + weight*(observed-old)
}

func observedFactor(actual int, pred *ledger.Prediction) (float64, bool) {
	if pred.ChatRaw < 1 {
		return 0, false
	}

	actualChat := actual - (pred.Total - pred.Chat)
	if actualChat <= 0 {
		return 0, false
	}

	observed := float64(actualChat) / float64(pred.ChatRaw)
	return math.Min(math.Max(observed, minObservedFactor), maxObservedFactor), true
}

func mean(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func stddev(values []int) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := mean(values)
	var sq float64
	for _, v := range values {
		d := float64(v) - avg
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}
