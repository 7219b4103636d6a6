package calibration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/ledger"
)

const maxContext = 10000

// predictionFor builds a prediction with a fixed non-chat share of 200 tokens.
func predictionFor(factor float64, rawChat int) *ledger.Prediction {
	chat := int(math.Round(float64(rawChat) * factor))
	return &ledger.Prediction{Total: chat + 200, Chat: chat, ChatRaw: rawChat, NonChat: 200, Factor: factor}
}

func TestUpdateFactor_ConvergesToConstantRatio(t *testing.T) {
	m := NewMachine(config.DefaultCalibration(), nil)
	l := ledger.New("c", 8000)

	const k = 1.3
	for range 40 {
		pred := predictionFor(l.CorrectionFactor, 1000)
		m.Observe(l, Observation{Actual: int(k*1000) + 200, MaxContext: maxContext, Prediction: pred})
	}

	assert.InDelta(t, k, l.CorrectionFactor, 0.01)
}

func TestUpdateFactor_ScenarioMovesMonotonicallyWithoutOvershoot(t *testing.T) {
	cfg := config.DefaultCalibration()
	factor := 1.0

	for _, observed := range []float64{0.9, 0.85, 0.83} {
		next := UpdateFactor(factor, observed, cfg.BaseSmoothing, cfg.MaxSmoothing)

		assert.Less(t, next, factor, "factor must keep falling")
		assert.GreaterOrEqual(t, next, observed, "EMA must not pass the observation")
		factor = next
	}

	assert.InDelta(t, 0.926, factor, 0.005)
}

func TestUpdateFactor_WeightGrowsWithJump(t *testing.T) {
	small := UpdateFactor(1.0, 1.05, 0.15, 0.4) - 1.0
	large := UpdateFactor(1.0, 2.0, 0.15, 0.4) - 1.0

	assert.InDelta(t, 0.05*0.175, small, 1e-9)
	assert.InDelta(t, 0.4, large, 1e-9, "jumps past the scale use the ceiling weight")
}

func TestObserve_SkipsFactorWhenChatPredictionIsEmpty(t *testing.T) {
	m := NewMachine(config.DefaultCalibration(), nil)
	l := ledger.New("c", 8000)

	m.Observe(l, Observation{Actual: 900, MaxContext: maxContext, Prediction: &ledger.Prediction{Total: 500, NonChat: 500}})

	assert.Equal(t, 1.0, l.CorrectionFactor)
	assert.InDelta(t, 80.0, l.LastErrorPercent, 1e-9)
}

func TestObserve_RecordsMeasurement(t *testing.T) {
	m := NewMachine(config.DefaultCalibration(), nil)
	l := ledger.New("c", 8000)
	l.CutoffIndex = 40

	pred := predictionFor(1.0, 7000)
	pred.CutoffAtDecide = 20
	m.Observe(l, Observation{Actual: 8500, MaxContext: maxContext, Prediction: pred})

	assert.Equal(t, 8500, l.LastActualTokens)
	assert.Equal(t, 20, l.MeasuredCutoff)
	assert.True(t, l.OvershootPending)

	m.Observe(l, Observation{Actual: 7000, MaxContext: maxContext})
	assert.False(t, l.OvershootPending)
	assert.Equal(t, 40, l.MeasuredCutoff)
}

func TestCalibrateTarget_Hysteresis(t *testing.T) {
	cfg := config.DefaultCalibration()
	cfg.AdaptiveTarget = true
	m := NewMachine(cfg, nil)

	t.Run("below threshold leaves target and cutoff", func(t *testing.T) {
		l := ledger.New("c", 7900)
		l.CutoffIndex = 40

		changed := m.CalibrateTarget(l, maxContext)

		assert.False(t, changed)
		assert.Equal(t, 7900, l.TargetTokens)
		assert.Equal(t, 40, l.CutoffIndex)
	})

	t.Run("above threshold applies target and resets cutoff", func(t *testing.T) {
		l := ledger.New("c", 6000)
		l.CutoffIndex = 40
		l.CorrectionFactor = 1.0

		changed := m.CalibrateTarget(l, maxContext)

		require.True(t, changed)
		assert.Equal(t, 7400, l.TargetTokens)
		assert.Equal(t, 7400, l.LastAppliedTarget)
		assert.Equal(t, 0, l.CutoffIndex)
		assert.Equal(t, 1.0, l.CorrectionFactor)
	})

	t.Run("clamped to max ratio and memory is subtracted", func(t *testing.T) {
		l := ledger.New("c", 8000)
		l.CorrectionFactor = 0.2
		m.CalibrateTarget(l, maxContext)
		assert.Equal(t, 9500, l.TargetTokens)

		l = ledger.New("c", 4000)
		l.MemoryTokens = []int{1000, 1000}
		m.CalibrateTarget(l, maxContext)
		// (8000-1000)*0.7 + 4000*0.3
		assert.Equal(t, 6100, l.TargetTokens)
	})
}

func TestTolerance_WidensWithMemoryVolatility(t *testing.T) {
	m := NewMachine(config.DefaultCalibration(), nil)
	l := ledger.New("c", 8000)

	assert.InDelta(t, 0.05, m.Tolerance(l, maxContext), 1e-9)

	l.MemoryTokens = []int{0, 200}
	assert.InDelta(t, 0.07, m.Tolerance(l, maxContext), 1e-9)

	l.MemoryTokens = []int{0, 4000}
	assert.InDelta(t, 0.15, m.Tolerance(l, maxContext), 1e-9)
}

func TestPhases_FixedTarget(t *testing.T) {
	m := NewMachine(config.DefaultCalibration(), nil)
	l := ledger.New("c", 8000)

	observe := func(actual int) Result {
		return m.Observe(l, Observation{Actual: actual, MaxContext: maxContext})
	}

	observe(5000)
	require.Equal(t, ledger.PhaseWaiting, l.Phase)

	observe(8100)
	require.Equal(t, ledger.PhaseInitialTraining, l.Phase)
	require.Equal(t, 0, l.GenerationCount)

	observe(8000)
	require.Equal(t, ledger.PhaseInitialTraining, l.Phase)
	observe(8000)
	require.Equal(t, ledger.PhaseCalibrating, l.Phase)

	for i := range 4 {
		observe(8000)
		require.Equal(t, ledger.PhaseCalibrating, l.Phase, "generation %d", i)
	}
	observe(8000)
	require.Equal(t, ledger.PhaseStable, l.Phase)

	observe(8700)
	require.Equal(t, ledger.PhaseStable, l.Phase, "within 1.5x tolerance stays stable")

	result := observe(8800)
	require.Equal(t, ledger.PhaseRetraining, l.Phase)
	assert.Equal(t, ledger.PhaseStable, result.From)
	assert.Equal(t, 1, l.RetrainCount)
	assert.Equal(t, 0, l.StableCount)

	observe(8000)
	observe(8000)
	assert.Equal(t, ledger.PhaseCalibrating, l.Phase)
}

func TestPhases_CalibratingDecaysStableCount(t *testing.T) {
	m := NewMachine(config.DefaultCalibration(), nil)
	l := ledger.New("c", 8000)
	l.Phase = ledger.PhaseCalibrating
	l.StableCount = 4

	m.Observe(l, Observation{Actual: 8700, MaxContext: maxContext})
	assert.Equal(t, 3, l.StableCount, "just outside tolerance decays by one")

	m.Observe(l, Observation{Actual: 10000, MaxContext: maxContext})
	assert.Equal(t, 1, l.StableCount, "far outside tolerance decays by two")

	m.Observe(l, Observation{Actual: 10000, MaxContext: maxContext})
	assert.Equal(t, 0, l.StableCount, "never negative")
}

func TestPhases_AdaptiveTrainingCalibratesTarget(t *testing.T) {
	cfg := config.DefaultCalibration()
	cfg.AdaptiveTarget = true
	m := NewMachine(cfg, nil)

	l := ledger.New("c", 4000)
	l.CutoffIndex = 30

	m.Observe(l, Observation{Actual: 4900, MaxContext: maxContext})
	require.Equal(t, ledger.PhaseWaiting, l.Phase, "below start fraction")

	m.Observe(l, Observation{Actual: 5000, MaxContext: maxContext})
	require.Equal(t, ledger.PhaseInitialTraining, l.Phase)

	m.Observe(l, Observation{Actual: 5000, MaxContext: maxContext})
	result := m.Observe(l, Observation{Actual: 5000, MaxContext: maxContext})

	require.Equal(t, ledger.PhaseCalibrating, l.Phase)
	assert.True(t, result.TargetChanged)
	assert.Equal(t, 6800, l.TargetTokens)
	assert.Equal(t, 0, l.CutoffIndex)
}

func TestObserve_UnknownMaxContextKeepsPhase(t *testing.T) {
	m := NewMachine(config.DefaultCalibration(), nil)
	l := ledger.New("c", 8000)

	result := m.Observe(l, Observation{Actual: 9000})

	assert.Equal(t, ledger.PhaseWaiting, result.To)
	assert.Equal(t, 9000, l.LastActualTokens)
}
