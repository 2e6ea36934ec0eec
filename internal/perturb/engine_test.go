package perturb

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/psotune/internal/quantile"
	"github.com/ChuLiYu/psotune/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testParams() Params {
	return Params{
		Inertia:     0.5,
		LocalSlope:  0.5,
		GlobalSlope: 0.5,
		StepSize:    0,
		Bounds: map[string]types.Bounds{
			"lr":       {Low: 0.0001, High: 0.1},
			"momentum": {Low: 0, High: 1},
		},
	}
}

func newTestEngine(t *testing.T, params Params, seed int64) *Engine {
	t.Helper()
	e, err := NewEngine(params, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return e
}

func particle(id string, lr, momentum float64, ckpt types.CheckpointRef) Particle {
	pos := map[string]float64{"lr": lr, "momentum": momentum}
	return Particle{
		ID:           types.TrialID(id),
		Position:     pos,
		BestPosition: map[string]float64{"lr": lr, "momentum": momentum},
		Velocity:     map[string]float64{"lr": 0, "momentum": 0},
		Checkpoint:   ckpt,
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewEngineRejectsInvertedBounds(t *testing.T) {
	params := testParams()
	params.Bounds["bad"] = types.Bounds{Low: 2, High: 1}

	_, err := NewEngine(params, nil)
	assert.ErrorIs(t, err, ErrInvalidBounds)
}

func TestDimensionsSorted(t *testing.T) {
	e := newTestEngine(t, testParams(), 1)
	assert.Equal(t, []string{"lr", "momentum"}, e.Dimensions())
}

func TestStepDeterministicForSeed(t *testing.T) {
	p := particle("a", 0.05, 0.3, "")
	p.BestPosition = map[string]float64{"lr": 0.02, "momentum": 0.9}
	p.Velocity = map[string]float64{"lr": 0.001, "momentum": -0.1}
	gbest := map[string]float64{"lr": 0.08, "momentum": 0.5}

	run := func() []Plan {
		e := newTestEngine(t, testParams(), 42)
		var plans []Plan
		for i := 0; i < 5; i++ {
			plan, err := e.Step(p, quantile.Middle, nil, gbest)
			require.NoError(t, err)
			plans = append(plans, plan)
		}
		return plans
	}

	assert.Equal(t, run(), run())
}

func TestStepVelocityFormula(t *testing.T) {
	params := testParams()
	params.Bounds = map[string]types.Bounds{"x": {Low: -100, High: 100}}

	p := Particle{
		ID:           "a",
		Position:     map[string]float64{"x": 1},
		BestPosition: map[string]float64{"x": 3},
		Velocity:     map[string]float64{"x": 2},
	}
	gbest := map[string]float64{"x": 5}

	// Replay the random stream the engine will consume
	ref := rand.New(rand.NewSource(9))
	r1, r2 := ref.Float64(), ref.Float64()
	wantV := 0.5*2 + 0.5*r1*(3-1) + 0.5*r2*(5-1)

	e := newTestEngine(t, params, 9)
	plan, err := e.Step(p, quantile.Upper, nil, gbest)
	require.NoError(t, err)

	assert.InDelta(t, wantV, plan.Velocity["x"], 1e-12)
	assert.InDelta(t, 1+wantV, plan.Position["x"], 1e-12)
	assert.False(t, plan.Exploited)
}

func TestStepClipsToBounds(t *testing.T) {
	params := testParams()
	params.Inertia = 10
	e := newTestEngine(t, params, 3)

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 500; i++ {
		p := particle("a", rng.Float64()*0.1, rng.Float64(), "")
		p.Velocity = map[string]float64{"lr": rng.NormFloat64(), "momentum": rng.NormFloat64() * 5}
		gbest := map[string]float64{"lr": rng.Float64(), "momentum": rng.Float64() * 3}

		plan, err := e.Step(p, quantile.Middle, nil, gbest)
		require.NoError(t, err)

		for dim, b := range params.Bounds {
			assert.GreaterOrEqual(t, plan.Position[dim], b.Low, dim)
			assert.LessOrEqual(t, plan.Position[dim], b.High, dim)
		}
	}
}

func TestStepClipIsExactAtBoundary(t *testing.T) {
	params := testParams()
	params.Bounds = map[string]types.Bounds{"x": {Low: 0, High: 1}}
	e := newTestEngine(t, params, 1)

	p := Particle{
		ID:           "a",
		Position:     map[string]float64{"x": 0.9},
		BestPosition: map[string]float64{"x": 0.9},
		Velocity:     map[string]float64{"x": 4},
	}
	plan, err := e.Step(p, quantile.Middle, nil, map[string]float64{"x": 0.9})
	require.NoError(t, err)
	assert.Equal(t, 1.0, plan.Position["x"])
}

func TestStepSizeClampsVelocity(t *testing.T) {
	params := testParams()
	params.StepSize = 0.05
	params.Bounds = map[string]types.Bounds{"x": {Low: -10, High: 10}}
	e := newTestEngine(t, params, 5)

	p := Particle{
		ID:           "a",
		Position:     map[string]float64{"x": 0},
		BestPosition: map[string]float64{"x": 8},
		Velocity:     map[string]float64{"x": -3},
	}
	plan, err := e.Step(p, quantile.Middle, nil, map[string]float64{"x": -8})
	require.NoError(t, err)
	assert.LessOrEqual(t, plan.Velocity["x"], 0.05)
	assert.GreaterOrEqual(t, plan.Velocity["x"], -0.05)
}

func TestStepExploitCopiesUpperTrial(t *testing.T) {
	e := newTestEngine(t, testParams(), 1)

	weak := particle("weak", 0.0001, 0.1, "weak@3")
	strong := particle("strong", 0.05, 0.9, "strong@5")

	plan, err := e.Step(weak, quantile.Lower, []Particle{strong}, strong.Position)
	require.NoError(t, err)

	assert.True(t, plan.Exploited)
	assert.Equal(t, types.TrialID("strong"), plan.Source)
	assert.Equal(t, types.CheckpointRef("strong@5"), plan.RestoreFrom)

	// Explore starts from the copied position; with pbest pulling back toward
	// the weak trial's own best the new lr stays between the two.
	assert.GreaterOrEqual(t, plan.Position["lr"], 0.0001)
	assert.LessOrEqual(t, plan.Position["lr"], 0.05)
}

func TestStepExploitSkippedWithoutCheckpoint(t *testing.T) {
	e := newTestEngine(t, testParams(), 1)

	weak := particle("weak", 0.0001, 0.1, "")
	strong := particle("strong", 0.05, 0.9, "")

	plan, err := e.Step(weak, quantile.Lower, []Particle{strong}, strong.Position)
	require.NoError(t, err)

	assert.False(t, plan.Exploited)
	assert.True(t, plan.ExploitSkipped)
	assert.Equal(t, types.TrialID("strong"), plan.Source)
	assert.Empty(t, plan.RestoreFrom)
}

func TestStepNoExploitOutsideLowerQuantile(t *testing.T) {
	e := newTestEngine(t, testParams(), 1)
	strong := particle("strong", 0.05, 0.9, "strong@5")

	for _, role := range []quantile.Role{quantile.Upper, quantile.Middle} {
		plan, err := e.Step(particle("x", 0.01, 0.5, ""), role, []Particle{strong}, strong.Position)
		require.NoError(t, err)
		assert.False(t, plan.Exploited, role.String())
		assert.Empty(t, plan.Source, role.String())
	}

	// Lower with an empty upper set is explore only
	plan, err := e.Step(particle("x", 0.01, 0.5, ""), quantile.Lower, nil, strong.Position)
	require.NoError(t, err)
	assert.False(t, plan.Exploited)
}

func TestStepDimensionMismatch(t *testing.T) {
	e := newTestEngine(t, testParams(), 1)

	p := particle("a", 0.01, 0.5, "")
	delete(p.Velocity, "momentum")

	_, err := e.Step(p, quantile.Middle, nil, map[string]float64{"lr": 0.1, "momentum": 0.1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = e.Step(particle("a", 0.01, 0.5, ""), quantile.Middle, nil, map[string]float64{"lr": 0.1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestStepDoesNotMutateInput(t *testing.T) {
	e := newTestEngine(t, testParams(), 1)
	p := particle("a", 0.01, 0.5, "")

	_, err := e.Step(p, quantile.Middle, nil, map[string]float64{"lr": 0.1, "momentum": 0.1})
	require.NoError(t, err)
	assert.Equal(t, 0.01, p.Position["lr"])
	assert.Equal(t, 0.0, p.Velocity["lr"])
}

func TestExtractAndApplyPosition(t *testing.T) {
	config := map[string]interface{}{"lr": 0.01, "momentum": 1, "optimizer": "sgd"}

	pos, err := ExtractPosition(config, []string{"lr", "momentum"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"lr": 0.01, "momentum": 1}, pos)

	_, err = ExtractPosition(config, []string{"optimizer"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = ExtractPosition(config, []string{"missing"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	out := ApplyPosition(config, map[string]float64{"lr": 0.02})
	assert.Equal(t, 0.02, out["lr"])
	assert.Equal(t, "sgd", out["optimizer"])
	assert.Equal(t, 0.01, config["lr"], "input config untouched")

	assert.Equal(t, map[string]interface{}{"x": 1.0}, ApplyPosition(nil, map[string]float64{"x": 1}))
}
