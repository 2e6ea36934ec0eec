package controller

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/psotune/internal/metrics"
	"github.com/ChuLiYu/psotune/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeRunner is an in-memory executor view
type fakeRunner struct {
	trials    []*types.Trial
	searchAlg bool
	hook      func()
}

func (f *fakeRunner) LiveTrials() []*types.Trial {
	var live []*types.Trial
	for _, t := range f.trials {
		if t.IsLive() {
			live = append(live, t)
		}
	}
	return live
}

func (f *fakeRunner) Trials() []*types.Trial {
	return f.trials
}

func (f *fakeRunner) HasSearchAlgorithm() bool {
	if f.hook != nil {
		f.hook()
	}
	return f.searchAlg
}

func (f *fakeRunner) get(id string) *types.Trial {
	for _, t := range f.trials {
		if string(t.ID) == id {
			return t
		}
	}
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TimeAttr = "t"
	cfg.Metric = "score"
	cfg.Mode = ModeMax
	cfg.PerturbationInterval = 10
	cfg.Bounds = map[string]types.Bounds{"lr": {Low: 0, High: 1}}
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := NewScheduler(cfg, opts...)
	require.NoError(t, err)
	return s
}

// populate admits one RUNNING trial per lr value, named t0, t1, ...
func populate(t *testing.T, s TrialScheduler, lrs ...float64) *fakeRunner {
	t.Helper()
	r := &fakeRunner{}
	for i, lr := range lrs {
		trial := &types.Trial{
			ID:     types.TrialID(fmt.Sprintf("t%d", i)),
			Status: types.StatusRunning,
			Config: map[string]interface{}{"lr": lr, "batch_size": 32},
		}
		r.trials = append(r.trials, trial)
		require.NoError(t, s.OnTrialAdd(r, trial))
	}
	return r
}

// report delivers a result and applies PAUSE to the trial status
func report(t *testing.T, s TrialScheduler, r *fakeRunner, id string, at, score float64) types.Decision {
	t.Helper()
	trial := r.get(id)
	require.NotNil(t, trial, id)
	d, err := s.OnTrialResult(r, trial, types.Result{"t": at, "score": score})
	require.NoError(t, err)
	if d == types.Pause {
		trial.Status = types.StatusPaused
	}
	return d
}

// runFourTrialRound drives the 4-trial synchronous scenario: scores
// [10, 20, 5, 15] reported at t=10.
func runFourTrialRound(t *testing.T, s *Scheduler) *fakeRunner {
	t.Helper()
	r := populate(t, s, 0.1, 0.2, 0.3, 0.4)
	for i, score := range []float64{10, 20, 5, 15} {
		d := report(t, s, r, fmt.Sprintf("t%d", i), 10, score)
		assert.Equal(t, types.Pause, d, "trial t%d", i)
	}
	return r
}

// ============================================================================
// Configuration
// ============================================================================

func TestNewSchedulerValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.PerturbationInterval = 0 }},
		{"quantile too large", func(c *Config) { c.QuantileFraction = 0.6 }},
		{"quantile zero", func(c *Config) { c.QuantileFraction = 0 }},
		{"bad mode", func(c *Config) { c.Mode = "up" }},
		{"empty time attr", func(c *Config) { c.TimeAttr = "" }},
		{"negative burn-in", func(c *Config) { c.BurnInPeriod = -1 }},
		{"inverted bounds", func(c *Config) { c.Bounds["lr"] = types.Bounds{Low: 1, High: 0} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := NewScheduler(cfg)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestNewSchedulerInitialNextSync(t *testing.T) {
	cfg := testConfig()
	cfg.BurnInPeriod = 25
	s := newTestScheduler(t, cfg)
	assert.Equal(t, 25.0, s.NextSync())

	cfg.BurnInPeriod = 0
	s = newTestScheduler(t, cfg)
	assert.Equal(t, 10.0, s.NextSync())
}

func TestOnTrialAddRequiresMetricAndMode(t *testing.T) {
	cfg := testConfig()
	cfg.Metric = ""
	cfg.Mode = ""
	s := newTestScheduler(t, cfg)

	r := &fakeRunner{}
	trial := &types.Trial{ID: "a", Status: types.StatusPending, Config: map[string]interface{}{"lr": 0.1}}
	r.trials = append(r.trials, trial)

	err := s.OnTrialAdd(r, trial)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, ok := s.State("a")
	assert.False(t, ok, "no trial is admitted on configuration error")

	// Mode only binds the anonymous metric
	require.True(t, s.SetSearchProperties("", ModeMin))
	assert.Equal(t, DefaultMetric, s.Config().Metric)
	require.NoError(t, s.OnTrialAdd(r, trial))
}

func TestSetSearchPropertiesConflicts(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	assert.False(t, s.SetSearchProperties("loss", ""), "metric already set")
	assert.False(t, s.SetSearchProperties("", ModeMin), "mode already set")
	assert.True(t, s.SetSearchProperties("", ""))
	assert.Equal(t, "score", s.Config().Metric)

	cfg := testConfig()
	cfg.Mode = ""
	s = newTestScheduler(t, cfg)
	assert.False(t, s.SetSearchProperties("", "sideways"))
	assert.True(t, s.SetSearchProperties("", ModeMax))
}

func TestOnTrialAddRejectsSearchAlgorithm(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := &fakeRunner{searchAlg: true}
	trial := &types.Trial{ID: "a", Config: map[string]interface{}{"lr": 0.1}}

	assert.ErrorIs(t, s.OnTrialAdd(r, trial), ErrConfiguration)
}

func TestOnTrialAddErrors(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := populate(t, s, 0.1)

	assert.ErrorIs(t, s.OnTrialAdd(r, r.get("t0")), ErrDuplicateTrial)

	missing := &types.Trial{ID: "m", Config: map[string]interface{}{"momentum": 0.9}}
	assert.ErrorIs(t, s.OnTrialAdd(r, missing), ErrInvariant)

	nonNumeric := &types.Trial{ID: "n", Config: map[string]interface{}{"lr": "fast"}}
	assert.ErrorIs(t, s.OnTrialAdd(r, nonNumeric), ErrInvariant)
}

func TestOnTrialAddInitialState(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	populate(t, s, 0.3)

	state, ok := s.State("t0")
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"lr": 0.3}, state.Position)
	assert.Equal(t, map[string]float64{"lr": 0.3}, state.BestPosition)
	assert.Equal(t, map[string]float64{"lr": 0}, state.Velocity)
	assert.Nil(t, state.BestResult)
}

// ============================================================================
// Result attributes
// ============================================================================

func TestRequireAttrsMissingMetric(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := populate(t, s, 0.1)

	_, err := s.OnTrialResult(r, r.get("t0"), types.Result{"t": 10.0})
	assert.ErrorIs(t, err, ErrMissingAttribute)

	_, err = s.OnTrialResult(r, r.get("t0"), types.Result{"score": 1.0})
	assert.ErrorIs(t, err, ErrMissingAttribute)

	_, err = s.OnTrialResult(r, r.get("t0"), types.Result{"t": 10.0, "score": "high"})
	assert.ErrorIs(t, err, ErrInvalidAttribute)

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err = s.OnTrialResult(r, r.get("t0"), types.Result{"t": 10.0, "score": v})
		assert.ErrorIs(t, err, ErrInvalidAttribute, "score %v", v)
	}
	_, err = s.OnTrialResult(r, r.get("t0"), types.Result{"t": math.NaN(), "score": 1.0})
	assert.ErrorIs(t, err, ErrInvalidAttribute)

	state, _ := s.State("t0")
	assert.False(t, state.Scored)
}

func TestNonFiniteScoreKeepsPersonalBest(t *testing.T) {
	cfg := testConfig()
	cfg.Synchronous = false
	cfg.RequireAttrs = false
	s := newTestScheduler(t, cfg)
	r := populate(t, s, 0.5)

	assert.Equal(t, types.Continue, report(t, s, r, "t0", 10, 50))
	s.TakeInstructions()

	for i, v := range []float64{math.NaN(), math.Inf(1)} {
		d, err := s.OnTrialResult(r, r.get("t0"), types.Result{"t": float64(20 + 10*i), "score": v})
		require.NoError(t, err)
		assert.Equal(t, types.Continue, d)
	}
	assert.Empty(t, s.TakeInstructions())

	state, _ := s.State("t0")
	assert.Equal(t, 50.0, state.BestScore)
	assert.Equal(t, 50.0, state.LastScore)
	assert.Equal(t, 10.0, state.LastTrainTime, "non-finite results are ignored entirely")
}

func TestMissingAttrsWarnOnceAndContinue(t *testing.T) {
	cfg := testConfig()
	cfg.RequireAttrs = false

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s, err := NewScheduler(cfg, WithLogger(logger))
	require.NoError(t, err)
	r := populate(t, s, 0.1)

	for i := 0; i < 3; i++ {
		d, err := s.OnTrialResult(r, r.get("t0"), types.Result{"t": 10.0})
		require.NoError(t, err)
		assert.Equal(t, types.Continue, d)
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "Cannot find attribute"))

	// A different missing attribute warns separately
	d, err := s.OnTrialResult(r, r.get("t0"), types.Result{"score": 1.0})
	require.NoError(t, err)
	assert.Equal(t, types.Continue, d)
	assert.Equal(t, 2, strings.Count(buf.String(), "Cannot find attribute"))

	// Non-numeric values are treated as missing
	d, err = s.OnTrialResult(r, r.get("t0"), types.Result{"t": 10.0, "score": "n/a"})
	require.NoError(t, err)
	assert.Equal(t, types.Continue, d)

	state, _ := s.State("t0")
	assert.Zero(t, state.LastTrainTime)
	assert.False(t, state.Scored)
}

func TestOnTrialResultUnknownTrial(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := &fakeRunner{}
	_, err := s.OnTrialResult(r, &types.Trial{ID: "ghost"}, types.Result{"t": 1.0, "score": 1.0})
	assert.ErrorIs(t, err, ErrTrialNotFound)
}

// ============================================================================
// Asynchronous mode
// ============================================================================

func TestAsyncBurnInOnlyBookkeeping(t *testing.T) {
	cfg := testConfig()
	cfg.Synchronous = false
	cfg.BurnInPeriod = 5
	s := newTestScheduler(t, cfg)
	r := populate(t, s, 0.1)

	d := report(t, s, r, "t0", 2, 1)
	assert.Equal(t, types.Continue, d)

	state, _ := s.State("t0")
	assert.Equal(t, 2.0, state.LastTrainTime)
	assert.False(t, state.Scored)
	assert.Zero(t, state.LastPerturbationTime)
	assert.Nil(t, state.BestResult)
	assert.Empty(t, s.TakeInstructions())
	assert.Equal(t, "ParticleSwarmOptimization: 0 checkpoints, 0 perturbs", s.DebugString())
}

func TestIntervalNotReachedContinues(t *testing.T) {
	cfg := testConfig()
	cfg.Synchronous = false
	s := newTestScheduler(t, cfg)
	r := populate(t, s, 0.1)

	assert.Equal(t, types.Continue, report(t, s, r, "t0", 9, 1))
	state, _ := s.State("t0")
	assert.False(t, state.Scored)
	assert.Empty(t, s.TakeInstructions())
}

func TestAsyncPerturbation(t *testing.T) {
	cfg := testConfig()
	cfg.Synchronous = false
	s := newTestScheduler(t, cfg)
	r := populate(t, s, 0.1, 0.2, 0.3)
	r.get("t2").Status = types.StatusPending

	// Single scored trial: explore only, another trial is still pending
	d := report(t, s, r, "t0", 10, 10)
	assert.Equal(t, types.Pause, d)
	instr := s.TakeInstructions()
	require.Len(t, instr, 1)
	assert.Equal(t, types.TrialID("t0"), instr[0].TrialID)
	assert.Empty(t, instr[0].SaveCheckpoint)
	assert.Equal(t, 32, instr[0].Config["batch_size"], "non-tunable keys are preserved")

	state, _ := s.State("t0")
	assert.Equal(t, 10.0, state.LastPerturbationTime)

	// t1 is the upper quantile of {t0, t1}: it checkpoints
	r.get("t2").Status = types.StatusRunning
	d = report(t, s, r, "t1", 10, 20)
	assert.Equal(t, types.Pause, d, "t0 is paused")
	instr = s.TakeInstructions()
	require.Len(t, instr, 1)
	assert.Equal(t, types.CheckpointRef("t1@10"), instr[0].SaveCheckpoint)

	// t0 resumes, reports a worse score and exploits t1
	r.get("t0").Status = types.StatusRunning
	d = report(t, s, r, "t0", 20, 8)
	assert.Equal(t, types.Pause, d, "t1 is paused")
	instr = s.TakeInstructions()
	require.Len(t, instr, 1)
	assert.Equal(t, types.TrialID("t1"), instr[0].Source)
	assert.Equal(t, types.CheckpointRef("t1@10"), instr[0].RestoreFrom)

	state, _ = s.State("t0")
	assert.Equal(t, types.CheckpointRef("t1@10"), state.LastCheckpoint)
	assert.Equal(t, "ParticleSwarmOptimization: 1 checkpoints, 3 perturbs", s.DebugString())
}

func TestAsyncDecisionContinueAndNoop(t *testing.T) {
	cfg := testConfig()
	cfg.Synchronous = false
	s := newTestScheduler(t, cfg)
	r := populate(t, s, 0.1, 0.2)

	assert.Equal(t, types.Continue, report(t, s, r, "t0", 10, 1))

	r.get("t1").Status = types.StatusPaused
	assert.Equal(t, types.Noop, report(t, s, r, "t1", 10, 2))
}

func TestMaxTimeStops(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTime = 30
	s := newTestScheduler(t, cfg)
	r := populate(t, s, 0.1)

	assert.Equal(t, types.Stop, report(t, s, r, "t0", 30, 1))
	state, _ := s.State("t0")
	assert.Equal(t, 30.0, state.LastTrainTime)
}

func TestPersonalBestMonotonic(t *testing.T) {
	cfg := testConfig()
	cfg.Synchronous = false
	cfg.Metric = "loss"
	cfg.Mode = ModeMin
	s := newTestScheduler(t, cfg)
	r := populate(t, s, 0.5)

	losses := []float64{5, 3, 4, 1, 2}
	wantBest := []float64{-5, -3, -3, -1, -1}
	for i, loss := range losses {
		at := float64(10 * (i + 1))
		_, err := s.OnTrialResult(r, r.get("t0"), types.Result{"t": at, "loss": loss})
		require.NoError(t, err)

		state, _ := s.State("t0")
		assert.Equal(t, wantBest[i], state.BestScore, "step %d", i)
		assert.Equal(t, -loss, state.LastScore)
		s.TakeInstructions()
	}
}

func TestAsyncGlobalBestUsesScoredPosition(t *testing.T) {
	cfg := testConfig()
	cfg.Synchronous = false
	s := newTestScheduler(t, cfg)
	r := populate(t, s, 0.9, 0.1)

	report(t, s, r, "t1", 10, 200)
	report(t, s, r, "t0", 10, 100)
	s.TakeInstructions()

	// t0 was pulled toward t1; its score still belongs to lr=0.9
	state, _ := s.State("t0")
	assert.Equal(t, map[string]float64{"lr": 0.9}, state.ScoredPosition)
	assert.Less(t, state.Position["lr"], 0.9)

	// t1 falls behind t0: the attractor is where t0 earned its score
	report(t, s, r, "t1", 20, 50)
	s.TakeInstructions()
	split := s.classify(s.participants(r))
	assert.Equal(t, map[string]float64{"lr": 0.9}, s.globalBest(split))
}

// ============================================================================
// Synchronous mode
// ============================================================================

func TestSyncFourTrialScenario(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := populate(t, s, 0.1, 0.2, 0.3, 0.4)

	for i, score := range []float64{10, 20, 5} {
		d := report(t, s, r, fmt.Sprintf("t%d", i), 10, score)
		assert.Equal(t, types.Pause, d)
		assert.Empty(t, s.TakeInstructions(), "no step before the barrier is reached")
		assert.Equal(t, 10.0, s.NextSync())
	}

	d := report(t, s, r, "t3", 10, 15)
	assert.Equal(t, types.Pause, d)
	assert.Equal(t, 20.0, s.NextSync())

	instr := s.TakeInstructions()
	require.Len(t, instr, 4)

	// upper -> middle (admission order) -> lower
	ids := []types.TrialID{instr[0].TrialID, instr[1].TrialID, instr[2].TrialID, instr[3].TrialID}
	assert.Equal(t, []types.TrialID{"t1", "t0", "t3", "t2"}, ids)

	// trial@20 checkpoints
	assert.Equal(t, types.CheckpointRef("t1@10"), instr[0].SaveCheckpoint)
	assert.Empty(t, instr[0].RestoreFrom)

	// trial@5 exploits trial@20's configuration and checkpoint, then explores
	lower := instr[3]
	assert.Equal(t, types.TrialID("t1"), lower.Source)
	assert.Equal(t, types.CheckpointRef("t1@10"), lower.RestoreFrom)
	lr := lower.Config["lr"].(float64)
	assert.GreaterOrEqual(t, lr, 0.2)
	assert.LessOrEqual(t, lr, 0.25)

	for _, in := range instr[1:3] {
		assert.Empty(t, in.SaveCheckpoint)
		assert.Empty(t, in.RestoreFrom)
	}

	for i := 0; i < 4; i++ {
		state, ok := s.State(types.TrialID(fmt.Sprintf("t%d", i)))
		require.True(t, ok)
		assert.Equal(t, 10.0, state.LastPerturbationTime)
	}
	state, _ := s.State("t2")
	assert.Equal(t, types.CheckpointRef("t1@10"), state.LastCheckpoint)

	assert.Equal(t, "ParticleSwarmOptimization: 1 checkpoints, 4 perturbs", s.DebugString())
}

func TestSyncPausedReporterGetsNoop(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := populate(t, s, 0.1, 0.2)

	r.get("t0").Status = types.StatusPaused
	assert.Equal(t, types.Noop, report(t, s, r, "t0", 10, 1))
}

func TestSyncLaggingReporterPausesAndResumes(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := populate(t, s, 0.1, 0.2)

	assert.Equal(t, types.Pause, report(t, s, r, "t0", 10, 1))
	// t1 jumps far ahead: round fires, barrier moves to 25
	assert.Equal(t, types.Pause, report(t, s, r, "t1", 25, 2))
	assert.Equal(t, 25.0, s.NextSync())
	s.TakeInstructions()

	// t0 is behind the barrier while it is waiting: paused, not continued
	require.Equal(t, r.get("t0"), s.ChooseTrialToRun(r))
	r.get("t0").Status = types.StatusRunning
	assert.Equal(t, types.Pause, report(t, s, r, "t0", 20, 3))
	assert.Empty(t, s.TakeInstructions())
	assert.Equal(t, 25.0, s.NextSync())

	// still below the barrier, so it is the one resumed
	require.Equal(t, r.get("t0"), s.ChooseTrialToRun(r))
	r.get("t0").Status = types.StatusRunning

	// t0 reaches the barrier: everyone is there, next round fires
	assert.Equal(t, types.Pause, report(t, s, r, "t0", 30, 4))
	assert.Len(t, s.TakeInstructions(), 2)
	assert.Equal(t, 35.0, s.NextSync())
}

// Property: a result at or beyond the barrier, or past its perturbation
// interval, never gets anything but PAUSE/NOOP, and each global step
// strictly advances the barrier.
func TestSyncBarrierProperty(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := populate(t, s, 0.1, 0.5, 0.9)
	cadence := map[types.TrialID]float64{"t0": 1, "t1": 3, "t2": 7}
	clock := map[types.TrialID]float64{}
	rng := rand.New(rand.NewSource(3))

	rounds := 0
	for iter := 0; iter < 2000; iter++ {
		var running *types.Trial
		for _, trial := range r.trials {
			if trial.Status == types.StatusRunning {
				running = trial
				break
			}
		}
		if running == nil {
			running = s.ChooseTrialToRun(r)
			require.NotNil(t, running, "scheduler must never stall with live trials")
			running.Status = types.StatusRunning
		}

		clock[running.ID] += cadence[running.ID]
		at := clock[running.ID]
		before := s.NextSync()
		state, ok := s.State(running.ID)
		require.True(t, ok)
		pastInterval := at-state.LastPerturbationTime >= s.Config().PerturbationInterval

		d := report(t, s, r, string(running.ID), at, rng.Float64())
		if at >= before || pastInterval {
			assert.Contains(t, []types.Decision{types.Pause, types.Noop}, d,
				"trial %s at %v with barrier %v", running.ID, at, before)
		}
		if after := s.NextSync(); after != before {
			assert.Greater(t, after, before)
			rounds++
		}

		for _, in := range s.TakeInstructions() {
			r.get(string(in.TrialID)).Config = in.Config
		}
		if clock["t0"] > 200 && clock["t1"] > 200 && clock["t2"] > 200 {
			break
		}
	}
	assert.Greater(t, rounds, 5)
}

// ============================================================================
// ChooseTrialToRun
// ============================================================================

func TestChooseTrialToRunOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.Synchronous = false
	s := newTestScheduler(t, cfg)
	r := populate(t, s, 0.1, 0.2, 0.3, 0.4)

	report(t, s, r, "t0", 5, 1)
	report(t, s, r, "t1", 3, 1)
	report(t, s, r, "t2", 3, 1)
	report(t, s, r, "t3", 1, 1)

	assert.Nil(t, s.ChooseTrialToRun(r), "nothing resumable")

	r.get("t0").Status = types.StatusPaused
	r.get("t1").Status = types.StatusPaused
	r.get("t2").Status = types.StatusPending
	r.get("t3").Status = types.StatusTerminated

	// t1 and t2 tie on train time; executor order decides
	chosen := s.ChooseTrialToRun(r)
	require.NotNil(t, chosen)
	assert.Equal(t, types.TrialID("t1"), chosen.ID)
	assert.Same(t, chosen, s.ChooseTrialToRun(r), "idempotent")

	// A pending trial the scheduler never admitted is skipped
	r.trials = append([]*types.Trial{{ID: "stranger", Status: types.StatusPending}}, r.trials...)
	assert.Equal(t, types.TrialID("t1"), s.ChooseTrialToRun(r).ID)
}

func TestChooseTrialToRunSyncExcludesTrialsAtBarrier(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := populate(t, s, 0.1, 0.2)

	report(t, s, r, "t0", 10, 1)
	r.get("t1").Status = types.StatusPaused

	chosen := s.ChooseTrialToRun(r)
	require.NotNil(t, chosen)
	assert.Equal(t, types.TrialID("t1"), chosen.ID, "t0 already waits at the barrier")
}

func TestChooseTrialToRunAfterRound(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := runFourTrialRound(t, s)

	chosen := s.ChooseTrialToRun(r)
	require.NotNil(t, chosen)
	assert.Equal(t, types.TrialID("t0"), chosen.ID)
}

func TestChooseTrialToRunRecoversStall(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := populate(t, s, 0.1, 0.2, 0.3)

	report(t, s, r, "t0", 10, 1)
	report(t, s, r, "t1", 10, 2)

	// The only lagging trial fails and is removed
	r.get("t2").Status = types.StatusError
	s.OnTrialRemove(r, r.get("t2"))
	assert.Empty(t, s.TakeInstructions())

	chosen := s.ChooseTrialToRun(r)
	require.NotNil(t, chosen)
	assert.Equal(t, types.TrialID("t0"), chosen.ID)
	assert.Equal(t, 20.0, s.NextSync())
	assert.Len(t, s.TakeInstructions(), 2)

	// No second round on repeated calls
	assert.Equal(t, types.TrialID("t0"), s.ChooseTrialToRun(r).ID)
	assert.Empty(t, s.TakeInstructions())
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestCompleteAndRemoveAreIdempotent(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := populate(t, s, 0.1, 0.2)

	s.OnTrialComplete(r, r.get("t0"), types.Result{"t": 10.0})
	s.OnTrialComplete(r, r.get("t0"), nil)
	s.OnTrialRemove(r, r.get("t0"))
	s.OnTrialRemove(r, &types.Trial{ID: "never-added"})

	_, ok := s.State("t0")
	assert.False(t, ok)
	_, ok = s.State("t1")
	assert.True(t, ok)

	_, err := s.OnTrialResult(r, r.get("t0"), types.Result{"t": 10.0, "score": 1.0})
	assert.ErrorIs(t, err, ErrTrialNotFound)
}

func TestReentrantCallsAreRejected(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	r := populate(t, s, 0.1)

	var nested []error
	r.hook = func() {
		nested = append(nested, s.OnTrialAdd(r, &types.Trial{ID: "x", Config: map[string]interface{}{"lr": 0.1}}))
		_, err := s.OnTrialResult(r, r.get("t0"), types.Result{"t": 10.0, "score": 1.0})
		nested = append(nested, err)
		nested = append(nested, s.Restore(types.SnapshotData{}))
		assert.Nil(t, s.ChooseTrialToRun(r))
		assert.False(t, s.SetSearchProperties("", ""))
		s.OnTrialRemove(r, r.get("t0"))
	}

	trial := &types.Trial{ID: "outer", Status: types.StatusPending, Config: map[string]interface{}{"lr": 0.5}}
	r.trials = append(r.trials, trial)
	require.NoError(t, s.OnTrialAdd(r, trial))

	require.Len(t, nested, 3)
	for _, err := range nested {
		assert.ErrorIs(t, err, ErrReentrantCall)
	}
	_, ok := s.State("t0")
	assert.True(t, ok, "nested remove was ignored")
	_, ok = s.State("x")
	assert.False(t, ok)

	// The guard is released afterwards
	r.hook = nil
	assert.NotNil(t, s.ChooseTrialToRun(r))
}

func TestDeterministicForSeed(t *testing.T) {
	run := func() []types.Instruction {
		cfg := testConfig()
		cfg.Seed = 7
		s := newTestScheduler(t, cfg)
		runFourTrialRound(t, s)
		return s.TakeInstructions()
	}
	assert.Equal(t, run(), run())
}

func TestMetricsWired(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestScheduler(t, testConfig(), WithMetrics(metrics.NewCollector(reg)))
	runFourTrialRound(t, s)

	expected := `
# HELP psotune_sync_rounds_total Total number of synchronous global steps
# TYPE psotune_sync_rounds_total counter
psotune_sync_rounds_total 1
# HELP psotune_checkpoints_total Total number of checkpoint saves requested
# TYPE psotune_checkpoints_total counter
psotune_checkpoints_total 1
# HELP psotune_next_sync_timestep Time attribute value of the next synchronization barrier
# TYPE psotune_next_sync_timestep gauge
psotune_next_sync_timestep 20
# HELP psotune_best_score Best sign-adjusted score in the live population
# TYPE psotune_best_score gauge
psotune_best_score 20
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"psotune_sync_rounds_total", "psotune_checkpoints_total",
		"psotune_next_sync_timestep", "psotune_best_score")
	assert.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "psotune_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only PAUSE decisions so far")
}
