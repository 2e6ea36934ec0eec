// ============================================================================
// psotune Runner - 本地模擬執行器
// ============================================================================
//
// Package: internal/runner
// 文件: runner.go
// 功能: 在本機以 worker pool 執行模擬訓練，並以生命週期回呼驅動任一調度器
//
// 事件迴圈:
//   ┌──────────────────────────────────────────────────────────┐
//   │ 1. 填滿並行槽位：ChooseTrialToRun → RUNNING → Submit      │
//   │ 2. 等待一個訓練步驟結果：ReceiveResult                    │
//   │ 3. OnTrialResult → 套用指令 → 依決策繼續 / 暫停 / 終止    │
//   │ 4. 回呼之外 Flush journal，必要時寫入快照                 │
//   └──────────────────────────────────────────────────────────┘
//
// 調度器只在這一個 goroutine 中被呼叫；訓練步驟在 worker pool 中並行。
//
// 檢查點:
//   模型狀態只是一個 float64，檢查點以 CheckpointRef 為鍵保存在記憶體。
//   恢復檢查點只複製模型狀態，試驗自己的 training_iteration 不變。
//
// 錯誤處理:
//   - 訓練步驟失敗：試驗標記為 ERROR，呼叫 OnTrialRemove，繼續執行
//   - 調度器回傳錯誤：整個執行中止並回傳該錯誤
//   - 還有存活試驗卻沒有可執行的試驗：ErrStalled
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/psotune/internal/controller"
	"github.com/ChuLiYu/psotune/internal/metrics"
	"github.com/ChuLiYu/psotune/internal/snapshot"
	"github.com/ChuLiYu/psotune/internal/storage/journal"
	"github.com/ChuLiYu/psotune/internal/worker"
	"github.com/ChuLiYu/psotune/pkg/types"
)

var log = slog.Default()

// ErrStalled 還有存活試驗，但調度器沒有選出任何可執行的試驗
var ErrStalled = errors.New("runner stalled: live trials remain but none can be scheduled")

// instructionSource 會產生擾動指令的調度器
type instructionSource interface {
	TakeInstructions() []types.Instruction
}

// snapshotter 可以把狀態寫入快照的調度器
type snapshotter interface {
	SaveSnapshot(m *snapshot.Manager) error
}

// Options 模擬參數
type Options struct {
	Trials        int                     // 試驗數
	Parallel      int                     // 同時執行的訓練步驟數
	MaxIterations int                     // 每個試驗的訓練步驟上限
	Space         map[string]types.Bounds // 初始設定的取樣範圍
	Fixed         map[string]interface{}  // 不參與搜尋的固定設定
	TimeAttr      string                  // 結果中的時間屬性
	Metric        string                  // 結果中的目標指標
	Mode          string                  // min | max，用於摘要中的最佳試驗
	StepTimeout   time.Duration           // 單一訓練步驟的超時
	Seed          int64                   // 初始設定取樣的種子
	SnapshotEvery int                     // 每處理 N 個結果寫一次快照，<= 0 不寫
}

// DefaultOptions 預設模擬參數
func DefaultOptions() Options {
	return Options{
		Trials:        4,
		Parallel:      2,
		MaxIterations: 50,
		TimeAttr:      "training_iteration",
		Metric:        "score",
		Mode:          controller.ModeMax,
		StepTimeout:   5 * time.Second,
		Seed:          1,
	}
}

// Summary 一次模擬的結果摘要
type Summary struct {
	Scheduler  string                 // 調度器的 DebugString
	Trials     int                    // 試驗總數
	Completed  int                    // 正常結束的試驗數
	Failed     int                    // 失敗的試驗數
	Steps      int                    // 執行的訓練步驟數
	Restores   int                    // 套用的檢查點恢復次數
	Best       types.TrialID          // 最佳試驗
	BestScore  float64                // 最佳試驗的最後分數
	BestConfig map[string]interface{} // 最佳試驗的最後設定
	Duration   time.Duration          // 總耗時
}

// progress 執行器端每個試驗的訓練進度
type progress struct {
	iteration int
	model     float64
	score     float64
	scored    bool
	inFlight  bool
	deferred  []types.Instruction // 步驟執行中收到的指令
}

// Runner 本地模擬執行器，實作 controller.TrialRunner
type Runner struct {
	opts      Options
	scheduler controller.TrialScheduler
	step      worker.StepFunc

	journal  *journal.Journal
	snapshot *snapshot.Manager
	metrics  *metrics.Collector
	logger   *slog.Logger
	rng      *rand.Rand

	trials      []*types.Trial // 執行器順序
	byID        map[types.TrialID]*types.Trial
	progress    map[types.TrialID]*progress
	checkpoints map[types.CheckpointRef]float64

	summary Summary
}

// Option 執行器選項
type Option func(*Runner)

// WithJournal 由執行器在回呼之外 Flush 的 journal
func WithJournal(j *journal.Journal) Option {
	return func(r *Runner) { r.journal = j }
}

// WithSnapshots 定期寫入調度器快照
func WithSnapshots(m *snapshot.Manager) Option {
	return func(r *Runner) { r.snapshot = m }
}

// WithMetrics 記錄訓練步驟耗時
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = c }
}

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 建立執行器
//
// 參數說明：
//   - opts: 模擬參數
//   - scheduler: 任一調度策略
//   - step: 訓練步驟實作（例如 worker.Synthetic）
func New(opts Options, scheduler controller.TrialScheduler, step worker.StepFunc, options ...Option) (*Runner, error) {
	if opts.Trials <= 0 {
		return nil, fmt.Errorf("trials must be positive, got %d", opts.Trials)
	}
	if opts.Parallel <= 0 {
		return nil, fmt.Errorf("parallel must be positive, got %d", opts.Parallel)
	}
	if opts.MaxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be positive, got %d", opts.MaxIterations)
	}
	if scheduler == nil || step == nil {
		return nil, errors.New("scheduler and step function are required")
	}

	r := &Runner{
		opts:        opts,
		scheduler:   scheduler,
		step:        step,
		logger:      log,
		rng:         rand.New(rand.NewSource(opts.Seed)),
		byID:        make(map[types.TrialID]*types.Trial),
		progress:    make(map[types.TrialID]*progress),
		checkpoints: make(map[types.CheckpointRef]float64),
	}
	for _, o := range options {
		o(r)
	}
	return r, nil
}

// ============================================================================
// controller.TrialRunner
// ============================================================================

// LiveTrials 狀態不是 ERROR / TERMINATED 的試驗
func (r *Runner) LiveTrials() []*types.Trial {
	live := make([]*types.Trial, 0, len(r.trials))
	for _, t := range r.trials {
		if t.IsLive() {
			live = append(live, t)
		}
	}
	return live
}

// Trials 所有試驗，依執行器順序
func (r *Runner) Trials() []*types.Trial {
	return r.trials
}

// HasSearchAlgorithm 本地執行器不掛載搜尋演算法
func (r *Runner) HasSearchAlgorithm() bool {
	return false
}

// ============================================================================
// 事件迴圈
// ============================================================================

// Run 執行模擬直到所有試驗結束
//
// 錯誤處理：
//   - 調度器回呼錯誤：原樣包裝回傳
//   - ErrStalled: 執行器卡住
//   - ctx.Err(): 被取消
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	r.summary = Summary{Trials: r.opts.Trials}

	pool := worker.NewPool(r.opts.Trials, r.step)
	if err := pool.Start(r.opts.Parallel); err != nil {
		return r.summary, fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	if err := r.admit(); err != nil {
		return r.summary, err
	}

	running := 0
	processed := 0
	for {
		// 1. 填滿並行槽位
		for running < r.opts.Parallel {
			t := r.scheduler.ChooseTrialToRun(r)
			r.applyInstructions()
			if t == nil {
				break
			}
			if err := r.launch(ctx, pool, t); err != nil {
				return r.finish(start), err
			}
			running++
		}

		if running == 0 {
			if len(r.LiveTrials()) == 0 {
				break
			}
			r.logger.Error("Runner stalled", "live", len(r.LiveTrials()), "scheduler", r.scheduler.DebugString())
			return r.finish(start), ErrStalled
		}

		// 2. 等待結果
		res, err := pool.ReceiveResult(ctx)
		if err != nil {
			return r.finish(start), fmt.Errorf("failed to receive step result: %w", err)
		}
		running--
		r.summary.Steps++
		r.metrics.ObserveStepDuration(res.Duration.Seconds())

		// 3. 交給調度器
		again, err := r.handle(res)
		if err != nil {
			return r.finish(start), err
		}
		if again != nil {
			if err := r.launch(ctx, pool, again); err != nil {
				return r.finish(start), err
			}
			running++
		}

		// 4. 回呼之外的 I/O
		if err := r.journal.Flush(); err != nil {
			return r.finish(start), fmt.Errorf("failed to flush journal: %w", err)
		}
		processed++
		if r.opts.SnapshotEvery > 0 && processed%r.opts.SnapshotEvery == 0 {
			r.takeSnapshot()
		}
	}

	r.takeSnapshot()
	summary := r.finish(start)
	r.logger.Info("Simulation finished",
		"trials", summary.Trials,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"steps", summary.Steps,
		"best", summary.Best,
		"best_score", summary.BestScore,
		"duration", summary.Duration)
	return summary, nil
}

// admit 建立所有試驗並交給調度器
func (r *Runner) admit() error {
	dims := slices.Sorted(maps.Keys(r.opts.Space))
	for i := 0; i < r.opts.Trials; i++ {
		config := maps.Clone(r.opts.Fixed)
		if config == nil {
			config = make(map[string]interface{})
		}
		for _, dim := range dims {
			b := r.opts.Space[dim]
			config[dim] = b.Low + r.rng.Float64()*(b.High-b.Low)
		}

		t := &types.Trial{
			ID:     types.TrialID(uuid.NewString()),
			Status: types.StatusPending,
			Config: config,
		}
		r.trials = append(r.trials, t)
		r.byID[t.ID] = t
		r.progress[t.ID] = &progress{}

		if err := r.scheduler.OnTrialAdd(r, t); err != nil {
			return fmt.Errorf("failed to add trial %s: %w", t.ID, err)
		}
		r.logger.Debug("Trial added", "trial", t.ID, "config", config)
	}
	return r.journal.Flush()
}

// launch 將試驗標記為 RUNNING 並送出下一個訓練步驟
func (r *Runner) launch(ctx context.Context, pool *worker.Pool, t *types.Trial) error {
	p := r.progress[t.ID]
	t.Status = types.StatusRunning
	p.inFlight = true

	err := pool.Submit(ctx, worker.Task{
		TrialID:   t.ID,
		Config:    maps.Clone(t.Config),
		Iteration: p.iteration + 1,
		Model:     p.model,
		Timeout:   r.opts.StepTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to submit step of trial %s: %w", t.ID, err)
	}
	return nil
}

// handle 處理一個訓練步驟結果；回傳需要立即繼續訓練的試驗
func (r *Runner) handle(res worker.Result) (*types.Trial, error) {
	t := r.byID[res.TrialID]
	p := r.progress[res.TrialID]
	p.inFlight = false

	if !res.Success {
		r.logger.Warn("Trial failed", "trial", t.ID, "iteration", res.Iteration, "error", res.Error)
		t.Status = types.StatusError
		r.summary.Failed++
		r.scheduler.OnTrialRemove(r, t)
		r.applyInstructions()
		return nil, nil
	}

	p.iteration = res.Iteration
	p.model = res.Model
	p.score = res.Score
	p.scored = true

	result := types.Result{
		r.opts.TimeAttr: float64(res.Iteration),
		r.opts.Metric:   res.Score,
		"model":         res.Model,
	}
	decision, err := r.scheduler.OnTrialResult(r, t, result)
	if err != nil {
		return nil, fmt.Errorf("scheduler rejected result of trial %s: %w", t.ID, err)
	}

	// 步驟執行中收到的指令先套用，再套用本次產生的指令
	deferred := p.deferred
	p.deferred = nil
	for _, in := range deferred {
		r.apply(in)
	}
	r.applyInstructions()

	if decision == types.Stop || p.iteration >= r.opts.MaxIterations {
		t.Status = types.StatusTerminated
		r.summary.Completed++
		r.scheduler.OnTrialComplete(r, t, result)
		r.applyInstructions()
		r.logger.Debug("Trial completed", "trial", t.ID, "iteration", p.iteration, "decision", decision)
		return nil, nil
	}

	switch decision {
	case types.Pause:
		t.Status = types.StatusPaused
		return nil, nil
	case types.Continue, types.Noop:
		if t.Status == types.StatusRunning {
			return t, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown decision %q for trial %s", decision, t.ID)
	}
}

// applyInstructions 取走並套用調度器產生的所有指令
func (r *Runner) applyInstructions() {
	src, ok := r.scheduler.(instructionSource)
	if !ok {
		return
	}
	for _, in := range src.TakeInstructions() {
		if p := r.progress[in.TrialID]; p != nil && p.inFlight {
			p.deferred = append(p.deferred, in)
			continue
		}
		r.apply(in)
	}
}

// apply 依序：儲存檢查點 → 恢復檢查點 → 更新設定
func (r *Runner) apply(in types.Instruction) {
	t := r.byID[in.TrialID]
	p := r.progress[in.TrialID]
	if t == nil || p == nil {
		r.logger.Warn("Instruction for unknown trial", "trial", in.TrialID)
		return
	}

	if in.SaveCheckpoint != "" {
		r.checkpoints[in.SaveCheckpoint] = p.model
		t.Checkpoint = in.SaveCheckpoint
	}
	if in.RestoreFrom != "" {
		model, ok := r.checkpoints[in.RestoreFrom]
		if ok {
			p.model = model
			t.Checkpoint = in.RestoreFrom
			r.summary.Restores++
		} else {
			r.logger.Warn("Checkpoint not found, keeping current model",
				"trial", t.ID, "checkpoint", in.RestoreFrom)
		}
	}
	if in.Config != nil {
		t.Config = in.Config
	}
}

func (r *Runner) takeSnapshot() {
	if r.snapshot == nil {
		return
	}
	s, ok := r.scheduler.(snapshotter)
	if !ok {
		return
	}
	if err := s.SaveSnapshot(r.snapshot); err != nil {
		r.logger.Error("Failed to take snapshot", "error", err)
	}
}

// finish 計算摘要
func (r *Runner) finish(start time.Time) Summary {
	s := r.summary
	s.Scheduler = r.scheduler.DebugString()
	s.Duration = time.Since(start)

	sign := 1.0
	if r.opts.Mode == controller.ModeMin {
		sign = -1
	}
	found := false
	for _, t := range r.trials {
		p := r.progress[t.ID]
		if t.Status == types.StatusError || !p.scored {
			continue
		}
		if !found || sign*p.score > sign*s.BestScore {
			found = true
			s.Best = t.ID
			s.BestScore = p.score
			s.BestConfig = maps.Clone(t.Config)
		}
	}
	return s
}
