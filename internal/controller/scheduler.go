// ============================================================================
// psotune 調度器 - PSO 族群調度核心
// ============================================================================
//
// Package: internal/controller
// 文件: scheduler.go
// 功能: 實作試驗生命週期回呼，決定暫停、恢復、檢查點與超參數擾動
//
// 架構設計:
//   Scheduler 是唯一持有並修改試驗狀態的元件，組合以下模組：
//   - population.Store: 每個試驗的 TrialState（准入順序）
//   - quantile: 依分數切分上分位 / 中間 / 下分位
//   - syncgate.Gate: 同步模式下的屏障與 nextSyncTimestep
//   - perturb.Engine: exploit + PSO explore
//   - journal / metrics: 選用的稽核紀錄與監控
//
// OnTrialResult 流程:
//   1. 屬性檢查（time_attr / metric）
//   2. 記錄 lastTrainTime；MaxTime → STOP；暖機期 → CONTINUE
//   3. 擾動間隔未到 → CONTINUE
//   4. 記錄分數、結果、位置與個人最佳（唯一的寫入點）
//   5. 非同步：只擾動本試驗
//      同步：所有存活試驗到達屏障後才執行一輪全域步驟
//
// 對執行器的輸出:
//   - 回傳值：CONTINUE / PAUSE / STOP / NOOP
//   - 指令：擾動產生的 Instruction 放入 outbox，由 TakeInstructions 取走
//
// 並發模型:
//   單執行緒、不可重入。回呼期間再次呼叫會得到 ErrReentrantCall
//   （無回傳值的回呼則記錄錯誤並忽略）。回呼內不做任何阻塞 I/O：
//   journal 只寫入緩衝區，由擁有者在回呼之外 Flush。
//
// ============================================================================

package controller

import (
	"fmt"
	"log/slog"
	"maps"
	"math"
	"math/rand"
	"slices"
	"sync/atomic"

	"github.com/ChuLiYu/psotune/internal/metrics"
	"github.com/ChuLiYu/psotune/internal/perturb"
	"github.com/ChuLiYu/psotune/internal/population"
	"github.com/ChuLiYu/psotune/internal/storage/journal"
	"github.com/ChuLiYu/psotune/internal/syncgate"
	"github.com/ChuLiYu/psotune/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Scheduler PSO 族群調度器
type Scheduler struct {
	config   Config
	metricOp float64 // +1 (max) / -1 (min)；0 表示 mode 未決定

	store  *population.Store
	gate   *syncgate.Gate
	engine *perturb.Engine

	journal *journal.Journal
	metrics *metrics.Collector
	logger  *slog.Logger
	rng     *rand.Rand

	busy   atomic.Bool         // 重入保護
	outbox []types.Instruction // 尚未交給執行器的指令
	warned map[string]bool     // 已警告過的缺少屬性種類

	numCheckpoints   int
	numPerturbations int
}

// Option 調度器選項
type Option func(*Scheduler)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics 指定監控收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) {
		s.metrics = c
	}
}

// WithJournal 指定決策日誌
func WithJournal(j *journal.Journal) Option {
	return func(s *Scheduler) {
		s.journal = j
	}
}

// WithRand 指定擾動引擎的亂數來源（覆蓋 Config.Seed）
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.rng = r
		}
	}
}

// NewScheduler 建立 PSO 調度器
//
// 參數說明：
//   - config: 調度器配置（會先 Validate）
//   - opts: logger / metrics / journal / rand 選項
//
// 錯誤處理：
//   - ErrConfiguration: 配置不合法
func NewScheduler(config Config, opts ...Option) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.Bounds = maps.Clone(config.Bounds)

	s := &Scheduler{
		config:   config,
		metricOp: metricOp(config.Mode),
		store:    population.NewStore(),
		logger:   log,
		warned:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(config.Seed))
	}
	if s.config.Metric == "" && s.config.Mode != "" {
		s.config.Metric = DefaultMetric
	}

	gate, err := syncgate.New(config.BurnInPeriod, config.PerturbationInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	engine, err := perturb.NewEngine(perturb.Params{
		Inertia:     config.Inertia,
		LocalSlope:  config.LocalSlope,
		GlobalSlope: config.GlobalSlope,
		StepSize:    config.StepSize,
		Bounds:      config.Bounds,
	}, s.rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	s.gate = gate
	s.engine = engine

	s.metrics.SetNextSync(gate.Next())
	return s, nil
}

// Config 目前的配置（含 SetSearchProperties 的結果）
func (s *Scheduler) Config() Config {
	c := s.config
	c.Bounds = maps.Clone(s.config.Bounds)
	return c
}

// NextSync 下一個同步時間點
func (s *Scheduler) NextSync() float64 {
	return s.gate.Next()
}

// State 取得試驗狀態的複本（測試與狀態查詢用）
func (s *Scheduler) State(id types.TrialID) (types.TrialState, bool) {
	state := s.store.Get(id)
	if state == nil {
		return types.TrialState{}, false
	}
	c := *state
	c.Position = maps.Clone(state.Position)
	c.ScoredPosition = maps.Clone(state.ScoredPosition)
	c.BestPosition = maps.Clone(state.BestPosition)
	c.Velocity = maps.Clone(state.Velocity)
	return c, true
}

// SetSearchProperties 延後決定 metric / mode
//
// 返回值：
//   - false: 已設定過且又傳入新值、mode 不合法，或有回呼正在執行
//
// 只傳入 mode 時使用匿名 metric "_metric"。
func (s *Scheduler) SetSearchProperties(metric, mode string) bool {
	if !s.enter() {
		return false
	}
	defer s.exit()

	if s.config.Metric != "" && metric != "" {
		return false
	}
	if s.config.Mode != "" && mode != "" {
		return false
	}
	if mode != "" && metricOp(mode) == 0 {
		return false
	}

	if metric != "" {
		s.config.Metric = metric
	}
	if mode != "" {
		s.config.Mode = mode
		s.metricOp = metricOp(mode)
	}
	if s.config.Metric == "" && s.config.Mode != "" {
		s.config.Metric = DefaultMetric
	}
	return true
}

// ============================================================================
// 生命週期回呼
// ============================================================================

// OnTrialAdd 准入新試驗並建立 TrialState
//
// 錯誤處理：
//   - ErrConfiguration: 已掛載搜尋演算法，或 metric/mode 未決定
//   - ErrDuplicateTrial: 試驗已被准入
//   - ErrInvariant: 設定缺少可調維度或該維度不是數值
func (s *Scheduler) OnTrialAdd(r TrialRunner, t *types.Trial) error {
	if !s.enter() {
		return ErrReentrantCall
	}
	defer s.exit()

	if r.HasSearchAlgorithm() {
		return fmt.Errorf("%w: search algorithms cannot be used with the particle swarm scheduler", ErrConfiguration)
	}
	if s.config.Metric == "" || s.metricOp == 0 {
		return fmt.Errorf("%w: scheduler has no valid metric (%q) or mode (%q)", ErrConfiguration, s.config.Metric, s.config.Mode)
	}

	position, err := perturb.ExtractPosition(t.Config, s.engine.Dimensions())
	if err != nil {
		return fmt.Errorf("%w: trial %s: %w", ErrInvariant, t.ID, err)
	}

	state, err := s.store.Admit(t.ID, position)
	if err != nil {
		return fmt.Errorf("failed to admit trial %s: %w", t.ID, err)
	}
	state.LastCheckpoint = t.Checkpoint

	s.record(journal.EventAdmit, t.ID, 0, map[string]interface{}{"position": position})
	s.metrics.SetLiveTrials(s.store.Len())
	s.logger.Debug("Trial admitted", "trial", t.ID, "position", position)
	return nil
}

// OnTrialResult 處理試驗回報的結果並回傳決策
//
// 參數說明：
//   - r: 執行器視圖
//   - t: 回報的試驗（Config 為產生此結果的設定）
//   - res: 結果載荷
//
// 返回值：
//   - types.Decision: CONTINUE / PAUSE / STOP / NOOP（錯誤時為空字串）
//     同步模式下通過間隔檢查的結果只會得到 PAUSE / NOOP；
//     唯一例外是 MaxTime 的 STOP，它在屏障檢查之前判定，
//     停止的試驗離開存活集合，不會卡住屏障
//
// 錯誤處理：
//   - ErrTrialNotFound: 試驗未被准入
//   - ErrMissingAttribute / ErrInvalidAttribute: RequireAttrs 時屬性缺少或非數值
//   - ErrInvariant: 擾動時維度不一致
func (s *Scheduler) OnTrialResult(r TrialRunner, t *types.Trial, res types.Result) (types.Decision, error) {
	if !s.enter() {
		return "", ErrReentrantCall
	}
	defer s.exit()

	state := s.store.Get(t.ID)
	if state == nil {
		return "", fmt.Errorf("%w: %s", ErrTrialNotFound, t.ID)
	}

	// 1. 屬性檢查
	at, okTime, err := s.attribute(res, s.config.TimeAttr, "time_attr")
	if err != nil {
		return "", err
	}
	value, okMetric, err := s.attribute(res, s.config.Metric, "metric")
	if err != nil {
		return "", err
	}
	if !okTime || !okMetric {
		return s.decide(types.Continue), nil
	}

	// 2. 簿記與暖機期
	state.LastTrainTime = at
	if s.config.MaxTime > 0 && at >= s.config.MaxTime {
		s.logger.Debug("Trial reached max time", "trial", t.ID, "time", at)
		return s.decide(types.Stop), nil
	}
	if at < s.config.BurnInPeriod {
		return s.decide(types.Continue), nil
	}

	// 3. 擾動間隔
	if at-state.LastPerturbationTime < s.config.PerturbationInterval {
		return s.decide(types.Continue), nil
	}

	// 4. 記錄分數與個人最佳
	position, err := perturb.ExtractPosition(t.Config, s.engine.Dimensions())
	if err != nil {
		return "", fmt.Errorf("%w: trial %s: %w", ErrInvariant, t.ID, err)
	}
	score := s.metricOp * value
	improved := population.Record(state, score, maps.Clone(res), position)
	if t.Checkpoint != "" {
		state.LastCheckpoint = t.Checkpoint
	}
	s.record(journal.EventResult, t.ID, at, map[string]interface{}{
		"score":         score,
		"personal_best": improved,
	})

	// 5. 非同步 / 同步
	if !s.config.Synchronous {
		if err := s.asyncStep(r, t, state, at); err != nil {
			return "", err
		}
		decision := types.Continue
		for _, other := range r.LiveTrials() {
			if other.ID != t.ID && other.IsResumable() {
				decision = types.Pause
				break
			}
		}
		return s.decide(pauseOrNoop(t, decision)), nil
	}

	if !s.gate.Reached(at) {
		// 屏障等待中只會回傳 PAUSE / NOOP；落後的試驗由 ChooseTrialToRun 恢復
		s.logger.Debug("Pausing trial behind synchronization barrier",
			"trial", t.ID, "time", at, "next_sync", s.gate.Next())
		return s.decide(pauseOrNoop(t, types.Pause)), nil
	}
	if s.gate.Evaluate(s.liveTrainTimes(r)) == syncgate.Waiting {
		s.logger.Debug("Pausing trial at synchronization barrier",
			"trial", t.ID, "time", at, "next_sync", s.gate.Next())
		return s.decide(pauseOrNoop(t, types.Pause)), nil
	}
	if err := s.globalStep(r); err != nil {
		return "", err
	}
	return s.decide(pauseOrNoop(t, types.Pause)), nil
}

// OnTrialComplete 試驗完成，釋放狀態（可重複呼叫）
func (s *Scheduler) OnTrialComplete(r TrialRunner, t *types.Trial, res types.Result) {
	s.release(t, journal.EventComplete)
}

// OnTrialRemove 試驗被移除，釋放狀態（可重複呼叫）
func (s *Scheduler) OnTrialRemove(r TrialRunner, t *types.Trial) {
	s.release(t, journal.EventRemove)
}

// ChooseTrialToRun 選出下一個要恢復的試驗
//
// 候選：PENDING / PAUSED 且有調度器狀態的試驗；同步模式下只考慮
// lastTrainTime < nextSyncTimestep 的試驗。依 lastTrainTime 穩定排序，
// 同值以執行器順序決勝。沒有候選時回傳 nil。
//
// 同步模式下若沒有候選、沒有 RUNNING 的試驗且屏障已滿足
// （例如最後一個落後的試驗被移除），會先補做全域步驟。
// 因此停滯後的第一次呼叫可能產生指令（由 TakeInstructions 取走）；
// 之後重複呼叫回傳相同的試驗，不再改變狀態。
func (s *Scheduler) ChooseTrialToRun(r TrialRunner) *types.Trial {
	if !s.enter() {
		s.logger.Error("Re-entrant ChooseTrialToRun ignored")
		return nil
	}
	defer s.exit()

	candidates := s.candidates(r)
	if len(candidates) == 0 && s.config.Synchronous && s.stalled(r) {
		s.logger.Info("All live trials are waiting at the barrier, running pending global step",
			"next_sync", s.gate.Next())
		if err := s.globalStep(r); err != nil {
			s.logger.Error("Failed to run pending global step", "error", err)
			return nil
		}
		candidates = s.candidates(r)
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// TakeInstructions 取走所有待執行的指令（依產生順序）
func (s *Scheduler) TakeInstructions() []types.Instruction {
	out := s.outbox
	s.outbox = nil
	return out
}

// DebugString 調度器摘要
func (s *Scheduler) DebugString() string {
	return fmt.Sprintf("ParticleSwarmOptimization: %d checkpoints, %d perturbs",
		s.numCheckpoints, s.numPerturbations)
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (s *Scheduler) enter() bool {
	return s.busy.CompareAndSwap(false, true)
}

func (s *Scheduler) exit() {
	s.busy.Store(false)
}

// attribute 讀取數值屬性
//
// 返回值：
//   - ok=false: 屬性缺少（或非數值且未要求屬性），已記錄一次警告
func (s *Scheduler) attribute(res types.Result, key, kind string) (float64, bool, error) {
	raw, present := res[key]
	if !present {
		if s.config.RequireAttrs {
			return 0, false, fmt.Errorf("%w: cannot find %s %q in trial result; "+
				"set require_attrs to false to turn this into a warning", ErrMissingAttribute, kind, key)
		}
		s.warnOnce(kind, "Cannot find attribute in trial result", "attr", kind, "key", key)
		return 0, false, nil
	}

	v, ok := types.ToFloat(raw)
	if !ok {
		if s.config.RequireAttrs {
			return 0, false, fmt.Errorf("%w: %s %q is %T, not numeric", ErrInvalidAttribute, kind, key, raw)
		}
		s.warnOnce("invalid_"+kind, "Non-numeric attribute in trial result", "attr", kind, "key", key)
		return 0, false, nil
	}
	// NaN 無法比較，會破壞個人最佳與分位排序
	if math.IsNaN(v) || math.IsInf(v, 0) {
		if s.config.RequireAttrs {
			return 0, false, fmt.Errorf("%w: %s %q is %v, not finite", ErrInvalidAttribute, kind, key, v)
		}
		s.warnOnce("nonfinite_"+kind, "Non-finite attribute in trial result", "attr", kind, "key", key, "value", v)
		return 0, false, nil
	}
	return v, true, nil
}

func (s *Scheduler) warnOnce(kind, msg string, args ...any) {
	s.metrics.RecordMissingAttribute(kind)
	if s.warned[kind] {
		return
	}
	s.warned[kind] = true
	s.logger.Warn(msg, args...)
}

func (s *Scheduler) decide(d types.Decision) types.Decision {
	s.metrics.RecordDecision(d)
	return d
}

func pauseOrNoop(t *types.Trial, d types.Decision) types.Decision {
	if t.Status == types.StatusPaused {
		return types.Noop
	}
	return d
}

func (s *Scheduler) release(t *types.Trial, event journal.EventType) {
	if !s.enter() {
		s.logger.Error("Re-entrant release ignored", "trial", t.ID, "event", event)
		return
	}
	defer s.exit()

	if !s.store.Release(t.ID) {
		return
	}
	s.record(event, t.ID, 0, nil)
	s.metrics.SetLiveTrials(s.store.Len())
	s.logger.Debug("Trial state released", "trial", t.ID, "event", event)
}

// liveTrainTimes 存活且有狀態的試驗的 lastTrainTime
func (s *Scheduler) liveTrainTimes(r TrialRunner) []float64 {
	var times []float64
	for _, t := range r.LiveTrials() {
		if state := s.store.Get(t.ID); state != nil {
			times = append(times, state.LastTrainTime)
		}
	}
	return times
}

func (s *Scheduler) candidates(r TrialRunner) []*types.Trial {
	type candidate struct {
		trial *types.Trial
		time  float64
	}
	var cs []candidate
	for _, t := range r.Trials() {
		if !t.IsResumable() {
			continue
		}
		state := s.store.Get(t.ID)
		if state == nil {
			continue
		}
		if s.config.Synchronous && s.gate.Reached(state.LastTrainTime) {
			continue
		}
		cs = append(cs, candidate{trial: t, time: state.LastTrainTime})
	}
	slices.SortStableFunc(cs, func(a, b candidate) int {
		switch {
		case a.time < b.time:
			return -1
		case a.time > b.time:
			return 1
		default:
			return 0
		}
	})

	out := make([]*types.Trial, len(cs))
	for i, c := range cs {
		out[i] = c.trial
	}
	return out
}

// stalled 沒有試驗在執行，而屏障已經滿足
func (s *Scheduler) stalled(r TrialRunner) bool {
	for _, t := range r.LiveTrials() {
		if t.Status == types.StatusRunning {
			return false
		}
	}
	return s.gate.Evaluate(s.liveTrainTimes(r)) == syncgate.Ready
}

func (s *Scheduler) record(event journal.EventType, id types.TrialID, at float64, detail map[string]interface{}) {
	if err := s.journal.Append(event, id, at, detail); err != nil {
		s.logger.Error("Failed to append journal event", "event", event, "trial", id, "error", err)
	}
}
