package controller

// ============================================================================
// 擾動步驟
// 職責：
// 1. asyncStep - 非同步模式，只擾動回報的試驗
// 2. globalStep - 同步模式，整個族群一起擾動一輪
//
// 一輪的原子性：
//   先以擾動前的快照算出所有試驗的 Plan，全部成功後才寫回狀態。
//   任何一個試驗失敗（維度不一致）整輪放棄，不會留下一半的更新。
//
// 處理順序：上分位 → 中間 → 下分位
//   上分位先取得檢查點參照，下分位 exploit 時才有檢查點可以繼承。
// ============================================================================

import (
	"fmt"

	"github.com/ChuLiYu/psotune/internal/perturb"
	"github.com/ChuLiYu/psotune/internal/quantile"
	"github.com/ChuLiYu/psotune/internal/storage/journal"
	"github.com/ChuLiYu/psotune/pkg/types"
)

// participant 一個存活且有狀態的試驗
type participant struct {
	trial *types.Trial
	state *types.TrialState
}

// participants 存活且有狀態的試驗，依准入順序
func (s *Scheduler) participants(r TrialRunner) []participant {
	live := make(map[types.TrialID]*types.Trial)
	for _, t := range r.LiveTrials() {
		live[t.ID] = t
	}

	var ps []participant
	for _, state := range s.store.Ordered() {
		if t, ok := live[state.TrialID]; ok {
			ps = append(ps, participant{trial: t, state: state})
		}
	}
	return ps
}

// classify 以已有分數的試驗做分位切分
func (s *Scheduler) classify(ps []participant) quantile.Split {
	entries := make([]quantile.Entry, 0, len(ps))
	for _, p := range ps {
		if p.state.Scored {
			entries = append(entries, quantile.Entry{ID: p.state.TrialID, Score: p.state.LastScore})
		}
	}
	split := quantile.Classify(entries, s.config.QuantileFraction)
	if best, ok := split.Best(); ok {
		s.metrics.SetBestScore(best.Score)
	}
	return split
}

// globalBest 族群最佳試驗產生該分數時的位置；沒有任何分數時回傳 nil
//
// 擾動後 Position 已是尚未評分的新位置，所以用 ScoredPosition。
func (s *Scheduler) globalBest(split quantile.Split) map[string]float64 {
	best, ok := split.Best()
	if !ok {
		return nil
	}
	state := s.store.Get(best.ID)
	if state.ScoredPosition == nil {
		return state.Position
	}
	return state.ScoredPosition
}

func toParticle(state *types.TrialState) perturb.Particle {
	return perturb.Particle{
		ID:           state.TrialID,
		Position:     state.Position,
		BestPosition: state.BestPosition,
		Velocity:     state.Velocity,
		Checkpoint:   state.LastCheckpoint,
	}
}

func checkpointRef(state *types.TrialState) types.CheckpointRef {
	return types.CheckpointRef(fmt.Sprintf("%s@%g", state.TrialID, state.LastTrainTime))
}

// step 以粒子快照執行一次擾動；gbest 為 nil 時以自身最佳位置代替
func (s *Scheduler) step(p perturb.Particle, role quantile.Role, upper []perturb.Particle, gbest map[string]float64) (perturb.Plan, error) {
	if gbest == nil {
		gbest = p.BestPosition
	}
	plan, err := s.engine.Step(p, role, upper, gbest)
	if err != nil {
		return perturb.Plan{}, fmt.Errorf("%w: perturbing trial %s: %w", ErrInvariant, p.ID, err)
	}
	return plan, nil
}

// asyncStep 非同步模式：分類整個族群，只擾動回報的試驗
func (s *Scheduler) asyncStep(r TrialRunner, t *types.Trial, state *types.TrialState, at float64) error {
	ps := s.participants(r)
	split := s.classify(ps)
	role := split.Role(t.ID)

	trials := make(map[types.TrialID]*types.Trial, len(ps))
	upper := make([]perturb.Particle, 0, len(split.Upper))
	for _, p := range ps {
		trials[p.state.TrialID] = p.trial
	}
	for _, id := range split.Upper {
		upper = append(upper, toParticle(s.store.Get(id)))
	}

	self := toParticle(state)
	var save types.CheckpointRef
	if role == quantile.Upper {
		save = checkpointRef(state)
		self.Checkpoint = save
	}

	plan, err := s.step(self, role, upper, s.globalBest(split))
	if err != nil {
		return err
	}

	s.apply(participant{trial: t, state: state}, role, plan, save, at, trials)
	return nil
}

// globalStep 同步模式：所有存活試驗到達屏障後執行一輪全域步驟
func (s *Scheduler) globalStep(r TrialRunner) error {
	ps := s.participants(r)
	if len(ps) == 0 {
		return nil
	}
	barrier := s.gate.Next()
	split := s.classify(ps)
	gbest := s.globalBest(split)

	trials := make(map[types.TrialID]*types.Trial, len(ps))
	byID := make(map[types.TrialID]participant, len(ps))
	for _, p := range ps {
		trials[p.state.TrialID] = p.trial
		byID[p.state.TrialID] = p
	}

	// 上分位 → 中間（准入順序）→ 下分位
	ordered := make([]participant, 0, len(ps))
	for _, id := range split.Upper {
		ordered = append(ordered, byID[id])
	}
	for _, p := range ps {
		if split.Role(p.state.TrialID) == quantile.Middle {
			ordered = append(ordered, p)
		}
	}
	for _, id := range split.Lower {
		ordered = append(ordered, byID[id])
	}

	// 擾動前快照；上分位先取得檢查點參照
	particles := make(map[types.TrialID]perturb.Particle, len(ps))
	saves := make(map[types.TrialID]types.CheckpointRef, len(split.Upper))
	for _, p := range ps {
		particles[p.state.TrialID] = toParticle(p.state)
	}
	upper := make([]perturb.Particle, 0, len(split.Upper))
	for _, id := range split.Upper {
		particle := particles[id]
		saves[id] = checkpointRef(byID[id].state)
		particle.Checkpoint = saves[id]
		particles[id] = particle
		upper = append(upper, particle)
	}

	plans := make([]perturb.Plan, len(ordered))
	for i, p := range ordered {
		id := p.state.TrialID
		plan, err := s.step(particles[id], split.Role(id), upper, gbest)
		if err != nil {
			return err
		}
		plans[i] = plan
	}

	// 全部成功才寫回
	maxTrain := 0.0
	for i, p := range ordered {
		id := p.state.TrialID
		s.apply(p, split.Role(id), plans[i], saves[id], barrier, trials)
		maxTrain = max(maxTrain, p.state.LastTrainTime)
	}

	prev, next := s.gate.Advance(maxTrain)
	s.record(journal.EventSyncRound, "", prev, map[string]interface{}{
		"next_sync": next,
		"trials":    len(ordered),
		"upper":     len(split.Upper),
		"lower":     len(split.Lower),
	})
	s.metrics.RecordSyncRound(next)
	s.logger.Info("Synchronous perturbation round completed",
		"round", s.gate.Rounds(),
		"trials", len(ordered),
		"barrier", prev,
		"next_sync", next)
	return nil
}

// apply 將一個 Plan 寫回狀態，並放入對應的指令
func (s *Scheduler) apply(p participant, role quantile.Role, plan perturb.Plan, save types.CheckpointRef, at float64, trials map[types.TrialID]*types.Trial) {
	state := p.state
	id := state.TrialID
	base := p.trial.Config

	state.Position = plan.Position
	state.Velocity = plan.Velocity
	state.LastPerturbationTime = max(state.LastPerturbationTime, at)

	if save != "" {
		state.LastCheckpoint = save
		s.numCheckpoints++
		s.metrics.RecordCheckpoint()
		s.record(journal.EventCheckpoint, id, state.LastTrainTime, map[string]interface{}{"ref": string(save)})
	}

	instr := types.Instruction{
		TrialID:        id,
		SaveCheckpoint: save,
	}
	switch {
	case plan.Exploited:
		state.LastCheckpoint = plan.RestoreFrom
		if src, ok := trials[plan.Source]; ok {
			base = src.Config
		}
		instr.RestoreFrom = plan.RestoreFrom
		instr.Source = plan.Source
		s.metrics.RecordExploit(true)
		s.record(journal.EventExploit, id, state.LastTrainTime, map[string]interface{}{
			"source":  string(plan.Source),
			"restore": string(plan.RestoreFrom),
		})
		s.logger.Debug("Trial exploits upper quantile trial",
			"trial", id, "source", plan.Source, "checkpoint", plan.RestoreFrom)
	case plan.ExploitSkipped:
		s.metrics.RecordExploit(false)
		s.logger.Warn("Exploit skipped, source trial has no checkpoint yet",
			"trial", id, "source", plan.Source)
	}
	instr.Config = perturb.ApplyPosition(base, plan.Position)

	s.numPerturbations++
	s.metrics.RecordPerturbation(role.String())
	s.metrics.ObserveVelocity(plan.Velocity)
	s.record(journal.EventExplore, id, state.LastTrainTime, map[string]interface{}{
		"role":     role.String(),
		"position": plan.Position,
		"velocity": plan.Velocity,
	})

	s.outbox = append(s.outbox, instr)
}
