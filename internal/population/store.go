// ============================================================================
// psotune 族群狀態儲存 - 試驗狀態表
// ============================================================================
//
// Package: internal/population
// 文件: store.go
// 功能: 保存每個已准入試驗的 TrialState，維持准入順序
//
// 設計理念:
//   1. states map - 統一的試驗狀態存儲 (Single Source of Truth)
//   2. order slice - 准入順序索引，排序平手時的決勝依據
//   3. Seq - 單調遞增的准入序號，快照恢復後仍保持
//
// 生命週期:
//   Admit()   → 建立 TrialState（每個試驗僅一次）
//   Record()  → 每次結果回報時更新分數與個人最佳
//   Release() → 試驗完成或移除時銷毀（可重複呼叫）
//
// 並發模型:
//   Store 不加鎖：唯一持有者是 controller，而 controller 本身是
//   非重入的單執行緒狀態機。
//
// ============================================================================

package population

import (
	"cmp"
	"errors"
	"maps"
	"slices"

	"github.com/ChuLiYu/psotune/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 試驗已被准入
	ErrDuplicateTrial = errors.New("trial already admitted")
	// 試驗不存在
	ErrTrialNotFound = errors.New("trial not found")
)

// Store 代表族群狀態表
type Store struct {
	states  map[types.TrialID]*types.TrialState // 所有試驗的狀態
	order   []types.TrialID                     // 准入順序
	nextSeq uint64                              // 下一個准入序號
}

// NewStore 建立新的狀態表
func NewStore() *Store {
	return &Store{
		states: make(map[types.TrialID]*types.TrialState),
		order:  make([]types.TrialID, 0),
	}
}

// Admit 為新試驗建立狀態
//
// 參數說明：
//   - id: 試驗 ID
//   - position: 初始超參數位置（可調維度）
//
// 初始狀態：
//   - BestPosition = Position
//   - Velocity 每個維度為 0
//
// 錯誤處理：
//   - ErrDuplicateTrial: 試驗已存在
func (s *Store) Admit(id types.TrialID, position map[string]float64) (*types.TrialState, error) {
	if _, exists := s.states[id]; exists {
		return nil, ErrDuplicateTrial
	}

	velocity := make(map[string]float64, len(position))
	for dim := range position {
		velocity[dim] = 0
	}

	state := &types.TrialState{
		TrialID:      id,
		Seq:          s.nextSeq,
		Position:     maps.Clone(position),
		BestPosition: maps.Clone(position),
		Velocity:     velocity,
	}
	s.nextSeq++

	s.states[id] = state
	s.order = append(s.order, id)
	return state, nil
}

// Get 取得試驗狀態，不存在則回傳 nil
func (s *Store) Get(id types.TrialID) *types.TrialState {
	return s.states[id]
}

// Release 銷毀試驗狀態
//
// 返回值：
//   - bool: 是否真的刪除了狀態（重複呼叫回傳 false）
func (s *Store) Release(id types.TrialID) bool {
	if _, exists := s.states[id]; !exists {
		return false
	}
	delete(s.states, id)

	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Len 目前存活的狀態數量
func (s *Store) Len() int {
	return len(s.states)
}

// Ordered 依准入順序回傳所有狀態
func (s *Store) Ordered() []*types.TrialState {
	out := make([]*types.TrialState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.states[id])
	}
	return out
}

// Record 記錄一次結果並維護個人最佳
//
// 參數說明：
//   - state: 試驗狀態
//   - score: 已乘上 metricOp 的分數
//   - result: 完整結果載荷
//   - position: 產生此結果的超參數位置
//
// 返回值：
//   - bool: 是否為新的個人最佳（嚴格大於才算）
func Record(state *types.TrialState, score float64, result types.Result, position map[string]float64) bool {
	state.Scored = true
	state.LastScore = score
	state.LastResult = result
	if position != nil {
		state.Position = maps.Clone(position)
	}
	state.ScoredPosition = maps.Clone(state.Position)

	if state.BestResult != nil && score <= state.BestScore {
		return false
	}
	state.BestScore = score
	state.BestResult = result
	state.BestPosition = maps.Clone(state.Position)
	return true
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 深拷貝目前所有狀態
func (s *Store) Snapshot() (map[types.TrialID]*types.TrialState, []types.TrialID, uint64) {
	trials := make(map[types.TrialID]*types.TrialState, len(s.states))
	for id, state := range s.states {
		trials[id] = clone(state)
	}
	order := make([]types.TrialID, len(s.order))
	copy(order, s.order)
	return trials, order, s.nextSeq
}

// Restore 從快照恢復狀態（清空現有內容）
//
// order 中找不到對應狀態的 ID 會被略過；
// 不在 order 中的狀態依 Seq 附加在最後。
func (s *Store) Restore(trials map[types.TrialID]*types.TrialState, order []types.TrialID, nextSeq uint64) {
	s.states = make(map[types.TrialID]*types.TrialState, len(trials))
	s.order = make([]types.TrialID, 0, len(trials))
	s.nextSeq = nextSeq

	seen := make(map[types.TrialID]bool, len(trials))
	for _, id := range order {
		state, ok := trials[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		s.states[id] = clone(state)
		s.order = append(s.order, id)
	}

	var rest []*types.TrialState
	for id, state := range trials {
		if !seen[id] {
			rest = append(rest, state)
		}
	}
	slices.SortFunc(rest, func(a, b *types.TrialState) int { return cmp.Compare(a.Seq, b.Seq) })
	for _, state := range rest {
		s.states[state.TrialID] = clone(state)
		s.order = append(s.order, state.TrialID)
	}

	for _, state := range s.states {
		if state.Seq >= s.nextSeq {
			s.nextSeq = state.Seq + 1
		}
	}
}

func clone(state *types.TrialState) *types.TrialState {
	c := *state
	c.Position = maps.Clone(state.Position)
	c.ScoredPosition = maps.Clone(state.ScoredPosition)
	c.BestPosition = maps.Clone(state.BestPosition)
	c.Velocity = maps.Clone(state.Velocity)
	c.LastResult = maps.Clone(state.LastResult)
	c.BestResult = maps.Clone(state.BestResult)
	return &c
}
