// ============================================================================
// psotune 擾動引擎 - exploit + PSO explore
// ============================================================================
//
// Package: internal/perturb
// 文件: engine.go
// 功能: 為一個粒子計算下一組超參數位置，並決定是否繼承上分位的檢查點
//
// 步驟:
//   1. Exploit：粒子屬於下分位且上分位非空時，隨機挑一個上分位粒子，
//      複製其位置並繼承其檢查點（來源沒有檢查點時跳過）
//   2. Explore：每個維度依排序後的順序更新
//        v = inertia*v + local*r1*(pbest-x) + global*r2*(gbest-x)
//        |v| <= stepSize（stepSize > 0 時）
//        x = clip(x + v, bounds)
//
// 決定性:
//   所有亂數都來自引擎持有的 *rand.Rand；同一個 seed、同樣的輸入
//   與同樣的呼叫順序會得到完全相同的輸出。
//
// 並發安全：
//   Engine 不是並發安全的（*rand.Rand 亦然），只由 controller 呼叫。
//
// ============================================================================

package perturb

import (
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"slices"

	"github.com/ChuLiYu/psotune/internal/quantile"
	"github.com/ChuLiYu/psotune/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 粒子缺少某個可調維度（速度/位置維度不一致屬於程式缺陷）
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// 上下界設定錯誤
	ErrInvalidBounds = errors.New("invalid bounds")
)

// Params PSO 參數
type Params struct {
	Inertia     float64
	LocalSlope  float64
	GlobalSlope float64
	StepSize    float64                 // 每個維度速度的絕對上限，<= 0 表示不限制
	Bounds      map[string]types.Bounds // 可調維度與其上下界
}

// Particle 參與一次擾動的粒子快照
type Particle struct {
	ID           types.TrialID
	Position     map[string]float64
	BestPosition map[string]float64
	Velocity     map[string]float64
	Checkpoint   types.CheckpointRef
}

// Plan 一次擾動的結果
type Plan struct {
	ID             types.TrialID
	Exploited      bool                // 是否執行了 exploit
	ExploitSkipped bool                // 被選中的來源沒有檢查點
	Source         types.TrialID       // exploit 來源
	RestoreFrom    types.CheckpointRef // 要恢復的檢查點
	Position       map[string]float64  // 下一組位置
	Velocity       map[string]float64  // 更新後的速度
}

// Engine 擾動引擎
type Engine struct {
	params Params
	dims   []string
	rng    *rand.Rand
}

// NewEngine 建立擾動引擎
//
// 參數說明：
//   - params: PSO 參數；Bounds 的 key 即為可調維度
//   - rng: 亂數來源；為 nil 時使用固定 seed 1
//
// 錯誤處理：
//   - ErrInvalidBounds: 任一維度 Low > High
func NewEngine(params Params, rng *rand.Rand) (*Engine, error) {
	for dim, b := range params.Bounds {
		if b.Low > b.High {
			return nil, fmt.Errorf("%w: %s low %v > high %v", ErrInvalidBounds, dim, b.Low, b.High)
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	dims := slices.Sorted(maps.Keys(params.Bounds))
	params.Bounds = maps.Clone(params.Bounds)

	return &Engine{
		params: params,
		dims:   dims,
		rng:    rng,
	}, nil
}

// Dimensions 依排序後的可調維度
func (e *Engine) Dimensions() []string {
	return slices.Clone(e.dims)
}

// Step 對單一粒子執行 exploit（若適用）與 explore
//
// 參數說明：
//   - p: 粒子目前的狀態（Position 為產生最新分數的位置）
//   - role: 粒子在本次切分中的角色
//   - upper: 上分位粒子的擾動前快照
//   - globalBest: 族群最佳粒子的位置
//
// 返回值：
//   - Plan: 下一組位置、速度與檢查點繼承資訊
//
// 錯誤處理：
//   - ErrDimensionMismatch: 任何輸入缺少可調維度
func (e *Engine) Step(p Particle, role quantile.Role, upper []Particle, globalBest map[string]float64) (Plan, error) {
	if err := e.check(p.ID, "position", p.Position); err != nil {
		return Plan{}, err
	}
	if err := e.check(p.ID, "best position", p.BestPosition); err != nil {
		return Plan{}, err
	}
	if err := e.check(p.ID, "velocity", p.Velocity); err != nil {
		return Plan{}, err
	}
	if err := e.check("global best", "position", globalBest); err != nil {
		return Plan{}, err
	}

	plan := Plan{ID: p.ID}
	position := maps.Clone(p.Position)

	// Exploit
	if role == quantile.Lower && len(upper) > 0 {
		src := upper[e.rng.Intn(len(upper))]
		plan.Source = src.ID
		if src.Checkpoint == "" {
			plan.ExploitSkipped = true
		} else {
			if err := e.check(src.ID, "position", src.Position); err != nil {
				return Plan{}, err
			}
			position = maps.Clone(src.Position)
			plan.Exploited = true
			plan.RestoreFrom = src.Checkpoint
		}
	}

	// Explore
	velocity := make(map[string]float64, len(e.dims))
	for _, dim := range e.dims {
		x := position[dim]
		r1 := e.rng.Float64()
		r2 := e.rng.Float64()

		v := e.params.Inertia*p.Velocity[dim] +
			e.params.LocalSlope*r1*(p.BestPosition[dim]-x) +
			e.params.GlobalSlope*r2*(globalBest[dim]-x)
		if step := e.params.StepSize; step > 0 {
			v = min(max(v, -step), step)
		}

		velocity[dim] = v
		position[dim] = e.params.Bounds[dim].Clip(x + v)
	}

	plan.Position = position
	plan.Velocity = velocity
	return plan, nil
}

func (e *Engine) check(id types.TrialID, what string, values map[string]float64) error {
	for _, dim := range e.dims {
		if _, ok := values[dim]; !ok {
			return fmt.Errorf("%w: %s of %s lacks %q", ErrDimensionMismatch, what, id, dim)
		}
	}
	return nil
}
