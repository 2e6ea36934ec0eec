// ============================================================================
// psotune 同步閘門
// ============================================================================
//
// Package: internal/syncgate
// 文件: gate.go
// 功能: 同步模式下的屏障，所有存活試驗趕上 next 後才允許全域步驟
//
// 狀態機:
//   WAITING ──(所有 lastTrainTime >= next)──> READY
//   READY   ──(Advance)──────────────────────> WAITING（next 嚴格增加）
//
// 初始化:
//   next = max(interval, burnIn)
//   第一輪不會早於暖機期結束，也不會早於第一個擾動間隔。
//
// ============================================================================

package syncgate

import (
	"errors"
	"fmt"
)

// State 閘門狀態
type State int

const (
	Waiting State = iota // 仍有試驗未到達 next
	Ready                // 可執行全域步驟
)

func (s State) String() string {
	if s == Ready {
		return "READY"
	}
	return "WAITING"
}

// ErrInvalidInterval 擾動間隔必須為正數，否則 next 無法嚴格遞增
var ErrInvalidInterval = errors.New("perturbation interval must be positive")

// Gate 同步閘門
type Gate struct {
	interval float64
	next     float64
	rounds   int
}

// New 建立閘門
//
// 錯誤處理：
//   - ErrInvalidInterval: interval <= 0
func New(burnIn, interval float64) (*Gate, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidInterval, interval)
	}
	return &Gate{
		interval: interval,
		next:     max(interval, burnIn),
	}, nil
}

// Next 目前的同步時間點
func (g *Gate) Next() float64 {
	return g.next
}

// Rounds 已完成的全域步驟數
func (g *Gate) Rounds() int {
	return g.rounds
}

// Reached 單一試驗是否已到達屏障
func (g *Gate) Reached(trainTime float64) bool {
	return trainTime >= g.next
}

// Evaluate 依存活試驗的 lastTrainTime 判斷閘門狀態
//
// 空族群永遠是 Waiting。
func (g *Gate) Evaluate(trainTimes []float64) State {
	if len(trainTimes) == 0 {
		return Waiting
	}
	for _, t := range trainTimes {
		if !g.Reached(t) {
			return Waiting
		}
	}
	return Ready
}

// Advance 完成一輪全域步驟後推進 next
//
// next = max(next + interval, maxTrain)
//
// 返回值：
//   - prev: 推進前的 next
//   - next: 推進後的 next（嚴格大於 prev）
func (g *Gate) Advance(maxTrain float64) (prev, next float64) {
	prev = g.next
	g.next = max(g.next+g.interval, maxTrain)
	g.rounds++
	return prev, g.next
}

// Restore 從快照恢復 next（只允許前進）
func (g *Gate) Restore(next float64, rounds int) {
	if next > g.next {
		g.next = next
	}
	g.rounds = rounds
}
