// ============================================================================
// psotune 分位數分類器
// ============================================================================
//
// Package: internal/quantile
// 文件: quantile.go
// 功能: 依分數將存活族群切分為上分位、下分位與中間三組
//
// 規則:
//   1. 依分數由高到低做穩定排序（同分時保留准入順序）
//   2. k = min(ceil(fraction * n), floor(n / 2))
//   3. 前 k 名為 Upper，後 k 名為 Lower，其餘為 Middle
//
// 最小族群：n >= 2 才可能得到非空的切分；n < 2 時 Upper/Lower 皆為空。
//
// ============================================================================

package quantile

import (
	"math"
	"slices"

	"github.com/ChuLiYu/psotune/pkg/types"
)

// Role 試驗在一次切分中的角色
type Role int

const (
	Middle Role = iota // 不屬於任何分位
	Upper              // 上分位：表現最好的 k 個
	Lower              // 下分位：表現最差的 k 個
)

func (r Role) String() string {
	switch r {
	case Upper:
		return "upper"
	case Lower:
		return "lower"
	default:
		return "middle"
	}
}

// Entry 參與分類的試驗（呼叫端須依准入順序提供）
type Entry struct {
	ID    types.TrialID
	Score float64
}

// Split 分類結果
//
// Upper 依分數由高到低；Lower 依分數由高到低（最後一個最差）；
// Middle 保持排名順序。
type Split struct {
	Upper  []types.TrialID
	Middle []types.TrialID
	Lower  []types.TrialID
	Ranked []Entry // 完整排名
}

// Best 排名第一的試驗；族群為空時 ok 為 false
func (s Split) Best() (Entry, bool) {
	if len(s.Ranked) == 0 {
		return Entry{}, false
	}
	return s.Ranked[0], true
}

// Role 查詢試驗的角色，不在切分內的試驗視為 Middle
func (s Split) Role(id types.TrialID) Role {
	if slices.Contains(s.Upper, id) {
		return Upper
	}
	if slices.Contains(s.Lower, id) {
		return Lower
	}
	return Middle
}

// Size 計算每個分位的大小
func Size(n int, fraction float64) int {
	if n < 2 || fraction <= 0 {
		return 0
	}
	k := int(math.Ceil(fraction * float64(n)))
	return min(k, n/2)
}

// Rank 依分數由高到低穩定排序，輸入切片不會被修改
func Rank(entries []Entry) []Entry {
	ranked := slices.Clone(entries)
	slices.SortStableFunc(ranked, func(a, b Entry) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	return ranked
}

// Classify 將族群切分為三組
//
// 參數說明：
//   - entries: 依准入順序排列的存活試驗
//   - fraction: 分位比例，(0, 0.5]
//
// 同分以准入順序決勝，因此相同的分數序列永遠得到相同的切分。
func Classify(entries []Entry, fraction float64) Split {
	ranked := Rank(entries)
	k := Size(len(ranked), fraction)

	split := Split{Ranked: ranked}
	for i, e := range ranked {
		switch {
		case i < k:
			split.Upper = append(split.Upper, e.ID)
		case i >= len(ranked)-k:
			split.Lower = append(split.Lower, e.ID)
		default:
			split.Middle = append(split.Middle, e.ID)
		}
	}
	return split
}
