package controller

import (
	"errors"

	"github.com/ChuLiYu/psotune/internal/population"
)

// ============================================================================
// 錯誤定義
// 呼叫端以 errors.Is 判斷
// ============================================================================

var (
	// 設定錯誤：metric/mode 未決定、同時掛載搜尋演算法、參數超出範圍
	ErrConfiguration = errors.New("scheduler configuration error")
	// 結果缺少 time_attr 或 metric（RequireAttrs 時）
	ErrMissingAttribute = errors.New("missing result attribute")
	// 結果中的 time_attr 或 metric 不是數值（RequireAttrs 時）
	ErrInvalidAttribute = errors.New("invalid result attribute")
	// 試驗沒有調度器狀態
	ErrTrialNotFound = population.ErrTrialNotFound
	// 試驗已被准入
	ErrDuplicateTrial = population.ErrDuplicateTrial
	// 在另一個回呼尚未返回時被呼叫
	ErrReentrantCall = errors.New("re-entrant scheduler call")
	// 內部不變量被破壞（例如設定缺少可調維度），屬於程式缺陷
	ErrInvariant = errors.New("scheduler invariant violated")
)
