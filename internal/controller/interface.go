package controller

import "github.com/ChuLiYu/psotune/pkg/types"

// TrialRunner 執行器提供給調度器的唯讀視圖
type TrialRunner interface {
	// LiveTrials 狀態不是 ERROR / TERMINATED 的試驗
	LiveTrials() []*types.Trial
	// Trials 所有試驗，依執行器順序
	Trials() []*types.Trial
	// HasSearchAlgorithm 是否同時掛載了外部搜尋演算法
	HasSearchAlgorithm() bool
}

// TrialScheduler 每種調度策略都要實作的生命週期回呼
//
// 執行器一次只送出一個事件；實作不需要加鎖，但必須拒絕重入呼叫。
type TrialScheduler interface {
	OnTrialAdd(r TrialRunner, t *types.Trial) error
	OnTrialResult(r TrialRunner, t *types.Trial, res types.Result) (types.Decision, error)
	OnTrialComplete(r TrialRunner, t *types.Trial, res types.Result)
	OnTrialRemove(r TrialRunner, t *types.Trial)
	ChooseTrialToRun(r TrialRunner) *types.Trial
	DebugString() string
}

var (
	_ TrialScheduler = (*Scheduler)(nil)
	_ TrialScheduler = (*FIFOScheduler)(nil)
)
