package controller

import "github.com/ChuLiYu/psotune/pkg/types"

// FIFOScheduler 基準調度器：永遠 CONTINUE，依執行器順序先跑 PENDING 再恢復 PAUSED
//
// 沒有任何內部狀態，因此重入呼叫無害。
type FIFOScheduler struct{}

// NewFIFOScheduler 建立 FIFO 調度器
func NewFIFOScheduler() *FIFOScheduler {
	return &FIFOScheduler{}
}

func (f *FIFOScheduler) OnTrialAdd(r TrialRunner, t *types.Trial) error {
	return nil
}

func (f *FIFOScheduler) OnTrialResult(r TrialRunner, t *types.Trial, res types.Result) (types.Decision, error) {
	return types.Continue, nil
}

func (f *FIFOScheduler) OnTrialComplete(r TrialRunner, t *types.Trial, res types.Result) {}

func (f *FIFOScheduler) OnTrialRemove(r TrialRunner, t *types.Trial) {}

func (f *FIFOScheduler) ChooseTrialToRun(r TrialRunner) *types.Trial {
	for _, status := range []types.TrialStatus{types.StatusPending, types.StatusPaused} {
		for _, t := range r.Trials() {
			if t.Status == status {
				return t
			}
		}
	}
	return nil
}

func (f *FIFOScheduler) DebugString() string {
	return "Using FIFO scheduling algorithm."
}
