package worker

import (
	"time"

	"github.com/ChuLiYu/psotune/pkg/types"
)

// Task 一個試驗的一個訓練步驟
type Task struct {
	TrialID   types.TrialID          // 試驗 ID
	Config    map[string]interface{} // 此步驟使用的超參數
	Iteration int                    // 步驟完成後的 training_iteration
	Model     float64                // 步驟開始前的模型狀態
	Timeout   time.Duration          // 執行超時時間，<= 0 不限制
}

// Result 一個訓練步驟的執行結果
type Result struct {
	TrialID   types.TrialID // 試驗 ID
	Iteration int           // 對應 Task.Iteration
	Model     float64       // 步驟完成後的模型狀態
	Score     float64       // 本步驟回報的指標
	Success   bool          // 執行是否成功
	Error     error         // 錯誤訊息（如果有）
	Duration  time.Duration // 實際執行時間
}
