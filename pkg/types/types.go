// Package types 定義了 psotune 系統中使用的核心領域模型
package types

import "encoding/json"

// TrialID 試驗唯一識別碼（由執行器給定，調度器只當作不透明鍵值）
type TrialID string

// TrialStatus 試驗狀態
type TrialStatus string

// 定義試驗狀態常數
const (
	StatusPending    TrialStatus = "PENDING"    // 待執行：已建立但尚未開始
	StatusRunning    TrialStatus = "RUNNING"    // 執行中
	StatusPaused     TrialStatus = "PAUSED"     // 已暫停：可被 ChooseTrialToRun 恢復
	StatusError      TrialStatus = "ERROR"      // 錯誤終止
	StatusTerminated TrialStatus = "TERMINATED" // 正常結束
)

// Decision 調度決策
type Decision string

// 定義調度決策常數
const (
	Continue Decision = "CONTINUE" // 繼續訓練
	Pause    Decision = "PAUSE"    // 暫停，等待下一輪
	Stop     Decision = "STOP"     // 終止試驗
	Noop     Decision = "NOOP"     // 不做任何事（試驗已暫停）
)

// CheckpointRef 檢查點的不透明參照，由執行器持有實體資料
type CheckpointRef string

// Result 試驗回報的結果載荷
type Result map[string]interface{}

// Bounds 單一超參數維度的上下界
type Bounds struct {
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`
}

// Clip 將數值限制在 [Low, High] 內
func (b Bounds) Clip(v float64) float64 {
	if v < b.Low {
		return b.Low
	}
	if v > b.High {
		return b.High
	}
	return v
}

// Trial 執行器端的試驗控制代碼
type Trial struct {
	ID         TrialID                `json:"id"`
	Status     TrialStatus            `json:"status"`
	Config     map[string]interface{} `json:"config"`
	Checkpoint CheckpointRef          `json:"checkpoint,omitempty"` // 執行器最近一次的檢查點
}

// IsLive 試驗是否仍存活（未錯誤也未結束）
func (t *Trial) IsLive() bool {
	return t.Status != StatusError && t.Status != StatusTerminated
}

// IsResumable 試驗是否可被恢復執行
func (t *Trial) IsResumable() bool {
	return t.Status == StatusPending || t.Status == StatusPaused
}

// TrialState 調度器內部為每個試驗維護的狀態
// 只由 controller 持有與修改
type TrialState struct {
	TrialID TrialID `json:"trial_id"`
	Seq     uint64  `json:"seq"` // 准入序號，用於穩定排序

	Scored     bool    `json:"scored"`
	LastScore  float64 `json:"last_score"` // 已乘上 metricOp，越大越好
	LastResult Result  `json:"last_result,omitempty"`

	LastCheckpoint       CheckpointRef `json:"last_checkpoint,omitempty"`
	LastPerturbationTime float64       `json:"last_perturbation_time"`
	LastTrainTime        float64       `json:"last_train_time"`

	// PSO 粒子狀態
	Position       map[string]float64 `json:"position"`                  // 下一次執行的位置，擾動後更新
	ScoredPosition map[string]float64 `json:"scored_position,omitempty"` // 產生 LastScore 的位置
	BestPosition   map[string]float64 `json:"best_position"`
	BestScore      float64            `json:"best_score"`
	BestResult     Result             `json:"best_result,omitempty"`
	Velocity       map[string]float64 `json:"velocity"`
}

// Instruction 交給執行器的指令：
// 以 Config 重啟試驗，必要時先儲存檢查點或從檢查點恢復
type Instruction struct {
	TrialID        TrialID                `json:"trial_id"`
	Config         map[string]interface{} `json:"config"`
	SaveCheckpoint CheckpointRef          `json:"save_checkpoint,omitempty"` // 以此參照儲存目前模型
	RestoreFrom    CheckpointRef          `json:"restore_from,omitempty"`    // 從此參照恢復模型
	Source         TrialID                `json:"source,omitempty"`          // exploit 的來源試驗
}

// SnapshotData 快照資料，用於調度器狀態的持久化和恢復
type SnapshotData struct {
	Trials        map[TrialID]*TrialState `json:"trials"`         // 所有試驗狀態
	Order         []TrialID               `json:"order"`          // 准入順序
	NextSync      float64                 `json:"next_sync"`      // 下一個同步時間點
	SyncRounds    int                     `json:"sync_rounds"`    // 已完成的全域步驟數
	NextSeq       uint64                  `json:"next_seq"`       // 下一個准入序號
	Checkpoints   int                     `json:"checkpoints"`    // 累計檢查點次數
	Perturbations int                     `json:"perturbations"`  // 累計擾動次數
	SchemaVer     int                     `json:"schema_ver"`     // 資料結構版本號
	LastSeq       uint64                  `json:"last_seq"`       // journal 最後序號
}

// ToFloat 將結果或設定中的數值轉為 float64
// 布林值與字串不視為數值
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
