package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ChuLiYu/psotune/pkg/types"
)

var log = slog.Default()

// StepFunc 執行一個訓練步驟
//
// 返回值：
//   - model: 步驟完成後的模型狀態（會成為檢查點內容）
//   - score: 本步驟回報的指標
//
// 實作必須遵守 ctx 的取消。
type StepFunc func(ctx context.Context, task Task) (model, score float64, err error)

// Synthetic 模擬訓練：每一步的進展取決於超參數與最佳值的距離
//
// 參數說明：
//   - optimum: 每個可調維度的最佳值
//   - width: 進展隨距離衰減的寬度（> 0）
//   - delay: 每一步的模擬耗時
//
// 每一步 model += exp(-d²/(2*width²))，d 為與 optimum 的歐氏距離；
// 回報的分數即為 model。設定越接近 optimum，分數成長越快，
// 繼承好試驗的檢查點也會直接繼承它的進度。
func Synthetic(optimum map[string]float64, width float64, delay time.Duration) StepFunc {
	if width <= 0 {
		width = 1
	}
	return func(ctx context.Context, task Task) (float64, float64, error) {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		var dist2 float64
		for dim, opt := range optimum {
			x, ok := types.ToFloat(task.Config[dim])
			if !ok {
				return 0, 0, fmt.Errorf("config of trial %s has no numeric %q", task.TrialID, dim)
			}
			dist2 += (x - opt) * (x - opt)
		}

		model := task.Model + math.Exp(-dist2/(2*width*width))
		return model, model, nil
	}
}
