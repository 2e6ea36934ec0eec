package perturb

import (
	"fmt"
	"maps"

	"github.com/ChuLiYu/psotune/pkg/types"
)

// ExtractPosition 從試驗設定中取出可調維度的數值
//
// 錯誤處理：
//   - ErrDimensionMismatch: 缺少維度或該維度不是數值
func ExtractPosition(config map[string]interface{}, dims []string) (map[string]float64, error) {
	position := make(map[string]float64, len(dims))
	for _, dim := range dims {
		raw, ok := config[dim]
		if !ok {
			return nil, fmt.Errorf("%w: config lacks %q", ErrDimensionMismatch, dim)
		}
		v, ok := types.ToFloat(raw)
		if !ok {
			return nil, fmt.Errorf("%w: config value %q is %T, not numeric", ErrDimensionMismatch, dim, raw)
		}
		position[dim] = v
	}
	return position, nil
}

// ApplyPosition 以新位置覆寫設定中的可調維度，其餘鍵值原樣保留
//
// 原設定不會被修改。
func ApplyPosition(config map[string]interface{}, position map[string]float64) map[string]interface{} {
	out := maps.Clone(config)
	if out == nil {
		out = make(map[string]interface{}, len(position))
	}
	for dim, v := range position {
		out[dim] = v
	}
	return out
}
