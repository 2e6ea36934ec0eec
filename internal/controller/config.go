package controller

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/psotune/pkg/types"
)

// Mode 優化方向
const (
	ModeMin = "min"
	ModeMax = "max"
)

// DefaultMetric 只指定 mode 時使用的匿名 metric
const DefaultMetric = "_metric"

// Config 調度器配置
//
// 試驗開始執行後視為不可變；Metric / Mode 可以留空，
// 之後由 SetSearchProperties 補上。
type Config struct {
	TimeAttr             string                  `yaml:"time_attr"`             // 結果中的時間屬性
	Metric               string                  `yaml:"metric"`                // 結果中的目標指標
	Mode                 string                  `yaml:"mode"`                  // min | max
	StepSize             float64                 `yaml:"step_size"`             // 每個維度速度上限，<= 0 不限制
	Inertia              float64                 `yaml:"inertia"`               // 慣性權重
	GlobalSlope          float64                 `yaml:"global_slope"`          // 全域最佳的拉力
	LocalSlope           float64                 `yaml:"local_slope"`           // 個人最佳的拉力
	Synchronous          bool                    `yaml:"synchronous"`           // 同步模式
	BurnInPeriod         float64                 `yaml:"burn_in_period"`        // 暖機期，期間不擾動
	PerturbationInterval float64                 `yaml:"perturbation_interval"` // 擾動間隔（> 0）
	QuantileFraction     float64                 `yaml:"quantile_fraction"`     // 分位比例 (0, 0.5]
	RequireAttrs         bool                    `yaml:"require_attrs"`         // 缺少屬性時是否視為錯誤
	Bounds               map[string]types.Bounds `yaml:"bounds"`                // 可調維度與上下界
	MaxTime              float64                 `yaml:"max_time"`              // 到達即 STOP，<= 0 不限制
	Seed                 int64                   `yaml:"seed"`                  // 擾動引擎的亂數種子
}

// DefaultConfig 預設配置（Metric / Mode / Bounds 需由呼叫端提供）
func DefaultConfig() Config {
	return Config{
		TimeAttr:             "training_iteration",
		StepSize:             5,
		Inertia:              0.5,
		GlobalSlope:          0.5,
		LocalSlope:           0.5,
		Synchronous:          true,
		BurnInPeriod:         0,
		PerturbationInterval: 10,
		QuantileFraction:     0.25,
		RequireAttrs:         true,
		Bounds:               map[string]types.Bounds{},
		Seed:                 1,
	}
}

// Validate 檢查配置是否合法
//
// 錯誤處理：
//   - 所有錯誤都包裝 ErrConfiguration
func (c Config) Validate() error {
	var errs []error

	if c.TimeAttr == "" {
		errs = append(errs, errors.New("time_attr must be set"))
	}
	if c.Mode != "" && c.Mode != ModeMin && c.Mode != ModeMax {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeMin, ModeMax, c.Mode))
	}
	if c.PerturbationInterval <= 0 {
		errs = append(errs, fmt.Errorf("perturbation_interval must be positive, got %v", c.PerturbationInterval))
	}
	if c.QuantileFraction <= 0 || c.QuantileFraction > 0.5 {
		errs = append(errs, fmt.Errorf("quantile_fraction must be in (0, 0.5], got %v", c.QuantileFraction))
	}
	if c.BurnInPeriod < 0 {
		errs = append(errs, fmt.Errorf("burn_in_period must not be negative, got %v", c.BurnInPeriod))
	}
	if c.MaxTime < 0 {
		errs = append(errs, fmt.Errorf("max_time must not be negative, got %v", c.MaxTime))
	}
	for dim, b := range c.Bounds {
		if b.Low > b.High {
			errs = append(errs, fmt.Errorf("bounds for %q: low %v > high %v", dim, b.Low, b.High))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// metricOp 將 mode 轉為分數符號；mode 未決定時回傳 0
func metricOp(mode string) float64 {
	switch mode {
	case ModeMax:
		return 1
	case ModeMin:
		return -1
	default:
		return 0
	}
}
