// ============================================================================
// psotune Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露調度器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - psotune_decisions_total{decision}: 回傳給執行器的決策數
//      - psotune_perturbations_total{role}: 擾動步驟數（依分位角色）
//      - psotune_exploits_total{outcome}: exploit 次數（applied / skipped）
//      - psotune_checkpoints_total: 要求儲存的檢查點數
//      - psotune_sync_rounds_total: 同步模式下完成的全域步驟數
//      - psotune_missing_attributes_total{attr}: 結果缺少屬性的次數
//
//   2. 分佈 (Histogram)：
//      - psotune_velocity_magnitude: 每個維度擾動後的 |v|
//      - psotune_step_duration_seconds: 模擬執行器單步訓練耗時
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - psotune_live_trials: 目前存活試驗數
//      - psotune_next_sync_timestep: 下一個同步時間點
//      - psotune_best_score: 族群最佳分數（已乘上 metricOp）
//      - psotune_recovery_time_seconds: 最近一次從快照恢復的耗時
//
// Prometheus 查詢示例:
//
//   # exploit 成功率
//   rate(psotune_exploits_total{outcome="applied"}[5m])
//     / rate(psotune_exploits_total[5m])
//
//   # 暫停比例
//   rate(psotune_decisions_total{decision="PAUSE"}[1m])
//     / rate(psotune_decisions_total[1m])
//
// 使用方式:
//   Collector 的所有方法對 nil 接收者都是 no-op，
//   因此 controller 可以在沒有監控的情況下直接呼叫。
//
// ============================================================================

package metrics

import (
	"fmt"
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/psotune/pkg/types"
)

const namespace = "psotune"

// Collector Prometheus 指標收集器
type Collector struct {
	// 決策與擾動
	decisions         *prometheus.CounterVec
	perturbations     *prometheus.CounterVec
	exploits          *prometheus.CounterVec
	checkpoints       prometheus.Counter
	syncRounds        prometheus.Counter
	missingAttributes *prometheus.CounterVec

	// 分佈
	velocity     prometheus.Histogram
	stepDuration prometheus.Histogram

	// 狀態指標
	liveTrials   prometheus.Gauge
	nextSync     prometheus.Gauge
	bestScore    prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數說明：
//   - reg: 註冊目標；nil 時使用 prometheus.DefaultRegisterer
//
// 同一個 Registerer 只能註冊一個 Collector，重複註冊會 panic。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of scheduling decisions returned, by decision",
		}, []string{"decision"}),
		perturbations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "perturbations_total",
			Help:      "Total number of perturbation steps, by quantile role",
		}, []string{"role"}),
		exploits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exploits_total",
			Help:      "Total number of exploit attempts, by outcome",
		}, []string{"outcome"}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoint saves requested",
		}),
		syncRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_rounds_total",
			Help:      "Total number of synchronous global steps",
		}),
		missingAttributes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_attributes_total",
			Help:      "Total number of results missing a required attribute",
		}, []string{"attr"}),
		velocity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "velocity_magnitude",
			Help:      "Absolute per-dimension velocity after an explore step",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of a simulated training step in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		liveTrials: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_trials",
			Help:      "Current number of live trials with scheduler state",
		}),
		nextSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_sync_timestep",
			Help:      "Time attribute value of the next synchronization barrier",
		}),
		bestScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_score",
			Help:      "Best sign-adjusted score in the live population",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore scheduler state from a snapshot",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.decisions,
		c.perturbations,
		c.exploits,
		c.checkpoints,
		c.syncRounds,
		c.missingAttributes,
		c.velocity,
		c.stepDuration,
		c.liveTrials,
		c.nextSync,
		c.bestScore,
		c.recoveryTime,
	)

	return c
}

// RecordDecision 記錄一次決策
func (c *Collector) RecordDecision(d types.Decision) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(string(d)).Inc()
}

// RecordPerturbation 記錄一次擾動步驟
func (c *Collector) RecordPerturbation(role string) {
	if c == nil {
		return
	}
	c.perturbations.WithLabelValues(role).Inc()
}

// RecordExploit 記錄一次 exploit 嘗試
func (c *Collector) RecordExploit(applied bool) {
	if c == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "skipped"
	}
	c.exploits.WithLabelValues(outcome).Inc()
}

// RecordCheckpoint 記錄一次檢查點儲存要求
func (c *Collector) RecordCheckpoint() {
	if c == nil {
		return
	}
	c.checkpoints.Inc()
}

// RecordSyncRound 記錄一次全域步驟，並更新下一個同步時間點
func (c *Collector) RecordSyncRound(next float64) {
	if c == nil {
		return
	}
	c.syncRounds.Inc()
	c.nextSync.Set(next)
}

// SetNextSync 設置下一個同步時間點
func (c *Collector) SetNextSync(next float64) {
	if c == nil {
		return
	}
	c.nextSync.Set(next)
}

// RecordMissingAttribute 記錄結果缺少屬性
func (c *Collector) RecordMissingAttribute(attr string) {
	if c == nil {
		return
	}
	c.missingAttributes.WithLabelValues(attr).Inc()
}

// ObserveVelocity 記錄擾動後的速度向量
func (c *Collector) ObserveVelocity(velocity map[string]float64) {
	if c == nil {
		return
	}
	for _, v := range velocity {
		c.velocity.Observe(math.Abs(v))
	}
}

// ObserveStepDuration 記錄單步訓練耗時
func (c *Collector) ObserveStepDuration(seconds float64) {
	if c == nil {
		return
	}
	c.stepDuration.Observe(seconds)
}

// SetLiveTrials 設置存活試驗數
func (c *Collector) SetLiveTrials(n int) {
	if c == nil {
		return
	}
	c.liveTrials.Set(float64(n))
}

// SetBestScore 設置族群最佳分數
func (c *Collector) SetBestScore(score float64) {
	if c == nil {
		return
	}
	c.bestScore.Set(score)
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// Handler 回傳 /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer 建立 Prometheus metrics HTTP 伺服器（尚未啟動）
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源；nil 時使用 prometheus.DefaultGatherer
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
