// ============================================================================
// relaunchd Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 supervisor 運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - relaunchd_job_transitions_total{from,to}: 狀態轉換次數
//      - relaunchd_spawns_total: 成功啟動的行程數
//      - relaunchd_spawn_failures_total: 啟動失敗次數
//      - relaunchd_activations_total: socket activation 觸發次數
//      - relaunchd_rpc_requests_total{method,result}: RPC 呼叫次數
//
//   2. 性能指標 (Histogram)：
//      - relaunchd_rpc_duration_seconds{method}: 從收到請求到回覆的時間，
//        包含在 inbox 中等待 event loop 的時間
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - relaunchd_jobs{state}: 各狀態的 job 數
//
// Prometheus 查詢示例:
//
//   # 持續重啟的 job
//   rate(relaunchd_job_transitions_total{from="running",to="stopped"}[5m])
//
//   # RPC 95 分位延遲
//   histogram_quantile(0.95, rate(relaunchd_rpc_duration_seconds_bucket[5m]))
//
// HTTP 端點:
//   metrics.enabled 為 true 時在 metrics.address 暴露 /metrics
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// allStates 讓 gauge 在沒有 job 的狀態也回報 0
var allStates = []types.JobState{
	types.StateLoaded,
	types.StateActivating,
	types.StateRunning,
	types.StateStopping,
	types.StateStopped,
	types.StateDisabled,
}

// Collector Prometheus 指標收集器
type Collector struct {
	transitions   *prometheus.CounterVec
	spawns        prometheus.Counter
	spawnFailures prometheus.Counter
	activations   prometheus.Counter
	rpcRequests   *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec
	jobs          *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaunchd_job_transitions_total",
			Help: "Total number of job state transitions",
		}, []string{"from", "to"}),
		spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaunchd_spawns_total",
			Help: "Total number of job processes started",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaunchd_spawn_failures_total",
			Help: "Total number of failed process starts",
		}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaunchd_activations_total",
			Help: "Total number of socket activations",
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaunchd_rpc_requests_total",
			Help: "Total number of control requests by method and result",
		}, []string{"method", "result"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaunchd_rpc_duration_seconds",
			Help:    "Control request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaunchd_jobs",
			Help: "Current number of jobs by state",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.transitions,
		c.spawns,
		c.spawnFailures,
		c.activations,
		c.rpcRequests,
		c.rpcDuration,
		c.jobs,
	)
	return c
}

// Transition 記錄狀態轉換
func (c *Collector) Transition(_ types.Label, from, to types.JobState) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordSpawn 記錄行程啟動結果
func (c *Collector) RecordSpawn(err error) {
	if err != nil {
		c.spawnFailures.Inc()
		return
	}
	c.spawns.Inc()
}

// RecordActivation 記錄 socket activation
func (c *Collector) RecordActivation() {
	c.activations.Inc()
}

// ObserveRPC 記錄一次 RPC；kind 為空字串表示成功
func (c *Collector) ObserveRPC(method, kind string, elapsed time.Duration) {
	result := kind
	if result == "" {
		result = "ok"
	}
	c.rpcRequests.WithLabelValues(method, result).Inc()
	c.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// UpdateJobStats 更新各狀態 job 數
func (c *Collector) UpdateJobStats(counts map[types.JobState]int) {
	for _, s := range allStates {
		c.jobs.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - sctx: 擁有 server goroutine；停止時關閉 server
//   - addr: 監聽位址，例如 "127.0.0.1:9464"
//   - g: 要暴露的指標來源
//
// 返回值：
//   - net.Addr: 實際監聽位址（addr 的 port 為 0 時有用）
//   - error: 監聽失敗的錯誤
func StartServer(sctx *stopper.Context, addr string, g prometheus.Gatherer, log *slog.Logger) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	sctx.Go(func(sctx *stopper.Context) error {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sctx.Go(func(sctx *stopper.Context) error {
		<-sctx.Stopping()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	if log != nil {
		log.Info("metrics listening", "component", "metrics", "address", lis.Addr().String())
	}
	return lis.Addr(), nil
}
