// ============================================================================
// relaunchd Manager - 頂層協調器
// ============================================================================
//
// Package: internal/manager
// 文件: manager.go
// 功能: 擁有 job table、event queue、activation sockets 與 RPC server，
//       每次 HandleEvent 處理一個事件
//
// 架構:
//
//   ┌──────────────────────── primary epoll ────────────────────────┐
//   │ pidfd × running jobs │ RPC inbox │ timerfd × timers │ secondary │
//   └──────────┬───────────┴─────┬─────┴────────┬─────────┴─────┬─────┘
//              ▼                 ▼              ▼               ▼
//          onExit            onRPC          onTimer       onActivation
//              └─────────────────┴──────┬───────┴───────────────┘
//                                       ▼
//                          jobmanager (state transitions)
//
// 執行模型:
//   單一 goroutine 執行 Run / HandleEvent。其他 goroutine（gRPC handler、
//   manifest watcher、訊號處理）只能透過 RPC inbox 或 Interrupt 與 loop 溝通。
//   HandleEvent 內不做任何無限期阻塞的 I/O；spawn 不等待子行程就緒。
//
// 錯誤隔離:
//   單一 job 的 bind / spawn 失敗只記錄並回報給呼叫者，job 留在原狀態；
//   只有建立 event queue 或 RPC socket 失敗會讓 New 回傳錯誤。
//
// ============================================================================

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"vawter.tech/stopper"

	"github.com/ChuLiYu/relaunchd/internal/activation"
	"github.com/ChuLiYu/relaunchd/internal/domain"
	"github.com/ChuLiYu/relaunchd/internal/event"
	"github.com/ChuLiYu/relaunchd/internal/jobmanager"
	"github.com/ChuLiYu/relaunchd/internal/manifest"
	"github.com/ChuLiYu/relaunchd/internal/metrics"
	"github.com/ChuLiYu/relaunchd/internal/process"
	"github.com/ChuLiYu/relaunchd/internal/rpc"
	"github.com/ChuLiYu/relaunchd/internal/statefile"
	"github.com/ChuLiYu/relaunchd/internal/watcher"
	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// Version is reported by the version method.
var Version = "0.1.0"

// ErrInterrupted is returned by HandleEvent when Interrupt woke the loop.
var ErrInterrupted = errors.New("manager: interrupted")

// Config 設定 Manager
type Config struct {
	Domain       domain.Domain
	StateDir     string   // state.json 所在目錄
	SocketPath   string   // RPC socket；空字串表示 <StateDir>/rpc.sock
	ManifestDirs []string // LoadAll 與 watcher 使用
	Watch        bool
	Backlog      int
	Defaults     manifest.Defaults
	Logger       *slog.Logger
	Metrics      *metrics.Collector // 可為 nil
}

// Manager 代表 supervisor 本體
type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collector

	queue *event.Queue
	jobs  *jobmanager.JobManager
	act   *activation.Subsystem
	rpc   *rpc.Server
	state *statefile.Manager

	paths map[string]types.Label // manifest 路徑 -> label
}

// New 建立 Manager
//
// 錯誤處理：
//   - event queue 或 RPC socket 建立失敗時回傳錯誤，此時尚未載入任何 job
//   - state.json 損壞只記錄錯誤，使用空的 overrides 繼續
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Domain == "" {
		cfg.Domain = domain.Default()
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.StateDir, domain.SocketName)
	}
	log := cfg.Logger.With("component", "manager")

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	queue, err := event.New()
	if err != nil {
		return nil, fmt.Errorf("create event queue: %w", err)
	}

	state := statefile.NewManager(cfg.StateDir)
	if err := state.Load(); err != nil {
		log.Error("ignoring state file", "path", state.Path(), "error", err)
	}

	var rpcObserver rpc.Observer
	var jobObserver jobmanager.Observer
	if cfg.Metrics != nil {
		rpcObserver = cfg.Metrics
		jobObserver = cfg.Metrics
	}

	srv, err := rpc.Listen(rpc.ServerConfig{
		Path:     cfg.SocketPath,
		Domain:   string(cfg.Domain),
		Logger:   cfg.Logger,
		Observer: rpcObserver,
	})
	if err != nil {
		queue.Close()
		return nil, err
	}
	if err := queue.Register(srv.InboxFD(), event.KindRPC); err != nil {
		srv.Close()
		queue.Close()
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
		queue:   queue,
		jobs:    jobmanager.NewJobManager(jobmanager.Options{Logger: cfg.Logger, Observer: jobObserver}),
		act:     activation.New(queue, activation.Config{Backlog: cfg.Backlog, Logger: cfg.Logger}),
		rpc:     srv,
		state:   state,
		paths:   make(map[string]types.Label),
	}
	return m, nil
}

// Start 啟動 RPC server 與 manifest watcher 的 goroutine
func (m *Manager) Start(sctx *stopper.Context) error {
	m.rpc.Start(sctx)
	if !m.cfg.Watch || len(m.cfg.ManifestDirs) == 0 {
		return nil
	}
	w, err := watcher.New(watcher.Config{Dirs: m.cfg.ManifestDirs, Logger: m.cfg.Logger}, m.rpc)
	if err != nil {
		return fmt.Errorf("watch manifests: %w", err)
	}
	w.Start(sctx)
	return nil
}

// LoadAll 載入所有 manifest 目錄並執行 start-all sweep
//
// 單一 manifest 的錯誤不影響其他 job；所有錯誤合併後回傳。
func (m *Manager) LoadAll() error {
	var errs []error
	for _, dir := range m.cfg.ManifestDirs {
		descs, err := manifest.ParseDir(dir)
		if errors.Is(err, os.ErrNotExist) && len(descs) == 0 {
			m.log.Debug("manifest directory missing", "dir", dir)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
		for _, d := range descs {
			if _, err := m.add(d); err != nil {
				errs = append(errs, err)
			}
		}
	}
	m.StartAll()
	m.updateStats()

	err := errors.Join(errs...)
	if err != nil {
		m.log.Error("some manifests failed to load", "error", err)
	}
	return err
}

// StartAll 自動啟動所有符合條件且未停用的 job
func (m *Manager) StartAll() {
	for _, job := range m.jobs.Jobs() {
		if job.State != types.StateLoaded {
			continue
		}
		if err := m.autoStart(job); err != nil {
			m.log.Error("start failed", "label", job.Label(), "error", err)
		}
	}
}

// HandleEvent 等待並處理一個事件，是 event loop 的一次 iteration
//
// 返回值：
//   - ErrInterrupted: Interrupt 喚醒了 loop
//   - 其他錯誤: event queue 本身失敗
func (m *Manager) HandleEvent() error {
	ev, err := m.queue.WaitOne()
	if err != nil {
		return err
	}

	switch e := ev.(type) {
	case event.ProcessExit:
		m.onExit(e)
	case event.RPCRequest:
		m.onRPC()
	case event.ActivationReady:
		m.onActivation(e.FD)
	case event.TimerFired:
		m.onTimer(e.FD)
	case event.Interrupted:
		return ErrInterrupted
	}
	m.updateStats()
	return nil
}

// Run 執行 event loop 直到 ctx 結束
func (m *Manager) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = m.Interrupt() })
	defer stop()

	for {
		err := m.HandleEvent()
		if errors.Is(err, ErrInterrupted) {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}
	}
}

// Interrupt wakes the loop. Safe to call from any goroutine.
func (m *Manager) Interrupt() error {
	return m.queue.Interrupt()
}

// JobExists reports whether label is loaded.
func (m *Manager) JobExists(label types.Label) bool {
	return m.jobs.Exists(label)
}

// Job returns the summary of one job.
func (m *Manager) Job(label types.Label) (types.JobSummary, error) {
	job, err := m.jobs.Get(label)
	if err != nil {
		return types.JobSummary{}, err
	}
	return job.Summary(), nil
}

// SocketPath returns where the RPC server listens.
func (m *Manager) SocketPath() string {
	return m.rpc.Path()
}

// Close 送 SIGTERM 給所有仍在執行的 job，並釋放所有 descriptor
func (m *Manager) Close() error {
	for _, job := range m.jobs.Jobs() {
		if job.Handle != nil {
			if err := process.Signal(job.Label(), job.Handle, syscall.SIGTERM); err != nil {
				m.log.Warn("signal on shutdown failed", "label", job.Label(), "error", err)
			}
		}
	}
	m.act.Close()
	return errors.Join(m.rpc.Close(), m.queue.Close())
}

func (m *Manager) updateStats() {
	if m.metrics == nil {
		return
	}
	counts := make(map[types.JobState]int)
	for _, job := range m.jobs.Jobs() {
		counts[job.State]++
	}
	m.metrics.UpdateJobStats(counts)
}
