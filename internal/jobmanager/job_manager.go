// ============================================================================
// relaunchd 任務管理器 - Job 狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 維護 job table，並檢查每一個狀態轉換是否合法
//
// 設計理念:
//   JobManager 只記錄狀態，不做任何系統呼叫。spawn、bind、kill 都由
//   manager 執行，成功之後再呼叫對應的 MarkXxx 方法；失敗時不呼叫，
//   job 便停留在原本的狀態。
//
// 任務狀態轉換 (State Machine):
//
//   Loaded ──MarkRunning──> Running ──MarkStopping──> Stopping
//     │                       ▲  │                       │
//     │ MarkActivating        │  └──────MarkExited───────┤
//     ▼                       │                          ▼
//   Activating ──MarkRunning──┘                       Stopped ──MarkRunning (keep-alive)
//
//   任何狀態 ──Disable──> Disabled ──Enable──> 停用前的狀態
//   Remove: 只有沒有行程的 job 能從 table 移除
//
// 數據結構設計:
//   jobs    map[Label]*Job - 主存儲 (Single Source of Truth)
//   byPID   map[int]Label  - 行程結束事件的反查索引
//   byTimer map[int]Label  - timerfd 事件的反查索引
//
// 並發安全:
//   不使用 mutex。整個 table 由 manager 的 event loop goroutine 獨佔，
//   RPC goroutine 只能透過 inbox 讓 loop 代為修改。
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/relaunchd/internal/manifest"
	"github.com/ChuLiYu/relaunchd/internal/process"
	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 label 重複錯誤
	ErrDuplicateJob = errors.New("duplicate label")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務沒有執行中的行程
	ErrNotRunning = errors.New("job not running")
	// RPC 指定的 generation 已被 respawn 取代
	ErrStaleGeneration = fmt.Errorf("%w: generation changed", ErrNotRunning)
	// 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid state transition")
)

// TimerPurpose 說明 job 目前掛著的 timer 用途
type TimerPurpose int

const (
	TimerNone        TimerPurpose = iota
	TimerThrottle                 // keep-alive 重啟節流
	TimerInterval                 // StartInterval 週期啟動
	TimerExitTimeout              // Stopping 超時，送 SIGKILL
)

func (p TimerPurpose) String() string {
	switch p {
	case TimerThrottle:
		return "throttle"
	case TimerInterval:
		return "interval"
	case TimerExitTimeout:
		return "exit_timeout"
	default:
		return "none"
	}
}

// Observer is told about every state change. The metrics collector
// implements it.
type Observer interface {
	Transition(label types.Label, from, to types.JobState)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Job 代表 job table 中的一筆 runtime entry
type Job struct {
	Desc       *manifest.JobDescriptor
	State      types.JobState
	Handle     *process.Handle   // 只有 Running / Stopping（或停用中仍存活）時非 nil
	LastExit   *types.ExitStatus // 最近一次結束狀態
	StartedAt  time.Time
	ExitedAt   time.Time
	Generation uint64 // 每次 spawn 加一
	Unloading  bool   // 行程結束後從 table 移除

	TimerFD      int
	TimerPurpose TimerPurpose

	preDisable types.JobState
}

// Label returns the job's key.
func (j *Job) Label() types.Label {
	return j.Desc.Label
}

// PID returns the live process id, or 0.
func (j *Job) PID() int {
	if j.Handle == nil {
		return 0
	}
	return j.Handle.PID
}

// Summary 產生 list / dump 使用的摘要
func (j *Job) Summary() types.JobSummary {
	s := types.JobSummary{
		Label:      j.Desc.Label,
		PID:        j.PID(),
		State:      j.State,
		Generation: j.Generation,
	}
	if j.LastExit != nil {
		s.LastExitStatus = j.LastExit.Code
		if j.LastExit.Signal != 0 {
			s.LastExitStatus = -j.LastExit.Signal
		}
	}
	return s
}

// Options 設定 JobManager
type Options struct {
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

// JobManager 代表 job table
type JobManager struct {
	jobs    map[types.Label]*Job
	byPID   map[int]types.Label
	byTimer map[int]types.Label

	log      *slog.Logger
	observer Observer
	now      func() time.Time
}

// NewJobManager 建立新的 job table
func NewJobManager(opts Options) *JobManager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &JobManager{
		jobs:     make(map[types.Label]*Job),
		byPID:    make(map[int]types.Label),
		byTimer:  make(map[int]types.Label),
		log:      opts.Logger.With("component", "jobmanager"),
		observer: opts.Observer,
		now:      opts.Now,
	}
}

// ============================================================================
// Table 操作
// ============================================================================

// Add 將新的 job 加入 table
//
// 參數說明：
//   - desc: 已驗證的 job descriptor
//   - disabled: 由 manifest 或持久化 override 決定的停用旗標
//
// 錯誤處理：
//   - ErrDuplicateJob: label 已存在，原本的 job 不受影響
func (jm *JobManager) Add(desc *manifest.JobDescriptor, disabled bool) (*Job, error) {
	if _, exists := jm.jobs[desc.Label]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateJob, desc.Label)
	}
	job := &Job{Desc: desc, State: types.StateLoaded, TimerFD: -1}
	if disabled {
		job.State = types.StateDisabled
		job.preDisable = types.StateLoaded
	}
	jm.jobs[desc.Label] = job
	jm.log.Info("job loaded", "label", desc.Label, "state", job.State)
	return job, nil
}

// Get 取得 job
func (jm *JobManager) Get(label types.Label) (*Job, error) {
	job, ok := jm.jobs[label]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, label)
	}
	return job, nil
}

// Exists reports whether label is in the table.
func (jm *JobManager) Exists(label types.Label) bool {
	_, ok := jm.jobs[label]
	return ok
}

// Len returns the number of jobs in the table.
func (jm *JobManager) Len() int {
	return len(jm.jobs)
}

// Remove 從 table 移除沒有行程的 job；timer 需由呼叫者先取消
func (jm *JobManager) Remove(label types.Label) error {
	job, err := jm.Get(label)
	if err != nil {
		return err
	}
	if job.Handle != nil {
		return fmt.Errorf("%w: %q still has pid %d", ErrInvalidTransition, label, job.Handle.PID)
	}
	if job.TimerFD >= 0 {
		delete(jm.byTimer, job.TimerFD)
	}
	delete(jm.jobs, label)
	jm.log.Info("job removed", "label", label)
	return nil
}

// Jobs 依 label 排序回傳所有 job
func (jm *JobManager) Jobs() []*Job {
	out := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Desc.Label < out[k].Desc.Label })
	return out
}

// Summaries 依 label 排序回傳所有 job 的摘要
func (jm *JobManager) Summaries() []types.JobSummary {
	jobs := jm.Jobs()
	out := make([]types.JobSummary, len(jobs))
	for i, job := range jobs {
		out[i] = job.Summary()
	}
	return out
}

// ByPID finds the job owning a live process.
func (jm *JobManager) ByPID(pid int) (*Job, bool) {
	label, ok := jm.byPID[pid]
	if !ok {
		return nil, false
	}
	return jm.jobs[label], true
}

// ByTimer finds the job owning a pending timer.
func (jm *JobManager) ByTimer(fd int) (*Job, bool) {
	label, ok := jm.byTimer[fd]
	if !ok {
		return nil, false
	}
	return jm.jobs[label], true
}

// ============================================================================
// 狀態轉換
// ============================================================================

// MarkActivating records that the job's sockets are bound and armed.
func (jm *JobManager) MarkActivating(label types.Label) error {
	job, err := jm.Get(label)
	if err != nil {
		return err
	}
	switch job.State {
	case types.StateLoaded, types.StateStopped, types.StateDisabled:
	default:
		return jm.invalid(job, types.StateActivating)
	}
	if len(job.Desc.Sockets) == 0 {
		return fmt.Errorf("%w: %q has no sockets", ErrInvalidTransition, label)
	}
	jm.set(job, types.StateActivating)
	return nil
}

// MarkRunning 記錄行程已成功 spawn
//
// 可從 Loaded、Activating、Stopped 進入；Disabled 只允許強制啟動時進入。
// Generation 每次加一。
func (jm *JobManager) MarkRunning(label types.Label, h *process.Handle) error {
	job, err := jm.Get(label)
	if err != nil {
		return err
	}
	if job.Handle != nil {
		return fmt.Errorf("%w: %q already has pid %d", ErrInvalidTransition, label, job.Handle.PID)
	}
	switch job.State {
	case types.StateLoaded, types.StateActivating, types.StateStopped, types.StateDisabled:
	default:
		return jm.invalid(job, types.StateRunning)
	}

	job.Handle = h
	job.StartedAt = h.Started
	job.Generation++
	jm.byPID[h.PID] = label
	jm.set(job, types.StateRunning)
	jm.log.Info("job started", "label", label, "pid", h.PID, "generation", job.Generation)
	return nil
}

// MarkStopping 記錄已送出終止訊號
func (jm *JobManager) MarkStopping(label types.Label) error {
	job, err := jm.Get(label)
	if err != nil {
		return err
	}
	if job.Handle == nil {
		return fmt.Errorf("%w: %q", ErrNotRunning, label)
	}
	switch job.State {
	case types.StateRunning:
		jm.set(job, types.StateStopping)
	case types.StateStopping:
	case types.StateDisabled:
		job.preDisable = types.StateStopping
	default:
		return jm.invalid(job, types.StateStopping)
	}
	return nil
}

// MarkExited 記錄行程結束
//
// 參數說明：
//   - pid: 結束的行程
//   - status: 解碼後的結束狀態
//
// 返回值：
//   - *Job: 擁有該行程的 job；停用中的 job 保持 Disabled
//
// 錯誤處理：
//   - ErrNotRunning: 沒有 job 擁有這個 pid
func (jm *JobManager) MarkExited(pid int, status types.ExitStatus) (*Job, error) {
	job, ok := jm.ByPID(pid)
	if !ok {
		return nil, fmt.Errorf("%w: no job owns pid %d", ErrNotRunning, pid)
	}
	delete(jm.byPID, pid)
	job.Handle = nil
	job.LastExit = &status
	job.ExitedAt = jm.now()

	if job.State == types.StateDisabled {
		job.preDisable = types.StateStopped
	} else {
		jm.set(job, types.StateStopped)
	}
	jm.log.Info("job exited", "label", job.Desc.Label, "pid", pid, "status", status.String())
	return job, nil
}

// Disable 將 job 移出自動啟動；已停用時不做任何事
func (jm *JobManager) Disable(label types.Label) (*Job, error) {
	job, err := jm.Get(label)
	if err != nil {
		return nil, err
	}
	if job.State == types.StateDisabled {
		return job, nil
	}
	job.preDisable = job.State
	jm.set(job, types.StateDisabled)
	return job, nil
}

// Enable 恢復停用前的狀態；未停用時不做任何事
func (jm *JobManager) Enable(label types.Label) (*Job, error) {
	job, err := jm.Get(label)
	if err != nil {
		return nil, err
	}
	if job.State != types.StateDisabled {
		return job, nil
	}
	restore := job.preDisable
	if restore == "" {
		restore = types.StateLoaded
	}
	job.preDisable = ""
	jm.set(job, restore)
	return job, nil
}

// PreDisableState is the state Enable would restore.
func (jm *JobManager) PreDisableState(label types.Label) (types.JobState, error) {
	job, err := jm.Get(label)
	if err != nil {
		return "", err
	}
	if job.State != types.StateDisabled {
		return job.State, nil
	}
	return job.preDisable, nil
}

// CheckRunning returns the job when it has a live process and, when gen is
// non-zero, that process belongs to generation gen.
func (jm *JobManager) CheckRunning(label types.Label, gen uint64) (*Job, error) {
	job, err := jm.Get(label)
	if err != nil {
		return nil, err
	}
	if job.Handle == nil {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotRunning, label, job.State)
	}
	if gen != 0 && gen != job.Generation {
		return nil, fmt.Errorf("%w: %q is at %d, not %d", ErrStaleGeneration, label, job.Generation, gen)
	}
	return job, nil
}

// ============================================================================
// Timer 與重啟策略
// ============================================================================

// SetTimer 記錄 job 掛著的 timer；一個 job 同時只有一個 timer
func (jm *JobManager) SetTimer(label types.Label, fd int, purpose TimerPurpose) error {
	job, err := jm.Get(label)
	if err != nil {
		return err
	}
	if job.TimerFD >= 0 {
		return fmt.Errorf("%w: %q already waits on a %s timer", ErrInvalidTransition, label, job.TimerPurpose)
	}
	job.TimerFD = fd
	job.TimerPurpose = purpose
	jm.byTimer[fd] = label
	return nil
}

// ClearTimer forgets the job's timer and returns its descriptor (-1 when
// none was set) so the caller can cancel it.
func (jm *JobManager) ClearTimer(job *Job) (int, TimerPurpose) {
	fd, purpose := job.TimerFD, job.TimerPurpose
	if fd >= 0 {
		delete(jm.byTimer, fd)
	}
	job.TimerFD = -1
	job.TimerPurpose = TimerNone
	return fd, purpose
}

// ShouldRespawn reports whether a stopped job restarts on its own.
func (jm *JobManager) ShouldRespawn(job *Job) bool {
	return job.State == types.StateStopped && !job.Unloading && job.Desc.KeepAlive.Always
}

// RespawnDelay 計算 keep-alive 重啟前要等多久
//
// 行程執行時間達到 ThrottleInterval 時立即重啟，否則等到補滿為止。
func (jm *JobManager) RespawnDelay(job *Job) time.Duration {
	throttle := job.Desc.ThrottleInterval
	ran := job.ExitedAt.Sub(job.StartedAt)
	if ran >= throttle {
		return 0
	}
	return throttle - ran
}

// ============================================================================
// 內部方法
// ============================================================================

func (jm *JobManager) set(job *Job, to types.JobState) {
	from := job.State
	if from == to {
		return
	}
	job.State = to
	jm.log.Info("job state", "label", job.Desc.Label, "from", from, "to", to)
	if jm.observer != nil {
		jm.observer.Transition(job.Desc.Label, from, to)
	}
}

func (jm *JobManager) invalid(job *Job, to types.JobState) error {
	return fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, job.Desc.Label, job.State, to)
}
