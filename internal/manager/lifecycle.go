package manager

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/relaunchd/internal/event"
	"github.com/ChuLiYu/relaunchd/internal/jobmanager"
	"github.com/ChuLiYu/relaunchd/internal/manifest"
	"github.com/ChuLiYu/relaunchd/internal/process"
	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// ============================================================================
// 載入與啟動
// ============================================================================

// add 將描述加入 job table；停用狀態以 state.json 的 override 為準
func (m *Manager) add(desc *manifest.JobDescriptor) (*jobmanager.Job, error) {
	desc.ApplyDefaults(m.cfg.Defaults)
	disabled := m.state.Disabled(desc.Label, desc.Disabled)
	job, err := m.jobs.Add(desc, disabled)
	if err != nil {
		return nil, err
	}
	if desc.Path != "" {
		m.paths[desc.Path] = desc.Label
	}
	return job, nil
}

// autoStart 依描述決定 job 在 sweep 中的去向
//
//   - Disabled: 不動
//   - 有 socket 且非 RunAtLoad: bind 並等待連線
//   - RunAtLoad 或 KeepAlive: 立即 spawn
//   - StartInterval: 掛上週期 timer
func (m *Manager) autoStart(job *jobmanager.Job) error {
	d := job.Desc
	switch {
	case job.State == types.StateDisabled:
		return nil
	case d.OnDemand():
		return m.arm(job)
	case d.RunAtLoad || d.KeepAlive.Always:
		return m.spawn(job)
	case d.StartInterval > 0:
		return m.setTimer(job, d.StartInterval, jobmanager.TimerInterval)
	}
	return nil
}

// forceStart 用於 load -F：忽略停用狀態與 RunAtLoad
func (m *Manager) forceStart(job *jobmanager.Job) error {
	if job.Desc.OnDemand() {
		return m.arm(job)
	}
	return m.spawn(job)
}

// restart 在 keep-alive 重啟時使用；等待連線的 job 回到 Activating
func (m *Manager) restart(job *jobmanager.Job) {
	var err error
	if job.Desc.OnDemand() {
		err = m.arm(job)
	} else {
		err = m.spawn(job)
	}
	if err != nil {
		m.log.Error("restart failed", "label", job.Label(), "error", err)
	}
}

// arm binds the job's sockets and waits for the first connection.
func (m *Manager) arm(job *jobmanager.Job) error {
	label := job.Label()
	if job.State == types.StateActivating {
		return nil
	}
	if err := m.act.BindAll(label, job.Desc.Sockets); err != nil {
		return err
	}
	if err := m.jobs.MarkActivating(label); err != nil {
		m.act.Release(label)
		return err
	}
	return nil
}

// spawn 啟動 job 的行程
//
// 錯誤處理：
//   - bind / exec 失敗時 job 保持原狀態；本函數 bind 的 socket 會被關閉，
//     原本在等待連線的 socket 重新註冊
//   - 已有行程時不做任何事
func (m *Manager) spawn(job *jobmanager.Job) error {
	label := job.Label()
	if job.Handle != nil {
		return nil
	}

	boundHere := false
	if len(job.Desc.Sockets) > 0 && !m.act.Bound(label) {
		if err := m.act.Bind(label, job.Desc.Sockets); err != nil {
			m.recordSpawn(err)
			return err
		}
		boundHere = true
	}

	spec := process.SpecFor(job.Desc)
	spec.Handoff = m.act.Handoff(label)
	h, err := process.Start(spec)
	m.recordSpawn(err)
	if err != nil {
		switch {
		case boundHere:
			m.act.Release(label)
		case job.State == types.StateActivating:
			if aerr := m.act.Arm(label); aerr != nil {
				m.log.Error("re-arm failed", "label", label, "error", aerr)
			}
		}
		return err
	}

	if err := m.jobs.MarkRunning(label, h); err != nil {
		// unreachable while Handle is nil; do not leave an untracked child
		_ = process.Signal(label, h, syscall.SIGKILL)
		m.reapNow(h.PID)
		return err
	}
	m.act.Release(label)
	m.cancelTimer(job)

	if err := m.queue.WatchProcess(h.PID); err != nil {
		m.log.Error("cannot watch process", "label", label, "pid", h.PID, "error", err)
		_ = process.Signal(label, h, syscall.SIGKILL)
		status := m.reapNow(h.PID)
		_, _ = m.jobs.MarkExited(h.PID, status)
		return fmt.Errorf("watch %q: %w", label, err)
	}
	return nil
}

// reapNow waits for a child that the event queue does not know about.
func (m *Manager) reapNow(pid int) types.ExitStatus {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		m.log.Warn("wait failed", "pid", pid, "error", err)
	}
	if ws.Signaled() {
		return types.ExitStatus{Code: -1, Signal: int(ws.Signal())}
	}
	return types.ExitStatus{Code: ws.ExitStatus()}
}

// ============================================================================
// 停止與卸載
// ============================================================================

// stop 送 SIGTERM 並掛上 ExitTimeout timer
func (m *Manager) stop(job *jobmanager.Job) error {
	if job.Handle == nil {
		return fmt.Errorf("%w: %q is %s", jobmanager.ErrNotRunning, job.Label(), job.State)
	}
	if err := m.signal(job, syscall.SIGTERM); err != nil {
		return err
	}
	if job.Desc.ExitTimeout > 0 {
		m.cancelTimer(job)
		if err := m.setTimer(job, job.Desc.ExitTimeout, jobmanager.TimerExitTimeout); err != nil {
			m.log.Warn("no exit timeout", "label", job.Label(), "error", err)
		}
	}
	return nil
}

// signal delivers sig and moves the job to Stopping when sig ends the process.
func (m *Manager) signal(job *jobmanager.Job, sig syscall.Signal) error {
	if err := process.Signal(job.Label(), job.Handle, sig); err != nil {
		return err
	}
	if terminates(sig) {
		return m.jobs.MarkStopping(job.Label())
	}
	return nil
}

// terminates reports whether the default action of sig ends the process.
func terminates(sig syscall.Signal) bool {
	switch sig {
	case unix.SIGCHLD, unix.SIGCONT, unix.SIGSTOP, unix.SIGTSTP,
		unix.SIGTTIN, unix.SIGTTOU, unix.SIGURG, unix.SIGWINCH:
		return false
	}
	return true
}

// unload 卸載 job；仍在執行時先經過 Stopping，行程結束後才移除
func (m *Manager) unload(job *jobmanager.Job) error {
	job.Unloading = true
	if job.Handle == nil {
		return m.finishUnload(job)
	}
	if job.State == types.StateStopping {
		return nil
	}
	if err := m.stop(job); err != nil {
		job.Unloading = false
		return err
	}
	return nil
}

func (m *Manager) finishUnload(job *jobmanager.Job) error {
	label := job.Label()
	m.cancelTimer(job)
	m.act.Release(label)
	if err := m.jobs.Remove(label); err != nil {
		return err
	}
	for path, l := range m.paths {
		if l == label {
			delete(m.paths, path)
		}
	}
	m.log.Info("job unloaded", "label", label)
	return nil
}

// ============================================================================
// Timer
// ============================================================================

func (m *Manager) setTimer(job *jobmanager.Job, d time.Duration, purpose jobmanager.TimerPurpose) error {
	m.cancelTimer(job)
	fd, err := m.queue.AddTimer(d)
	if err != nil {
		return err
	}
	if err := m.jobs.SetTimer(job.Label(), fd, purpose); err != nil {
		_ = m.queue.CancelTimer(fd)
		return err
	}
	m.log.Debug("timer armed", "label", job.Label(), "purpose", purpose.String(), "after", d)
	return nil
}

func (m *Manager) cancelTimer(job *jobmanager.Job) {
	fd, _ := m.jobs.ClearTimer(job)
	if fd < 0 {
		return
	}
	if err := m.queue.CancelTimer(fd); err != nil && !errors.Is(err, event.ErrNotRegistered) {
		m.log.Warn("cancel timer failed", "label", job.Label(), "fd", fd, "error", err)
	}
}

// ============================================================================
// 事件處理
// ============================================================================

// onExit 處理行程結束：卸載、keep-alive 重啟或週期 timer
func (m *Manager) onExit(e event.ProcessExit) {
	job, err := m.jobs.MarkExited(e.PID, e.Status)
	if err != nil {
		m.log.Warn("exit of unknown process", "pid", e.PID, "error", err)
		return
	}
	m.cancelTimer(job)

	switch {
	case job.Unloading:
		if err := m.finishUnload(job); err != nil {
			m.log.Error("unload failed", "label", job.Label(), "error", err)
		}
	case m.jobs.ShouldRespawn(job):
		delay := m.jobs.RespawnDelay(job)
		if delay == 0 {
			m.restart(job)
			return
		}
		if err := m.setTimer(job, delay, jobmanager.TimerThrottle); err != nil {
			m.log.Error("cannot throttle respawn", "label", job.Label(), "error", err)
		}
	case job.State == types.StateStopped && job.Desc.StartInterval > 0:
		if err := m.setTimer(job, job.Desc.StartInterval, jobmanager.TimerInterval); err != nil {
			m.log.Error("cannot schedule interval", "label", job.Label(), "error", err)
		}
	}
}

// resume 在 enable 後補回 disable 取消的排程
//
// keep-alive 的 Stopped job 扣掉停用期間已經過的時間後重啟；
// StartInterval job 重新設定 interval timer。
func (m *Manager) resume(job *jobmanager.Job) {
	switch {
	case m.jobs.ShouldRespawn(job):
		delay := m.jobs.RespawnDelay(job) - time.Since(job.ExitedAt)
		if delay <= 0 {
			m.restart(job)
			return
		}
		if err := m.setTimer(job, delay, jobmanager.TimerThrottle); err != nil {
			m.log.Error("cannot throttle respawn", "label", job.Label(), "error", err)
		}
	case (job.State == types.StateLoaded || job.State == types.StateStopped) && job.Desc.StartInterval > 0:
		if err := m.setTimer(job, job.Desc.StartInterval, jobmanager.TimerInterval); err != nil {
			m.log.Error("cannot schedule interval", "label", job.Label(), "error", err)
		}
	}
}

// onTimer 處理 timer 到期；fd 已由 queue 關閉
func (m *Manager) onTimer(fd int) {
	job, ok := m.jobs.ByTimer(fd)
	if !ok {
		return
	}
	_, purpose := m.jobs.ClearTimer(job)

	switch purpose {
	case jobmanager.TimerThrottle:
		if job.State == types.StateStopped && !job.Unloading {
			m.restart(job)
		}
	case jobmanager.TimerInterval:
		if job.State == types.StateLoaded || job.State == types.StateStopped {
			if err := m.spawn(job); err != nil {
				m.log.Error("interval start failed", "label", job.Label(), "error", err)
			}
		}
	case jobmanager.TimerExitTimeout:
		if job.Handle != nil {
			m.log.Warn("exit timeout, killing", "label", job.Label(), "pid", job.Handle.PID)
			if err := process.Signal(job.Label(), job.Handle, syscall.SIGKILL); err != nil {
				m.log.Error("kill failed", "label", job.Label(), "error", err)
			}
		}
	}
}

// onActivation 第一個連線到達：spawn 並把 socket 交給子行程
func (m *Manager) onActivation(fd int) {
	label, err := m.act.OnSecondaryReady(fd)
	if err != nil {
		m.log.Warn("activation on unknown socket", "fd", fd, "error", err)
		return
	}
	job, err := m.jobs.Get(label)
	if err != nil {
		m.act.Release(label)
		return
	}
	if err := m.spawn(job); err != nil {
		m.log.Error("activation spawn failed", "label", label, "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.RecordActivation()
	}
}

func (m *Manager) recordSpawn(err error) {
	if m.metrics != nil {
		m.metrics.RecordSpawn(err)
	}
}
