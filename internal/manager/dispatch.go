package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/relaunchd/internal/jobmanager"
	"github.com/ChuLiYu/relaunchd/internal/manifest"
	"github.com/ChuLiYu/relaunchd/internal/process"
	"github.com/ChuLiYu/relaunchd/internal/rpc"
	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// ============================================================================
// RPC 分派
// ============================================================================

// onRPC 從 inbox 取出一個呼叫，處理並回覆
func (m *Manager) onRPC() {
	call, ok := m.rpc.Next()
	if !ok {
		return
	}
	call.Reply(m.Dispatch(call.Request))
}

// Dispatch 在 loop goroutine 上執行一個控制請求
func (m *Manager) Dispatch(req rpc.Request) rpc.Reply {
	started := time.Now()
	reply, err := m.dispatch(req)
	if err != nil {
		m.log.Warn("request failed", "method", req.Method, "args", req.Args, "error", err)
		return rpc.ErrorReply(err)
	}
	m.log.Debug("request handled", "method", req.Method, "args", req.Args, "elapsed", time.Since(started))
	return reply
}

func (m *Manager) dispatch(req rpc.Request) (rpc.Reply, error) {
	switch req.Method {
	case rpc.MethodList:
		if err := argc(req, 0, 0); err != nil {
			return rpc.Reply{}, err
		}
		return rpc.Reply{Jobs: m.jobs.Summaries()}, nil

	case rpc.MethodVersion:
		if err := argc(req, 0, 0); err != nil {
			return rpc.Reply{}, err
		}
		return rpc.Reply{Version: "relaunchd " + Version}, nil

	case rpc.MethodDump:
		if err := argc(req, 0, 1); err != nil {
			return rpc.Reply{}, err
		}
		if len(req.Args) == 0 {
			return rpc.Reply{Jobs: m.jobs.Summaries()}, nil
		}
		s, err := m.Job(types.Label(req.Args[0]))
		if err != nil {
			return rpc.Reply{}, err
		}
		return rpc.Reply{Jobs: []types.JobSummary{s}}, nil

	case rpc.MethodLoad:
		if err := argc(req, 1, -1); err != nil {
			return rpc.Reply{}, err
		}
		return rpc.Reply{}, m.Load(req.Args, req.Bool("force"), req.Bool("write"))

	case rpc.MethodUnload:
		if err := argc(req, 1, -1); err != nil {
			return rpc.Reply{}, err
		}
		return rpc.Reply{}, m.Unload(req.Args, req.Bool("write"))

	case rpc.MethodSubmit:
		if err := argc(req, 1, -1); err != nil {
			return rpc.Reply{}, err
		}
		return rpc.Reply{}, m.submit(req)

	case rpc.MethodKill:
		if err := argc(req, 2, 2); err != nil {
			return rpc.Reply{}, err
		}
		sig, err := process.ParseSignal(req.Args[0])
		if err != nil {
			return rpc.Reply{}, fmt.Errorf("%w: %w", rpc.ErrProtocol, err)
		}
		job, err := m.jobs.CheckRunning(types.Label(req.Args[1]), req.Uint("generation"))
		if err != nil {
			return rpc.Reply{}, err
		}
		return rpc.Reply{}, m.signal(job, sig)

	case rpc.MethodRemove, rpc.MethodEnable, rpc.MethodDisable, rpc.MethodStart, rpc.MethodStop:
		if err := argc(req, 1, 1); err != nil {
			return rpc.Reply{}, err
		}
		return rpc.Reply{}, m.byLabel(req.Method, types.Label(req.Args[0]), req.Uint("generation"))
	}
	return rpc.Reply{}, fmt.Errorf("%w: unknown method %q", rpc.ErrProtocol, req.Method)
}

// byLabel 處理只帶一個 label 的方法
func (m *Manager) byLabel(method string, label types.Label, gen uint64) error {
	job, err := m.jobs.Get(label)
	if err != nil {
		return err
	}
	switch method {
	case rpc.MethodRemove:
		return m.unload(job)
	case rpc.MethodEnable:
		return m.enable(job)
	case rpc.MethodDisable:
		return m.disable(job)
	case rpc.MethodStart:
		return m.spawn(job)
	case rpc.MethodStop:
		if _, err := m.jobs.CheckRunning(label, gen); err != nil {
			return err
		}
		return m.stop(job)
	}
	return nil
}

// argc checks the number of positional arguments; max < 0 means unbounded.
func argc(req rpc.Request, min, max int) error {
	n := len(req.Args)
	if n < min || (max >= 0 && n > max) {
		return fmt.Errorf("%w: %s takes %s arguments, got %d", rpc.ErrProtocol, req.Method, argRange(min, max), n)
	}
	return nil
}

func argRange(min, max int) string {
	switch {
	case max < 0:
		return fmt.Sprintf("at least %d", min)
	case min == max:
		return fmt.Sprint(min)
	default:
		return fmt.Sprintf("%d to %d", min, max)
	}
}

// ============================================================================
// load / unload
// ============================================================================

// Load 載入檔案或目錄中的 manifest
//
// 參數說明：
//   - paths: manifest 檔案或目錄
//   - force: 忽略停用狀態與 RunAtLoad，立即啟動（-F）
//   - write: 把啟用狀態寫入 state.json（-w）
//
// 錯誤處理：
//   - 每個 manifest 各自成功或失敗，所有錯誤合併後回傳
func (m *Manager) Load(paths []string, force, write bool) error {
	var errs []error
	for _, p := range paths {
		descs, err := readManifests(p)
		if err != nil {
			errs = append(errs, err)
		}
		for _, d := range descs {
			if err := m.loadOne(d, force, write); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) loadOne(d *manifest.JobDescriptor, force, write bool) error {
	if m.jobs.Exists(d.Label) {
		return fmt.Errorf("load %s: %w: %q", d.Path, jobmanager.ErrDuplicateJob, d.Label)
	}
	if write {
		if err := m.state.SetEnabled(d.Label, true); err != nil {
			return err
		}
	}
	job, err := m.add(d)
	if err != nil {
		return err
	}
	if force {
		err = m.forceStart(job)
	} else {
		err = m.autoStart(job)
	}
	if err != nil {
		// the job stays loaded in its prior state
		return fmt.Errorf("start %q: %w", d.Label, err)
	}
	return nil
}

// Unload 卸載檔案或目錄中的 manifest 所對應的 job
//
// 已被刪除的檔案以載入時記錄的路徑找回 label。
func (m *Manager) Unload(paths []string, write bool) error {
	var errs []error
	for _, p := range paths {
		labels, err := m.labelsFor(p)
		if err != nil {
			errs = append(errs, err)
		}
		for _, label := range labels {
			job, err := m.jobs.Get(label)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if write {
				if err := m.state.SetEnabled(label, false); err != nil {
					errs = append(errs, err)
					continue
				}
			}
			if err := m.unload(job); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) labelsFor(path string) ([]types.Label, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if label, ok := m.paths[abs]; ok {
		return []types.Label{label}, nil
	}

	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("unload %s: %w", abs, jobmanager.ErrJobNotFound)
		}
		return nil, err
	}
	if !fi.IsDir() {
		d, err := manifest.ParseFile(abs)
		if err != nil {
			return nil, err
		}
		return []types.Label{d.Label}, nil
	}

	var labels []types.Label
	prefix := abs + string(filepath.Separator)
	for p, label := range m.paths {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], string(filepath.Separator)) {
			labels = append(labels, label)
		}
	}
	return labels, nil
}

// readManifests parses one file or every manifest of a directory.
func readManifests(path string) ([]*manifest.JobDescriptor, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, &manifest.ValidationError{Path: abs, Err: err}
	}
	if fi.IsDir() {
		return manifest.ParseDir(abs)
	}
	d, err := manifest.ParseFile(abs)
	if err != nil {
		return nil, err
	}
	return []*manifest.JobDescriptor{d}, nil
}

// ============================================================================
// enable / disable / submit
// ============================================================================

// enable 先寫入 state.json，再恢復停用前的狀態
//
// 停用前在等待連線的 job 必須先重新 bind；bind 失敗時 job 保持 Disabled。
// 恢復後補回 keep-alive 重啟與 StartInterval 的排程。
func (m *Manager) enable(job *jobmanager.Job) error {
	label := job.Label()
	if err := m.state.SetEnabled(label, true); err != nil {
		return err
	}
	pre, err := m.jobs.PreDisableState(label)
	if err != nil {
		return err
	}
	if job.State != types.StateDisabled {
		return nil
	}
	if pre == types.StateActivating {
		if err := m.act.BindAll(label, job.Desc.Sockets); err != nil {
			return err
		}
	}
	if _, err := m.jobs.Enable(label); err != nil {
		return err
	}
	m.resume(job)
	return nil
}

// disable 先寫入 state.json，再停用；不影響正在執行的行程
func (m *Manager) disable(job *jobmanager.Job) error {
	label := job.Label()
	if err := m.state.SetEnabled(label, false); err != nil {
		return err
	}
	if job.State == types.StateDisabled {
		return nil
	}
	if job.State == types.StateActivating {
		m.act.Release(label)
	}
	if job.TimerPurpose == jobmanager.TimerThrottle || job.TimerPurpose == jobmanager.TimerInterval {
		m.cancelTimer(job)
	}
	_, err := m.jobs.Disable(label)
	return err
}

// submit 建立沒有 manifest 檔案的 job 並立即啟動
func (m *Manager) submit(req rpc.Request) error {
	label := req.String("label")
	if label == "" {
		return &manifest.ValidationError{Field: "Label", Err: errors.New("submit requires -l label")}
	}
	keepAlive := true
	if v, ok := req.Kwargs["keepalive"].(bool); ok {
		keepAlive = v
	}

	doc := map[string]any{
		"Label":            label,
		"ProgramArguments": req.Args,
		"RunAtLoad":        true,
		"KeepAlive":        keepAlive,
	}
	if p := req.String("program"); p != "" {
		doc["Program"] = p
	}
	if p := req.String("stdout"); p != "" {
		doc["StandardOutPath"] = p
	}
	if p := req.String("stderr"); p != "" {
		doc["StandardErrorPath"] = p
	}

	d, err := manifest.FromMap(doc)
	if err != nil {
		return err
	}
	return m.loadOne(d, true, false)
}
