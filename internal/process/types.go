package process

import (
	"time"

	"github.com/ChuLiYu/relaunchd/internal/manifest"
	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// Spec 代表要啟動的行程
type Spec struct {
	Label       types.Label       // 所屬 job
	Program     string            // 執行檔路徑
	Args        []string          // argv，含 argv[0]
	Dir         string            // 工作目錄，空字串表示 "/"
	RootDir     string            // chroot 目錄
	Env         map[string]string // manifest 指定的環境變數
	UserName    string            // 以此使用者身分執行
	GroupName   string            // 以此群組身分執行
	InitGroups  bool              // 是否載入使用者的補充群組
	Nice        int               // 排程優先權
	Umask       *uint32           // 子行程的 umask
	StdinPath   string
	StdoutPath  string
	StderrPath  string
	Handoff     []Handoff // 交給子行程的 socket，依序佔用 fd 3 起
	KeepPgroup  bool      // AbandonProcessGroup：停止時只送訊號給主行程
	ExitTimeout time.Duration
}

// Handoff is one descriptor passed to the child at the next inheritance slot.
type Handoff struct {
	Name string
	FD   int
}

// Handle 代表一個已啟動的行程
type Handle struct {
	PID     int
	Started time.Time
	// Group is false when signals go to the process only.
	Group bool
}

// SpecFor builds the launch spec of a descriptor. Sockets are not included;
// the caller adds them as Handoff entries once they are bound.
func SpecFor(d *manifest.JobDescriptor) Spec {
	s := Spec{
		Label:       d.Label,
		Program:     d.Program,
		Args:        d.ProgramArguments,
		Dir:         d.WorkingDirectory,
		RootDir:     d.RootDirectory,
		Env:         d.EnvironmentVariables,
		UserName:    d.UserName,
		GroupName:   d.GroupName,
		InitGroups:  d.InitGroups,
		Nice:        d.Nice,
		StdinPath:   d.StandardInPath,
		StdoutPath:  d.StandardOutPath,
		StderrPath:  d.StandardErrorPath,
		KeepPgroup:  d.AbandonProcessGroup,
		ExitTimeout: d.ExitTimeout,
	}
	if d.Umask != nil {
		m := uint32(*d.Umask)
		s.Umask = &m
	}
	return s
}
