// ============================================================================
// relaunchd Process Layer - Spawning supervised children
// ============================================================================
//
// Package: internal/process
// File: process.go
// Purpose: Start one job process and hand it its activation sockets.
//
// Start is fire-and-forget: it returns once exec(2) has succeeded in the
// child (os/exec reports exec failures through a close-on-exec status
// pipe) and never waits for the process to exit. Exit notification and
// reaping belong to the event queue, which watches the child through a pidfd.
//
// Descriptor handoff:
//   ┌──────────────┐  dup(F_DUPFD_CLOEXEC)  ┌──────────────┐
//   │ listening fd │ ─────────────────────> │ ExtraFiles[i]│ ──> fd 3+i in child
//   └──────────────┘                        └──────────────┘
//   Every supervisor descriptor is close-on-exec, so the child inherits its
//   three standard streams and the handed-off sockets and nothing else.
//   LISTEN_FDS / LISTEN_FDNAMES describe the sockets; LISTEN_PID must equal
//   the child's own pid, which is only known after fork, so a /bin/sh shim
//   exports it and execs the real program. POSIX exec cannot choose argv[0],
//   so a job that receives sockets sees Program as argv[0] instead of
//   ProgramArguments[0]; the remaining arguments are unchanged.
//
// ============================================================================

package process

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// The shim runs the program with LISTEN_PID set to its own pid.
const (
	shimPath   = "/bin/sh"
	shimScript = `LISTEN_PID=$$; export LISTEN_PID; exec "$0" "$@"`
)

// Start launches the process described by spec.
func Start(spec Spec) (*Handle, error) {
	fail := func(op string, err error) (*Handle, error) {
		return nil, &OpError{Op: op, Label: spec.Label, Err: err}
	}

	if !strings.Contains(spec.Program, "/") {
		path, err := exec.LookPath(spec.Program)
		if err != nil {
			return fail("lookup", err)
		}
		spec.Program = path
	}

	ident, err := resolveIdentity(spec)
	if err != nil {
		return fail("credentials", err)
	}

	stdio, err := openStdio(spec)
	if err != nil {
		return fail("open", err)
	}
	defer closeAll(stdio)

	extra, err := dupHandoff(spec.Handoff)
	if err != nil {
		return fail("dup", err)
	}
	defer closeAll(extra)

	cmd := &exec.Cmd{
		Path:       spec.Program,
		Args:       spec.Args,
		Dir:        spec.Dir,
		Env:        buildEnv(spec, ident),
		Stdin:      stdio[0],
		Stdout:     stdio[1],
		Stderr:     stdio[2],
		ExtraFiles: extra,
		SysProcAttr: &syscall.SysProcAttr{
			Setsid:     true,
			Chroot:     spec.RootDir,
			Credential: ident.credential,
		},
	}
	if cmd.Dir == "" {
		cmd.Dir = "/"
	}
	if len(spec.Handoff) > 0 {
		cmd.Path = shimPath
		cmd.Args = append([]string{"sh", "-c", shimScript, spec.Program}, argTail(spec.Args)...)
	}

	if spec.Umask != nil {
		// the mask is process-wide; only the loop goroutine spawns, so the
		// window is limited to this fork
		old := unix.Umask(int(*spec.Umask))
		err = cmd.Start()
		unix.Umask(old)
	} else {
		err = cmd.Start()
	}
	if err != nil {
		return fail("spawn", err)
	}

	pid := cmd.Process.Pid
	// the event queue reaps through a pidfd; os/exec must not hold a handle
	_ = cmd.Process.Release()

	if spec.Nice != 0 {
		// a failed renice does not undo a successful spawn
		_ = unix.Setpriority(unix.PRIO_PROCESS, pid, spec.Nice)
	}

	return &Handle{PID: pid, Started: time.Now(), Group: !spec.KeepPgroup}, nil
}

// Signal delivers sig to the process group of h (or to the process alone
// when the job abandons its group).
func Signal(label types.Label, h *Handle, sig syscall.Signal) error {
	target := h.PID
	if h.Group {
		target = -h.PID
	}
	if err := unix.Kill(target, sig); err != nil {
		return &OpError{Op: "kill", Label: label, Err: err}
	}
	return nil
}

func argTail(args []string) []string {
	if len(args) <= 1 {
		return nil
	}
	return args[1:]
}

// identity is the user a job runs as.
type identity struct {
	name       string
	uid        int
	home       string
	credential *syscall.Credential
}

func resolveIdentity(spec Spec) (identity, error) {
	if spec.UserName == "" {
		u, err := user.Current()
		if err != nil {
			return identity{name: strconv.Itoa(os.Getuid()), uid: os.Getuid(), home: "/"}, nil
		}
		return identity{name: u.Username, uid: os.Getuid(), home: u.HomeDir}, nil
	}

	u, err := user.Lookup(spec.UserName)
	if err != nil {
		return identity{}, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return identity{}, fmt.Errorf("uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return identity{}, fmt.Errorf("gid %q: %w", u.Gid, err)
	}
	if spec.GroupName != "" {
		g, err := user.LookupGroup(spec.GroupName)
		if err != nil {
			return identity{}, err
		}
		if gid, err = strconv.ParseUint(g.Gid, 10, 32); err != nil {
			return identity{}, fmt.Errorf("gid %q: %w", g.Gid, err)
		}
	}

	cred := &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid), NoSetGroups: !spec.InitGroups}
	if spec.InitGroups {
		ids, err := u.GroupIds()
		if err != nil {
			return identity{}, err
		}
		for _, id := range ids {
			if g, err := strconv.ParseUint(id, 10, 32); err == nil {
				cred.Groups = append(cred.Groups, uint32(g))
			}
		}
	}
	return identity{name: u.Username, uid: int(uid), home: u.HomeDir, credential: cred}, nil
}

func openStdio(spec Spec) ([]*os.File, error) {
	in, err := os.Open(spec.StdinPath)
	if err != nil {
		return nil, err
	}
	out, err := os.OpenFile(spec.StdoutPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		in.Close()
		return nil, err
	}
	errf, err := os.OpenFile(spec.StderrPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		in.Close()
		out.Close()
		return nil, err
	}
	return []*os.File{in, out, errf}, nil
}

// dupHandoff duplicates the handed-off descriptors so that closing the
// returned files leaves the originals untouched.
func dupHandoff(hs []Handoff) ([]*os.File, error) {
	files := make([]*os.File, 0, len(hs))
	for _, h := range hs {
		fd, err := unix.FcntlInt(uintptr(h.FD), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			closeAll(files)
			return nil, os.NewSyscallError("fcntl", err)
		}
		files = append(files, os.NewFile(uintptr(fd), h.Name))
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
