package event

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// ErrNotRegistered is returned when removing a descriptor the queue does
// not know about.
var ErrNotRegistered = errors.New("event: descriptor not registered")

// Queue owns the primary and the secondary epoll instances.
//
// A Queue is owned by one goroutine. Interrupt is the only method that may
// be called from elsewhere.
type Queue struct {
	primary   int
	secondary int
	wake      *Notifier

	kinds   map[int]Kind // primary registrations
	pidfds  map[int]int  // pidfd -> pid
	sockets map[int]struct{}

	ready [1]unix.EpollEvent
}

// New creates both queues and nests the secondary inside the primary.
// Failure here is fatal to the supervisor.
func New() (*Queue, error) {
	primary, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	secondary, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(primary)
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wake, err := NewNotifier()
	if err != nil {
		unix.Close(primary)
		unix.Close(secondary)
		return nil, err
	}

	q := &Queue{
		primary:   primary,
		secondary: secondary,
		wake:      wake,
		kinds:     make(map[int]Kind),
		pidfds:    make(map[int]int),
		sockets:   make(map[int]struct{}),
	}
	if err := q.add(q.primary, secondary, kindSecondary); err != nil {
		q.Close()
		return nil, err
	}
	if err := q.add(q.primary, wake.FD(), KindWakeup); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

// Close releases the epoll instances, the wakeup notifier and every pidfd
// and timer still registered. Sockets and RPC notifiers belong to their
// owners and are left open.
func (q *Queue) Close() error {
	for fd, kind := range q.kinds {
		if kind == KindProcess || kind == KindTimer {
			unix.Close(fd)
		}
	}
	q.kinds = map[int]Kind{}
	q.pidfds = map[int]int{}
	q.sockets = map[int]struct{}{}

	err := errors.Join(
		q.wake.Close(),
		unix.Close(q.secondary),
		unix.Close(q.primary),
	)
	return err
}

// Register adds fd to the primary queue.
func (q *Queue) Register(fd int, kind Kind) error {
	if kind == kindSecondary || kind == KindWakeup {
		return fmt.Errorf("event: kind %s is reserved", kind)
	}
	if _, dup := q.kinds[fd]; dup {
		return fmt.Errorf("event: fd %d already registered", fd)
	}
	return q.add(q.primary, fd, kind)
}

// Deregister removes fd from the primary queue. The caller keeps
// ownership of the descriptor.
func (q *Queue) Deregister(fd int) error {
	kind, ok := q.kinds[fd]
	if !ok {
		return ErrNotRegistered
	}
	if kind == kindSecondary || kind == KindWakeup {
		return fmt.Errorf("event: kind %s is reserved", kind)
	}
	delete(q.kinds, fd)
	delete(q.pidfds, fd)
	if err := unix.EpollCtl(q.primary, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// WatchProcess registers an exit notification for pid. The resulting
// ProcessExit is delivered after the child has been reaped.
func (q *Queue) WatchProcess(pid int) error {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return os.NewSyscallError("pidfd_open", err)
	}
	if err := q.add(q.primary, pidfd, KindProcess); err != nil {
		unix.Close(pidfd)
		return err
	}
	q.pidfds[pidfd] = pid
	return nil
}

// Processes returns the number of children being watched.
func (q *Queue) Processes() int {
	return len(q.pidfds)
}

// AddTimer arms a one-shot timer. Its expiry arrives as TimerFired.
func (q *Queue) AddTimer(d time.Duration) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return -1, os.NewSyscallError("timerfd_create", err)
	}
	if d <= 0 {
		// a zero value disarms the timer
		d = time.Nanosecond
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("timerfd_settime", err)
	}
	if err := q.add(q.primary, fd, KindTimer); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// CancelTimer removes and closes a timer that has not fired yet.
func (q *Queue) CancelTimer(fd int) error {
	if q.kinds[fd] != KindTimer {
		return ErrNotRegistered
	}
	err := q.Deregister(fd)
	unix.Close(fd)
	return err
}

// RegisterSocket adds an activation socket to the secondary queue.
func (q *Queue) RegisterSocket(fd int) error {
	if _, dup := q.sockets[fd]; dup {
		return fmt.Errorf("event: socket %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(q.secondary, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	q.sockets[fd] = struct{}{}
	return nil
}

// DeregisterSocket removes an activation socket from the secondary queue.
func (q *Queue) DeregisterSocket(fd int) error {
	if _, ok := q.sockets[fd]; !ok {
		return ErrNotRegistered
	}
	delete(q.sockets, fd)
	if err := unix.EpollCtl(q.secondary, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// SocketRegistered reports whether fd is on the secondary queue.
func (q *Queue) SocketRegistered(fd int) bool {
	_, ok := q.sockets[fd]
	return ok
}

// Interrupt makes a blocked or future WaitOne return Interrupted. Safe for
// concurrent use.
func (q *Queue) Interrupt() error {
	return q.wake.Notify()
}

// WaitOne blocks until one event is ready and returns it. Interruption by a
// signal is retried.
func (q *Queue) WaitOne() (Event, error) {
	for {
		n, err := unix.EpollWait(q.primary, q.ready[:], -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, os.NewSyscallError("epoll_wait", err)
		}
		if n == 0 {
			continue
		}

		ev, ok, err := q.dispatch(int(q.ready[0].Fd))
		if err != nil {
			return nil, err
		}
		if ok {
			return ev, nil
		}
	}
}

// dispatch turns one ready primary descriptor into an Event. ok is false for
// spurious wakeups, which the caller treats as "wait again".
func (q *Queue) dispatch(fd int) (Event, bool, error) {
	if fd == q.secondary {
		return q.secondaryOne()
	}

	kind, ok := q.kinds[fd]
	if !ok {
		return nil, false, nil
	}

	switch kind {
	case KindWakeup:
		if _, err := q.wake.Consume(); err != nil {
			return nil, false, err
		}
		return Interrupted{}, true, nil

	case KindRPC:
		return RPCRequest{FD: fd}, true, nil

	case KindTimer:
		var buf [8]byte
		_, _ = unix.Read(fd, buf[:])
		_ = q.Deregister(fd)
		unix.Close(fd)
		return TimerFired{FD: fd}, true, nil

	case KindProcess:
		pid := q.pidfds[fd]
		status, reaped, err := reap(pid)
		if err != nil {
			return nil, false, err
		}
		if !reaped {
			return nil, false, nil
		}
		_ = q.Deregister(fd)
		unix.Close(fd)
		return ProcessExit{PID: pid, Status: status}, true, nil
	}
	return nil, false, nil
}

func (q *Queue) secondaryOne() (Event, bool, error) {
	var ready [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(q.secondary, ready[:], 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, false, os.NewSyscallError("epoll_wait", err)
		}
		if n == 0 {
			return nil, false, nil
		}
		return ActivationReady{FD: int(ready[0].Fd)}, true, nil
	}
}

func (q *Queue) add(epfd, fd int, kind Kind) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	if epfd == q.primary {
		q.kinds[fd] = kind
	}
	return nil
}

// reap collects the exit status of pid without blocking.
func reap(pid int) (types.ExitStatus, bool, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			// reaped elsewhere; the status is lost
			return types.ExitStatus{Code: -1}, true, nil
		case err != nil:
			return types.ExitStatus{}, false, os.NewSyscallError("wait4", err)
		case wpid == 0:
			return types.ExitStatus{}, false, nil
		}
		return exitStatus(ws), true, nil
	}
}

func exitStatus(ws unix.WaitStatus) types.ExitStatus {
	switch {
	case ws.Exited():
		return types.ExitStatus{Code: ws.ExitStatus()}
	case ws.Signaled():
		return types.ExitStatus{Code: -1, Signal: int(ws.Signal())}
	default:
		return types.ExitStatus{Code: -1}
	}
}
