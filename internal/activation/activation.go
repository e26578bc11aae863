// ============================================================================
// relaunchd Socket Activation
// ============================================================================
//
// Package: internal/activation
// File: activation.go
// Purpose: Bind the listening sockets of on-demand jobs, watch them on the
//          secondary queue and tell the manager which job to start when a
//          connection arrives.
//
// Socket lifecycle:
//   manifest (FD=-1) ──BindAll──> bound + registered ──OnSecondaryReady──>
//   bound, not registered ──Handoff/spawn──> Release (closed, FD=-1)
//
// Supported configuration: passive IPv4 stream sockets bound to the
// wildcard address. Everything else is rejected with ErrNotImplemented
// before any descriptor is created.
//
// ============================================================================

package activation

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/relaunchd/internal/manifest"
	"github.com/ChuLiYu/relaunchd/internal/process"
	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// DefaultBacklog is the listen(2) backlog used when none is configured.
const DefaultBacklog = 500

var (
	// ErrNotImplemented marks a socket configuration this supervisor cannot
	// bind. It is a capability limit, not a transient failure.
	ErrNotImplemented = errors.New("socket configuration not implemented")

	// ErrUnknownSocket is returned for descriptors no job owns.
	ErrUnknownSocket = errors.New("activation: unknown socket")
)

// OpError is a failed socket syscall on behalf of a job.
type OpError struct {
	Op     string
	Label  types.Label
	Socket string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("activation %s %q %s: %v", e.Op, e.Label, e.Socket, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is makes every OpError a resource error.
func (e *OpError) Is(target error) bool {
	return target == types.ErrResource
}

// Registrar is the part of the event queue the subsystem needs.
type Registrar interface {
	RegisterSocket(fd int) error
	DeregisterSocket(fd int) error
}

// Config configures a Subsystem.
type Config struct {
	Backlog int
	Logger  *slog.Logger
}

// Subsystem tracks every bound activation socket. It is owned by the
// manager loop and is not safe for concurrent use.
type Subsystem struct {
	queue   Registrar
	backlog int
	log     *slog.Logger

	owners map[int]types.Label                         // bound fd -> job
	bound  map[types.Label][]*manifest.SocketDescriptor // job -> its bound sockets
	armed  map[types.Label]bool                         // registered on the secondary queue
}

// New creates a subsystem registering sockets on q.
func New(q Registrar, cfg Config) *Subsystem {
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Subsystem{
		queue:   q,
		backlog: cfg.Backlog,
		log:     cfg.Logger.With("component", "activation"),
		owners:  make(map[int]types.Label),
		bound:   make(map[types.Label][]*manifest.SocketDescriptor),
		armed:   make(map[types.Label]bool),
	}
}

// BindAll binds every socket of the job and registers them on the secondary
// queue. On error no socket of the job is left bound.
func (s *Subsystem) BindAll(label types.Label, socks []*manifest.SocketDescriptor) error {
	if err := s.Bind(label, socks); err != nil {
		return err
	}
	if err := s.Arm(label); err != nil {
		s.Release(label)
		return err
	}
	return nil
}

// Arm registers the job's bound sockets on the secondary queue. Arming an
// armed job is a no-op.
func (s *Subsystem) Arm(label types.Label) error {
	socks, ok := s.bound[label]
	if !ok {
		return fmt.Errorf("%w: %q has no bound sockets", ErrUnknownSocket, label)
	}
	if s.armed[label] {
		return nil
	}
	for i, sd := range socks {
		if err := s.queue.RegisterSocket(sd.FD); err != nil {
			for _, done := range socks[:i] {
				_ = s.queue.DeregisterSocket(done.FD)
			}
			return &OpError{Op: "register", Label: label, Socket: sd.String(), Err: err}
		}
	}
	s.armed[label] = true
	s.log.Debug("sockets armed", "label", label, "count", len(socks))
	return nil
}

// Bind binds every socket of the job without registering them. Used for
// jobs that start at load and receive their sockets immediately.
func (s *Subsystem) Bind(label types.Label, socks []*manifest.SocketDescriptor) error {
	if _, dup := s.bound[label]; dup {
		return fmt.Errorf("activation: %q already bound", label)
	}
	for _, sd := range socks {
		if err := Supported(sd); err != nil {
			return fmt.Errorf("%q %s: %w", label, sd, err)
		}
	}

	for _, sd := range socks {
		fd, err := s.bindOne(sd)
		if err != nil {
			for _, done := range socks {
				if done.FD >= 0 {
					unix.Close(done.FD)
					done.FD = -1
				}
			}
			return &OpError{Op: "bind", Label: label, Socket: sd.String(), Err: err}
		}
		sd.FD = fd
	}

	for _, sd := range socks {
		s.owners[sd.FD] = label
	}
	s.bound[label] = socks
	return nil
}

// OnSecondaryReady resolves the job owning fd and removes all of that job's
// sockets from the secondary queue. The sockets stay bound for the handoff.
func (s *Subsystem) OnSecondaryReady(fd int) (types.Label, error) {
	label, ok := s.owners[fd]
	if !ok {
		return "", fmt.Errorf("%w: fd %d", ErrUnknownSocket, fd)
	}
	s.disarm(label)
	s.log.Info("activation", "label", label, "fd", fd)
	return label, nil
}

// Handoff lists the bound sockets of the job in inheritance order.
func (s *Subsystem) Handoff(label types.Label) []process.Handoff {
	socks := s.bound[label]
	out := make([]process.Handoff, 0, len(socks))
	for _, sd := range socks {
		out = append(out, process.Handoff{Name: sd.Name, FD: sd.FD})
	}
	return out
}

// Release deregisters and closes every socket of the job. Called once the
// sockets have been handed to a child, and when the job is unloaded.
func (s *Subsystem) Release(label types.Label) {
	s.disarm(label)
	for _, sd := range s.bound[label] {
		if sd.FD < 0 {
			continue
		}
		delete(s.owners, sd.FD)
		if err := unix.Close(sd.FD); err != nil {
			s.log.Warn("close failed", "label", label, "fd", sd.FD, "error", err)
		}
		sd.FD = -1
	}
	delete(s.bound, label)
}

// Armed reports whether the job has sockets on the secondary queue.
func (s *Subsystem) Armed(label types.Label) bool {
	return s.armed[label]
}

// Bound reports whether the job holds bound sockets.
func (s *Subsystem) Bound(label types.Label) bool {
	_, ok := s.bound[label]
	return ok
}

// Close releases every job's sockets.
func (s *Subsystem) Close() {
	for label := range s.bound {
		s.Release(label)
	}
}

func (s *Subsystem) disarm(label types.Label) {
	if !s.armed[label] {
		return
	}
	for _, sd := range s.bound[label] {
		if sd.FD < 0 {
			continue
		}
		if err := s.queue.DeregisterSocket(sd.FD); err != nil {
			s.log.Warn("deregister failed", "label", label, "fd", sd.FD, "error", err)
		}
	}
	delete(s.armed, label)
}

func (s *Subsystem) bindOne(sd *manifest.SocketDescriptor) (int, error) {
	port, err := ResolvePort(sd.ServiceName)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, s.backlog); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}

// Supported reports ErrNotImplemented for socket configurations that
// cannot be bound.
func Supported(sd *manifest.SocketDescriptor) error {
	switch {
	case sd.Type != manifest.SockStream:
		return fmt.Errorf("%w: socket type %s", ErrNotImplemented, sd.Type)
	case !sd.Passive:
		return fmt.Errorf("%w: active sockets", ErrNotImplemented)
	case sd.Family != manifest.FamilyIPv4:
		return fmt.Errorf("%w: family %s", ErrNotImplemented, sd.Family)
	case sd.NodeName != "":
		return fmt.Errorf("%w: binding to node %q", ErrNotImplemented, sd.NodeName)
	case sd.MulticastGroup != "":
		return fmt.Errorf("%w: multicast group %q", ErrNotImplemented, sd.MulticastGroup)
	}
	return nil
}

// ResolvePort turns a numeric port or a service name into a TCP port.
func ResolvePort(service string) (int, error) {
	if n, err := strconv.Atoi(service); err == nil {
		if n < 0 || n > 65535 {
			return 0, fmt.Errorf("port %d out of range", n)
		}
		return n, nil
	}
	return net.LookupPort("tcp", service)
}
