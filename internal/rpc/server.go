// ============================================================================
// relaunchd RPC - Server
// ============================================================================
//
// Package: internal/rpc
// File: server.go
// Purpose: Accept control requests on a unix socket and hand them, one at a
//          time, to the supervisor loop.
//
// Flow of one call:
//
//   gRPC goroutine                         supervisor loop
//   ──────────────                         ───────────────
//   decode Struct → Request
//   push Call on inbox, Notify ──eventfd──> WaitOne() = RPCRequest
//   wait for reply or ctx done              Next() pops exactly one Call
//                                           mutate job table
//   encode Reply  <────────────chan──────── call.Reply(...)
//
// gRPC goroutines never touch supervisor state; the inbox is the only
// shared structure and it is guarded by its own mutex.
//
// ============================================================================

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/relaunchd/internal/event"
)

var (
	// ErrInUse is returned when another supervisor already answers on the
	// socket path.
	ErrInUse = errors.New("rpc: socket in use by a running supervisor")
	// ErrClosed is returned for calls posted after Close.
	ErrClosed = errors.New("rpc: server closed")
)

// Observer is told about every finished call.
type Observer interface {
	ObserveRPC(method, kind string, elapsed time.Duration)
}

// ServerConfig 設定 RPC server
type ServerConfig struct {
	Path     string // unix socket 路徑
	Domain   string // 此 supervisor 的 domain
	Logger   *slog.Logger
	Observer Observer
}

// Call is one request waiting for the supervisor loop.
type Call struct {
	Request
	reply chan Reply
}

// Reply delivers the answer. Only the first reply counts, and a reply to a
// caller that already gave up is dropped.
func (c *Call) Reply(r Reply) {
	select {
	case c.reply <- r:
	default:
	}
}

// Server 代表 RPC server
type Server struct {
	path     string
	domain   string
	log      *slog.Logger
	observer Observer

	grpc  *grpc.Server
	lis   net.Listener
	inbox *event.Notifier

	mu      sync.Mutex
	pending []*Call
	closed  bool
}

// supervisorServer is the handler type of the hand-declared service.
type supervisorServer interface {
	call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*supervisorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "relaunchd/v1/supervisor.proto",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(supervisorServer).call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(supervisorServer).call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Listen binds the socket and prepares the inbox. A stale socket file left
// by a dead supervisor is removed; a live one fails with ErrInUse.
func Listen(cfg ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := removeStale(cfg.Path); err != nil {
		return nil, err
	}

	lis, err := net.Listen("unix", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("rpc listen %s: %w", cfg.Path, err)
	}
	if err := os.Chmod(cfg.Path, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("rpc chmod %s: %w", cfg.Path, err)
	}

	inbox, err := event.NewNotifier()
	if err != nil {
		lis.Close()
		return nil, err
	}

	s := &Server{
		path:     cfg.Path,
		domain:   cfg.Domain,
		log:      cfg.Logger.With("component", "rpc"),
		observer: cfg.Observer,
		grpc:     grpc.NewServer(),
		lis:      lis,
		inbox:    inbox,
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s, nil
}

// InboxFD is the descriptor the supervisor registers as its RPC source.
func (s *Server) InboxFD() int {
	return s.inbox.FD()
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Start serves gRPC in a goroutine owned by sctx and stops the server when
// sctx begins stopping.
func (s *Server) Start(sctx *stopper.Context) {
	sctx.Go(func(sctx *stopper.Context) error {
		err := s.grpc.Serve(s.lis)
		if errors.Is(err, grpc.ErrServerStopped) || sctx.IsStopping() {
			return nil
		}
		return err
	})
	sctx.Go(func(sctx *stopper.Context) error {
		<-sctx.Stopping()
		s.grpc.Stop()
		return nil
	})
	s.log.Info("listening", "path", s.path, "domain", s.domain)
}

// Next pops the call behind one inbox wakeup. It returns false when the
// wakeup was already consumed.
func (s *Server) Next() (*Call, bool) {
	ok, err := s.inbox.Consume()
	if err != nil {
		s.log.Error("inbox read failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	call := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return call, true
}

// Post queues a request from inside the daemon (the manifest watcher) as if
// a client had sent it. The reply is discarded.
func (s *Server) Post(req Request) error {
	if req.Domain == "" {
		req.Domain = s.domain
	}
	_, err := s.enqueue(req)
	return err
}

// Close stops serving, fails queued calls and removes the socket file.
func (s *Server) Close() error {
	s.grpc.Stop()

	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		c.Reply(ErrorReply(ErrClosed))
	}

	err := s.inbox.Close()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}

func (s *Server) enqueue(req Request) (*Call, error) {
	call := &Call{Request: req, reply: make(chan Reply, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending = append(s.pending, call)
	s.mu.Unlock()

	if err := s.inbox.Notify(); err != nil {
		return nil, err
	}
	return call, nil
}

func (s *Server) call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	started := time.Now()
	req, err := decodeRequest(in)
	if err == nil && req.Domain != "" && req.Domain != s.domain {
		err = fmt.Errorf("%w: request for domain %q reached the %q supervisor", ErrProtocol, req.Domain, s.domain)
	}
	if err != nil {
		s.finish(req.Method, started, ErrorReply(err))
		return encodeReply(ErrorReply(err)), nil
	}

	call, err := s.enqueue(req)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	s.log.Debug("call queued", "method", req.Method, "args", req.Args)

	select {
	case r := <-call.reply:
		s.finish(req.Method, started, r)
		return encodeReply(r), nil
	case <-ctx.Done():
		// the loop still applies the call; its reply is dropped
		s.log.Warn("caller gave up", "method", req.Method, "error", ctx.Err())
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func (s *Server) finish(method string, started time.Time, r Reply) {
	if s.observer != nil {
		s.observer.ObserveRPC(method, r.Kind, time.Since(started))
	}
	if r.Kind != "" {
		s.log.Debug("call failed", "method", method, "kind", r.Kind, "error", r.Message)
	}
}

// removeStale deletes a socket file nobody listens on.
func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("rpc: %s exists and is not a socket", path)
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrInUse, path)
	}
	return os.Remove(path)
}
