// Package event wraps the Linux epoll facility into the two queues the
// supervisor loop needs: a primary queue the manager blocks on, and a
// secondary queue holding activation sockets, nested in the primary as a
// single descriptor.
package event

import (
	"fmt"

	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// Kind says what a descriptor registered on the primary queue stands for.
type Kind int

const (
	KindProcess Kind = iota + 1 // pidfd of a live child
	KindRPC                     // RPC inbox notifier
	KindTimer                   // one-shot timerfd
	KindWakeup                  // loop interruption
	kindSecondary               // the nested activation queue
)

func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindRPC:
		return "rpc"
	case KindTimer:
		return "timer"
	case KindWakeup:
		return "wakeup"
	case kindSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one readiness notification returned by Queue.WaitOne. The
// concrete type is one of ProcessExit, RPCRequest, ActivationReady,
// TimerFired or Interrupted.
type Event interface {
	isEvent()
}

// ProcessExit reports a reaped child.
type ProcessExit struct {
	PID    int
	Status types.ExitStatus
}

// RPCRequest reports that the RPC inbox registered under FD holds at least
// one request.
type RPCRequest struct {
	FD int
}

// ActivationReady reports that the activation socket FD has a pending
// connection.
type ActivationReady struct {
	FD int
}

// TimerFired reports the expiry of a timer created by Queue.AddTimer. The
// timer is already removed from the queue and closed.
type TimerFired struct {
	FD int
}

// Interrupted reports a call to Queue.Interrupt.
type Interrupted struct{}

func (ProcessExit) isEvent()     {}
func (RPCRequest) isEvent()      {}
func (ActivationReady) isEvent() {}
func (TimerFired) isEvent()      {}
func (Interrupted) isEvent()     {}
