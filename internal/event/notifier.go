package event

import (
	"encoding/binary"
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Notifier is an eventfd in semaphore mode. Every Notify adds one to the
// counter and every successful Consume takes one away, so a Notifier
// registered on a level-triggered queue stays ready exactly as many times as
// it was notified.
//
// Notify may be called from any goroutine; Consume belongs to the loop.
type Notifier struct {
	fd int
}

// NewNotifier creates a non-blocking, close-on-exec eventfd.
func NewNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK|unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &Notifier{fd: fd}, nil
}

// FD returns the descriptor to register on a queue.
func (n *Notifier) FD() int {
	return n.fd
}

// Notify increments the counter.
func (n *Notifier) Notify() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(n.fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return os.NewSyscallError("write", err)
		}
		return nil
	}
}

// Consume decrements the counter. It returns false when the counter was
// already zero.
func (n *Notifier) Consume() (bool, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(n.fd, buf[:])
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return false, nil
		case err != nil:
			return false, os.NewSyscallError("read", err)
		}
		return true, nil
	}
}

// Close releases the eventfd.
func (n *Notifier) Close() error {
	return unix.Close(n.fd)
}
