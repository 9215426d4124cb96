package supervisor

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signaler delivers a signal to a process.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(pid int, sig syscall.Signal) error

func (f SignalerFunc) Signal(pid int, sig syscall.Signal) error { return f(pid, sig) }

type unixSignaler struct{}

func (unixSignaler) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// NoopSignaler accepts every signal without delivering it. Used with the
// dry-run backend, whose PIDs are synthetic.
var NoopSignaler Signaler = SignalerFunc(func(int, syscall.Signal) error { return nil })

// isGone reports whether err means the process no longer exists.
func isGone(err error) bool {
	return errors.Is(err, unix.ESRCH)
}

// alive checks a PID with signal 0. EPERM still means the process exists.
func alive(s Signaler, pid int) bool {
	err := s.Signal(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
