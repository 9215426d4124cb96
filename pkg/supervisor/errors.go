package supervisor

import (
	"errors"
	"fmt"

	"github.com/newtron-network/chainlab/pkg/util"
)

var (
	// ErrDaemonSpawn is returned when a daemon could not be confirmed running.
	ErrDaemonSpawn = errors.New("daemon spawn failed")
	// ErrMissingPIDFile is returned when stopping a daemon that left no PID file.
	ErrMissingPIDFile = errors.New("missing pid file")
	// ErrInvalidRoles is returned for an unusable role set.
	ErrInvalidRoles = errors.New("invalid daemon roles")
	// ErrDependentsRunning is returned when stopping a table manager while
	// a protocol speaker of the same router still has a PID file.
	ErrDependentsRunning = util.ErrInUse
	// ErrAlreadyRunning is returned by Start for a daemon that is tracked
	// as starting or running.
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrUnknownRole is returned for a role name the supervisor was not
	// configured with.
	ErrUnknownRole = errors.New("unknown daemon role")
)

// SpawnError describes a failed start.
type SpawnError struct {
	Router string
	Role   string
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("start %s on %s: %s", e.Role, e.Router, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SpawnError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDaemonSpawn}
	}
	return []error{ErrDaemonSpawn, e.Err}
}

// PIDFileError reports a PID file that does not exist.
type PIDFileError struct {
	Router string
	Role   string
	Path   string
}

func (e *PIDFileError) Error() string {
	return fmt.Sprintf("stop %s on %s: no pid file at %s", e.Role, e.Router, e.Path)
}

func (e *PIDFileError) Unwrap() error {
	return ErrMissingPIDFile
}

// StaleSocketRemovalError reports a control socket that could not be removed
// after its table manager was signalled. It is logged, not returned.
type StaleSocketRemovalError struct {
	Path string
	Err  error
}

func (e *StaleSocketRemovalError) Error() string {
	return fmt.Sprintf("remove stale socket %s: %v", e.Path, e.Err)
}

func (e *StaleSocketRemovalError) Unwrap() error {
	return e.Err
}
