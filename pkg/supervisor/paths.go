package supervisor

import (
	"path/filepath"
)

// SocketName is the control socket shared by every daemon of a router.
const SocketName = "zserv.api"

// Paths are the files of one daemon: <base>/<router>/<role>.{conf,pid,log}
// plus the router's control socket.
type Paths struct {
	Dir    string
	Config string
	PID    string
	Log    string
	Socket string
}

// NewPaths returns the file layout for role on router under base.
func NewPaths(base, router, role string) Paths {
	dir := filepath.Join(base, router)
	return Paths{
		Dir:    dir,
		Config: filepath.Join(dir, role+".conf"),
		PID:    filepath.Join(dir, role+".pid"),
		Log:    filepath.Join(dir, role+".log"),
		Socket: filepath.Join(dir, SocketName),
	}
}

// Invocation is the command line that launches a daemon.
type Invocation struct {
	Path string
	Args []string
}

// NewInvocation builds the daemonizing command line for role.
func NewInvocation(role Role, p Paths) Invocation {
	return Invocation{
		Path: role.Binary,
		Args: []string{
			"--daemon",
			"--config_file", p.Config,
			"--pid_file", p.PID,
			"--socket", p.Socket,
		},
	}
}

// Argv returns the full argument vector, binary first.
func (i Invocation) Argv() []string {
	return append([]string{i.Path}, i.Args...)
}
