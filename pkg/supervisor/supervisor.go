// Package supervisor starts and stops the routing daemons of each router.
//
// Daemons fork into the background themselves (--daemon), so the supervisor
// never holds a child process. A daemon counts as running once its PID file
// holds a valid PID and, for the table manager, its control socket exists.
// Stopping reads the PID file and sends SIGTERM without waiting for exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/newtron-network/chainlab/pkg/metrics"
	"github.com/newtron-network/chainlab/pkg/util"
)

// Defaults for readiness waits.
const (
	DefaultPIDTimeout    = 10 * time.Second
	DefaultSocketTimeout = 10 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
)

// State is the lifecycle state of a tracked daemon.
type State int

const (
	Absent State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Daemon is one routing daemon on one router. Values returned by the
// supervisor are snapshots.
type Daemon struct {
	Router  string
	Role    Role
	Paths   Paths
	PID     int
	State   State
	Started time.Time
}

// Target is where a daemon is launched, typically an emulated router node.
type Target interface {
	Name() string
	Run(ctx context.Context, argv ...string) ([]byte, error)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSignaler replaces signal delivery.
func WithSignaler(sig Signaler) Option {
	return func(s *Supervisor) { s.signaler = sig }
}

// WithSpawnLimit paces daemon launches.
func WithSpawnLimit(limit rate.Limit, burst int) Option {
	return func(s *Supervisor) { s.limiter = rate.NewLimiter(limit, burst) }
}

// WithTimeouts bounds the wait for the PID file and the control socket.
func WithTimeouts(pid, socket time.Duration) Option {
	return func(s *Supervisor) {
		s.pidTimeout = pid
		s.socketTimeout = socket
	}
}

// WithPollInterval sets how often readiness is re-checked without a
// filesystem event.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.poll = d }
}

// WithMetrics records starts, stops and running daemons.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

type daemonKey struct {
	router string
	role   string
}

// Supervisor tracks the daemons it started.
type Supervisor struct {
	baseDir       string
	roles         []Role
	signaler      Signaler
	limiter       *rate.Limiter
	pidTimeout    time.Duration
	socketTimeout time.Duration
	poll          time.Duration
	metrics       *metrics.Metrics
	log           *logrus.Entry

	mu      sync.Mutex
	daemons map[daemonKey]*Daemon
}

// New returns a supervisor for roles with files under baseDir. baseDir is
// made absolute since the daemons lock their PID files by path.
func New(baseDir string, roles []Role, opts ...Option) (*Supervisor, error) {
	ordered, err := StartOrder(roles)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("supervisor: base directory %s: %w", baseDir, err)
	}

	s := &Supervisor{
		baseDir:       abs,
		roles:         ordered,
		signaler:      unixSignaler{},
		limiter:       rate.NewLimiter(rate.Inf, 1),
		pidTimeout:    DefaultPIDTimeout,
		socketTimeout: DefaultSocketTimeout,
		poll:          DefaultPollInterval,
		log:           util.WithComponent("supervisor"),
		daemons:       make(map[daemonKey]*Daemon),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BaseDir returns the absolute base directory.
func (s *Supervisor) BaseDir() string { return s.baseDir }

// Roles returns the roles in start order.
func (s *Supervisor) Roles() []Role {
	return append([]Role(nil), s.roles...)
}

// Paths returns the file layout of role on router.
func (s *Supervisor) Paths(router, role string) Paths {
	return NewPaths(s.baseDir, router, role)
}

func (s *Supervisor) role(name string) (Role, bool) {
	for _, r := range s.roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}

// setState must be called with s.mu held.
func (s *Supervisor) setState(d *Daemon, st State) {
	if d.State == st {
		return
	}
	util.WithDaemon(d.Router, d.Role.Name).Debugf("%s -> %s", d.State, st)
	d.State = st
}

// Start launches role on target and waits until it is confirmed running.
func (s *Supervisor) Start(ctx context.Context, target Target, role Role) (*Daemon, error) {
	router := target.Name()
	key := daemonKey{router, role.Name}
	log := util.WithDaemon(router, role.Name)

	s.mu.Lock()
	if d, ok := s.daemons[key]; ok && (d.State == Starting || d.State == Running) {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor: %s on %s: %w", role.Name, router, ErrAlreadyRunning)
	}
	d := &Daemon{Router: router, Role: role, Paths: s.Paths(router, role.Name)}
	s.daemons[key] = d
	s.setState(d, Starting)
	s.mu.Unlock()

	pid, err := s.spawn(ctx, target, d, log)
	s.metrics.DaemonStarted(role.Name, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.setState(d, Absent)
		log.Errorf("start failed: %v", err)
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	d.PID = pid
	d.Started = time.Now()
	s.setState(d, Running)
	log.Infof("running (pid %d)", pid)

	snapshot := *d
	return &snapshot, nil
}

func (s *Supervisor) spawn(ctx context.Context, target Target, d *Daemon, log *logrus.Entry) (int, error) {
	p := d.Paths
	fail := func(reason string, err error) (int, error) {
		return 0, &SpawnError{Router: d.Router, Role: d.Role.Name, Reason: reason, Err: err}
	}
	// Once launched, a daemon that never became ready may still be alive.
	abandon := func(reason string, err error) (int, error) {
		s.discard(d, log)
		return fail(reason, err)
	}

	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return fail("create directory", err)
	}
	// A PID file left by an earlier run would satisfy the readiness wait.
	if err := os.Remove(p.PID); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fail("remove stale pid file", err)
	}
	if d.Role.Kind == TableManager {
		if err := os.Remove(p.Socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn(&StaleSocketRemovalError{Path: p.Socket, Err: err})
		}
	}
	if err := os.WriteFile(p.Log, nil, 0644); err != nil {
		return fail("truncate log", err)
	}
	if _, err := os.Stat(p.Config); errors.Is(err, fs.ErrNotExist) {
		log.Warnf("config %s not found", p.Config)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fail("spawn pacing", err)
	}

	inv := NewInvocation(d.Role, p)
	log.Debugf("exec %s", strings.Join(inv.Argv(), " "))
	out, runErr := target.Run(ctx, inv.Argv()...)
	if len(out) > 0 {
		if err := appendFile(p.Log, out); err != nil {
			log.Warnf("append output to %s: %v", p.Log, err)
		}
	}
	if runErr != nil {
		return abandon("launch", runErr)
	}

	var pid int
	err := waitFor(ctx, p.PID, s.pidTimeout, s.poll, func() bool {
		n, err := readPID(p.PID)
		if err != nil {
			return false
		}
		pid = n
		return true
	})
	if err != nil {
		if _, serr := os.Stat(p.PID); serr == nil && errors.Is(err, errWaitTimeout) {
			return abandon("unparseable pid file", err)
		}
		return abandon("waiting for pid file", err)
	}

	if d.Role.Kind == TableManager {
		err := waitFor(ctx, p.Socket, s.socketTimeout, s.poll, func() bool {
			_, err := os.Stat(p.Socket)
			return err == nil
		})
		if err != nil {
			return abandon("waiting for control socket", err)
		}
	}
	return pid, nil
}

// discard terminates a daemon that failed to become ready and removes its
// PID file and, for a table manager, the control socket, so that nothing
// of the failed start is left for a later stop to trip over.
func (s *Supervisor) discard(d *Daemon, log *logrus.Entry) {
	p := d.Paths
	if pid, err := readPID(p.PID); err == nil {
		if err := s.signaler.Signal(pid, syscall.SIGTERM); err != nil && !isGone(err) {
			log.Warnf("terminate pid %d: %v", pid, err)
		} else {
			log.Infof("sent SIGTERM to pid %d", pid)
		}
	}
	if err := os.Remove(p.PID); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("remove %s: %v", p.PID, err)
	}
	if d.Role.Kind == TableManager {
		if err := os.Remove(p.Socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn(&StaleSocketRemovalError{Path: p.Socket, Err: err})
		}
	}
}

// Stop sends SIGTERM to the daemon recorded in the PID file of role on
// router. The PID file is left in place; see RemovePIDFile.
func (s *Supervisor) Stop(ctx context.Context, router, roleName string) error {
	role, ok := s.role(roleName)
	if !ok {
		return fmt.Errorf("supervisor: %w: %s", ErrUnknownRole, roleName)
	}
	err := s.stop(ctx, router, role)
	s.metrics.DaemonStopped(roleName, err)
	return err
}

func (s *Supervisor) stop(ctx context.Context, router string, role Role) error {
	p := s.Paths(router, role.Name)
	log := util.WithDaemon(router, role.Name)

	if err := ctx.Err(); err != nil {
		return err
	}

	pid, err := readPID(p.PID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.markGone(router, role.Name)
			return &PIDFileError{Router: router, Role: role.Name, Path: p.PID}
		}
		return fmt.Errorf("supervisor: stop %s on %s: %w", role.Name, router, err)
	}

	if role.Kind == TableManager {
		if deps := s.liveDependents(router, role); len(deps) > 0 {
			return fmt.Errorf("supervisor: stop %s on %s: %w", role.Name, router,
				util.NewInUseError(router+"/"+role.Name, deps...))
		}
	}

	s.mu.Lock()
	d, tracked := s.daemons[daemonKey{router, role.Name}]
	var prev State
	if tracked {
		prev = d.State
		s.setState(d, Stopping)
	}
	s.mu.Unlock()

	if err := s.signaler.Signal(pid, syscall.SIGTERM); err != nil {
		if !isGone(err) {
			if tracked {
				s.mu.Lock()
				s.setState(d, prev)
				s.mu.Unlock()
			}
			return fmt.Errorf("supervisor: signal %s on %s (pid %d): %w", role.Name, router, pid, err)
		}
		log.Debugf("pid %d already gone", pid)
	} else {
		log.Infof("sent SIGTERM to pid %d", pid)
	}

	if role.Kind == TableManager {
		if err := os.Remove(p.Socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn(&StaleSocketRemovalError{Path: p.Socket, Err: err})
		}
	}

	if tracked {
		s.mu.Lock()
		s.setState(d, Absent)
		s.mu.Unlock()
		if prev == Running {
			s.metrics.DaemonGone(role.Name)
		}
	}
	return nil
}

// liveDependents returns the roles on router that depend on role and still
// have a parseable PID file.
func (s *Supervisor) liveDependents(router string, role Role) []string {
	var deps []string
	for _, r := range s.roles {
		if !r.dependsOn(role) {
			continue
		}
		if _, err := readPID(s.Paths(router, r.Name).PID); err == nil {
			deps = append(deps, r.Name)
		}
	}
	return deps
}

func (s *Supervisor) markGone(router, role string) {
	s.mu.Lock()
	d, ok := s.daemons[daemonKey{router, role}]
	wasRunning := ok && d.State == Running
	if ok {
		s.setState(d, Absent)
	}
	s.mu.Unlock()
	if wasRunning {
		s.metrics.DaemonGone(role)
	}
}

// RemovePIDFile deletes the PID file of role on router. A missing file is
// not an error.
func (s *Supervisor) RemovePIDFile(router, role string) error {
	path := s.Paths(router, role).PID
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("supervisor: remove %s: %w", path, err)
	}
	return nil
}

// StartRouter starts every role on target in dependency order. If one fails,
// the roles already started on that router are stopped again and the start
// error is returned.
func (s *Supervisor) StartRouter(ctx context.Context, target Target) error {
	var started []Role
	for _, role := range s.roles {
		if _, err := s.Start(ctx, target, role); err != nil {
			s.rollback(context.WithoutCancel(ctx), target.Name(), started)
			return err
		}
		started = append(started, role)
	}
	return nil
}

func (s *Supervisor) rollback(ctx context.Context, router string, started []Role) {
	log := util.WithRouter(router)
	for _, role := range StopOrder(started) {
		if err := s.Stop(ctx, router, role.Name); err != nil {
			log.Warnf("rollback: %v", err)
			continue
		}
		if err := s.RemovePIDFile(router, role.Name); err != nil {
			log.Warnf("rollback: %v", err)
		}
	}
}

// StopRouter stops every role on router in reverse start order, removing
// each PID file after a successful stop. It does not stop at the first
// error; all errors are returned combined.
func (s *Supervisor) StopRouter(ctx context.Context, router string) error {
	var errs error
	for _, role := range StopOrder(s.roles) {
		if err := s.Stop(ctx, router, role.Name); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, s.RemovePIDFile(router, role.Name))
	}
	return errs
}

// Alive reports whether pid names a live process.
func (s *Supervisor) Alive(pid int) bool {
	return pid > 0 && alive(s.signaler, pid)
}

// Refresh checks every running daemon with signal 0 and marks dead ones
// absent. It returns the updated daemons.
func (s *Supervisor) Refresh() []*Daemon {
	var gone []string
	s.mu.Lock()
	for _, d := range s.daemons {
		if d.State == Running && !alive(s.signaler, d.PID) {
			util.WithDaemon(d.Router, d.Role.Name).Warnf("pid %d is no longer running", d.PID)
			s.setState(d, Absent)
			gone = append(gone, d.Role.Name)
		}
	}
	s.mu.Unlock()

	for _, role := range gone {
		s.metrics.DaemonGone(role)
	}
	return s.Daemons()
}

// Daemons returns every tracked daemon ordered by router, then start order.
func (s *Supervisor) Daemons() []*Daemon {
	order := make(map[string]int, len(s.roles))
	for i, r := range s.roles {
		order[r.Name] = i
	}

	s.mu.Lock()
	out := make([]*Daemon, 0, len(s.daemons))
	for _, d := range s.daemons {
		snapshot := *d
		out = append(out, &snapshot)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Router != out[j].Router {
			return routerLess(out[i].Router, out[j].Router)
		}
		return order[out[i].Role.Name] < order[out[j].Role.Name]
	})
	return out
}

// Lookup returns the tracked daemon for role on router.
func (s *Supervisor) Lookup(router, role string) (*Daemon, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.daemons[daemonKey{router, role}]
	if !ok {
		return nil, false
	}
	snapshot := *d
	return &snapshot, true
}

// routerLess orders "r2" before "r10".
func routerLess(a, b string) bool {
	na, errA := strconv.Atoi(strings.TrimLeft(a, "abcdefghijklmnopqrstuvwxyz"))
	nb, errB := strconv.Atoi(strings.TrimLeft(b, "abcdefghijklmnopqrstuvwxyz"))
	if errA == nil && errB == nil && na != nb {
		return na < nb
	}
	return a < b
}

// ReadPIDFile returns the PID recorded in path.
func ReadPIDFile(path string) (int, error) {
	return readPID(path)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s: %q", path, strings.TrimSpace(line))
	}
	return pid, nil
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
