// Package session drives one lab through its lifecycle:
//
//	Idle -> Built -> Configured -> DaemonsRunning -> DaemonsStopped -> TornDown
//
// A failure before DaemonsRunning rolls everything back and leaves the
// session TornDown. Down is best effort and always ends TornDown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/chainlab/pkg/config"
	"github.com/newtron-network/chainlab/pkg/emu"
	"github.com/newtron-network/chainlab/pkg/metrics"
	"github.com/newtron-network/chainlab/pkg/state"
	"github.com/newtron-network/chainlab/pkg/supervisor"
	"github.com/newtron-network/chainlab/pkg/topology"
	"github.com/newtron-network/chainlab/pkg/util"
)

// Phase is the lifecycle position of a session.
type Phase int

const (
	Idle Phase = iota
	Built
	Configured
	DaemonsRunning
	DaemonsStopped
	TornDown
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Built:
		return "built"
	case Configured:
		return "configured"
	case DaemonsRunning:
		return "daemons-running"
	case DaemonsStopped:
		return "daemons-stopped"
	case TornDown:
		return "torn-down"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ErrInvalidTransition is returned by Up on a session that is not Idle.
var ErrInvalidTransition = errors.New("invalid session transition")

// Option configures a Session.
type Option func(*Session)

// WithStore persists a snapshot on every phase change.
func WithStore(st state.Store) Option {
	return func(s *Session) { s.store = st }
}

// WithMetrics records the phase ordinal.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session owns the topology and the daemons of one lab.
type Session struct {
	cfg     *config.Config
	fw      emu.Framework
	sup     *supervisor.Supervisor
	store   state.Store
	metrics *metrics.Metrics
	id      string
	created time.Time
	log     *logrus.Entry

	mu    sync.Mutex
	phase Phase
	topo  *topology.Topology
}

// New returns an Idle session. fw and sup must be dedicated to it.
func New(cfg *config.Config, fw emu.Framework, sup *supervisor.Supervisor, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s := &Session{
		cfg:     cfg,
		fw:      fw,
		sup:     sup,
		id:      uuid.NewString(),
		created: time.Now(),
		log:     util.WithComponent("session").WithField("lab", cfg.Name),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.SetPhase(int(Idle))
	return s, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// State returns the current phase.
func (s *Session) State() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Topology returns the built topology, or nil before Up.
func (s *Session) Topology() *topology.Topology {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topo
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	prev := s.phase
	s.phase = p
	s.mu.Unlock()

	s.log.Infof("%s -> %s", prev, p)
	s.metrics.SetPhase(int(p))
	s.persist()
}

func (s *Session) persist() {
	if s.store == nil {
		return
	}
	if err := s.store.Save(context.Background(), s.Snapshot()); err != nil {
		s.log.Warnf("save state: %v", err)
	}
}

// Up builds the topology, configures addressing and starts every daemon.
// On any failure, or if ctx is cancelled before the daemons are running,
// everything already set up is undone and the session ends TornDown.
func (s *Session) Up(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != Idle {
		p := s.phase
		s.mu.Unlock()
		return fmt.Errorf("session: up from %s: %w", p, ErrInvalidTransition)
	}
	s.mu.Unlock()

	topo, err := topology.Build(ctx, s.fw, s.cfg.Routers, s.cfg.LinkProfile())
	if err != nil {
		// Build stops the framework itself on failure.
		s.setPhase(TornDown)
		return fmt.Errorf("session: %w", err)
	}
	s.mu.Lock()
	s.topo = topo
	s.mu.Unlock()
	s.setPhase(Built)

	if err := s.configure(ctx); err != nil {
		return s.rollback(ctx, fmt.Errorf("session: configure: %w", err))
	}
	s.setPhase(Configured)

	if err := s.startDaemons(ctx); err != nil {
		return s.rollback(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return s.rollback(ctx, fmt.Errorf("session: %w", err))
	}
	s.setPhase(DaemonsRunning)
	return nil
}

func (s *Session) startDaemons(ctx context.Context) error {
	routers := s.topo.Routers
	if !s.cfg.Parallel {
		for _, r := range routers {
			if err := s.sup.StartRouter(ctx, r.Node); err != nil {
				return fmt.Errorf("session: %s: %w", r.Name, err)
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range routers {
		r := r
		g.Go(func() error {
			if err := s.sup.StartRouter(gctx, r.Node); err != nil {
				return fmt.Errorf("session: %s: %w", r.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// rollback stops whatever daemons were started, tears the topology down and
// returns cause combined with any cleanup errors.
func (s *Session) rollback(ctx context.Context, cause error) error {
	s.log.Errorf("rolling back: %v", cause)
	ctx = context.WithoutCancel(ctx)

	var errs error
	for _, err := range multierr.Errors(s.stopAll(ctx)) {
		// Routers that never got a daemon have no PID files.
		if !errors.Is(err, supervisor.ErrMissingPIDFile) {
			errs = multierr.Append(errs, err)
		}
	}
	errs = multierr.Append(errs, s.topo.Teardown(ctx))
	s.setPhase(TornDown)
	return multierr.Append(cause, errs)
}

// stopAll stops the daemons of every router, last router first.
func (s *Session) stopAll(ctx context.Context) error {
	var errs error
	for i := len(s.topo.Routers) - 1; i >= 0; i-- {
		r := s.topo.Routers[i]
		if err := s.sup.StopRouter(ctx, r.Name); err != nil {
			util.WithRouter(r.Name).Warnf("stop daemons: %v", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Down stops every daemon and tears the topology down. It keeps going past
// errors, including missing PID files, and returns them all.
func (s *Session) Down(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	switch p := s.State(); p {
	case TornDown:
		return nil
	case Idle:
		s.setPhase(TornDown)
		return nil
	}

	var errs error
	if s.State() == DaemonsRunning {
		errs = multierr.Append(errs, s.stopAll(ctx))
		s.setPhase(DaemonsStopped)
	}
	errs = multierr.Append(errs, s.topo.Teardown(ctx))
	s.setPhase(TornDown)
	if errs != nil {
		return fmt.Errorf("session: down: %w", errs)
	}
	return nil
}

// Run brings the lab up, waits for ctx to be cancelled and brings it down.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Up(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.log.Info("shutting down")
	return s.Down(ctx)
}

// Snapshot returns the persisted view of the session, with daemon liveness
// checked at the time of the call.
func (s *Session) Snapshot() *state.LabState {
	s.mu.Lock()
	phase, topo := s.phase, s.topo
	s.mu.Unlock()

	st := &state.LabState{
		Name:            s.cfg.Name,
		ID:              s.id,
		Created:         s.created,
		BaseDir:         s.sup.BaseDir(),
		Backend:         s.cfg.Backend,
		NamespacePrefix: s.cfg.NamespacePrefix,
		Phase:           phase.String(),
	}
	for _, role := range s.sup.Roles() {
		st.Roles = append(st.Roles, role.Name)
	}
	if topo == nil {
		return st
	}

	for _, r := range topo.Routers {
		st.Routers = append(st.Routers, r.Name)
	}
	for _, h := range topo.AllHosts() {
		st.Hosts = append(st.Hosts, h.Name)
	}
	// Daemons that died since they started are reported absent.
	s.sup.Refresh()
	for _, r := range topo.Routers {
		for _, role := range s.sup.Roles() {
			paths := s.sup.Paths(r.Name, role.Name)
			rec := &state.DaemonRecord{
				Router:  r.Name,
				Role:    role.Name,
				Status:  supervisor.Absent.String(),
				PIDFile: paths.PID,
			}
			if role.Kind == supervisor.TableManager {
				rec.Socket = paths.Socket
			}
			if d, ok := s.sup.Lookup(r.Name, role.Name); ok {
				rec.PID = d.PID
				rec.Status = d.State.String()
			}
			st.Daemons = append(st.Daemons, rec)
		}
	}
	return st
}
