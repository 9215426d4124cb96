package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/multierr"

	"github.com/newtron-network/chainlab/pkg/config"
	"github.com/newtron-network/chainlab/pkg/emu"
	"github.com/newtron-network/chainlab/pkg/emu/dryrun"
	"github.com/newtron-network/chainlab/pkg/emu/netns"
	"github.com/newtron-network/chainlab/pkg/settings"
	"github.com/newtron-network/chainlab/pkg/state"
	"github.com/newtron-network/chainlab/pkg/supervisor"
	"github.com/newtron-network/chainlab/pkg/util"
)

// openStore opens the state store selected by cfg. The returned close
// function is always non-nil.
func openStore(ctx context.Context, cfg *config.Config) (state.Store, func(), error) {
	switch cfg.State.Backend {
	case config.StateRedis:
		rs := state.NewRedisStore(cfg.State.RedisAddr, cfg.State.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, func() {}, err
		}
		return rs, func() { rs.Close() }, nil
	default:
		root := cfg.State.Dir
		if root == "" {
			var err error
			if root, err = state.DefaultRoot(); err != nil {
				return nil, func() {}, err
			}
		}
		return state.NewFileStore(root), func() {}, nil
	}
}

// newBackend returns the emulation framework and signal delivery for a
// backend name. Dry-run PIDs are synthetic and must never be signalled.
func newBackend(backend, prefix string, out io.Writer) (emu.Framework, supervisor.Signaler) {
	if backend == config.BackendDryRun {
		return dryrun.New(dryrun.WithOutput(out)), supervisor.NoopSignaler
	}
	return netns.New(prefix), nil
}

// resolveLabName resolves the lab from: argument > settings > config name.
func resolveLabName(args []string, cfg *config.Config) string {
	if len(args) > 0 {
		return args[0]
	}
	if s, err := settings.Load(); err == nil && s.DefaultLab != "" {
		return s.DefaultLab
	}
	return cfg.Name
}

// savedSupervisor rebuilds a supervisor from saved state. Only stop and
// liveness are used, so binaries are placeholders; a role is a table
// manager when it owns a control socket.
func savedSupervisor(st *state.LabState, sig supervisor.Signaler) (*supervisor.Supervisor, error) {
	managers := make(map[string]bool)
	for _, d := range st.Daemons {
		if d.Socket != "" {
			managers[d.Role] = true
		}
	}
	var roles []supervisor.Role
	for _, name := range st.Roles {
		kind := supervisor.ProtocolSpeaker
		if managers[name] {
			kind = supervisor.TableManager
		}
		roles = append(roles, supervisor.Role{Name: name, Binary: name, Kind: kind})
	}

	var opts []supervisor.Option
	if sig != nil {
		opts = append(opts, supervisor.WithSignaler(sig))
	}
	return supervisor.New(st.BaseDir, roles, opts...)
}

// destroyLab stops every daemon recorded in st by PID file, last router
// first, removes the lab's nodes and deletes the saved state. Daemons that
// already exited are not errors.
func destroyLab(ctx context.Context, store state.Store, st *state.LabState, out io.Writer) error {
	log := util.WithField("lab", st.Name)
	fw, sig := newBackend(st.Backend, st.NamespacePrefix, out)

	var errs error
	if len(st.Roles) > 0 {
		sup, err := savedSupervisor(st, sig)
		if err != nil {
			return fmt.Errorf("lab %s: %w", st.Name, err)
		}
		for i := len(st.Routers) - 1; i >= 0; i-- {
			for _, err := range multierr.Errors(sup.StopRouter(ctx, st.Routers[i])) {
				if errors.Is(err, supervisor.ErrMissingPIDFile) {
					log.Debugf("%v", err)
					continue
				}
				errs = multierr.Append(errs, err)
			}
		}
	}

	if cleaner, ok := fw.(emu.Cleaner); ok {
		nodes := append(append([]string(nil), st.Routers...), st.Hosts...)
		errs = multierr.Append(errs, cleaner.Cleanup(ctx, nodes))
	}
	if errs != nil {
		return fmt.Errorf("lab %s: %w", st.Name, errs)
	}
	if err := store.Remove(ctx, st.Name); err != nil {
		return err
	}
	log.Info("destroyed")
	return nil
}
