package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/newtron-network/chainlab/pkg/cli"
	"github.com/newtron-network/chainlab/pkg/config"
	"github.com/newtron-network/chainlab/pkg/metrics"
	"github.com/newtron-network/chainlab/pkg/session"
	"github.com/newtron-network/chainlab/pkg/state"
	"github.com/newtron-network/chainlab/pkg/supervisor"
	"github.com/newtron-network/chainlab/pkg/util"
)

func newUpCmd() *cobra.Command {
	var (
		dryRun      bool
		force       bool
		once        bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run a lab until interrupted",
		Long: `Build the chain, configure addressing, start the routing daemons and
keep the lab running until SIGINT or SIGTERM, then tear it all down.

If the lab already has saved state (a previous up that did not exit
cleanly), up refuses to start unless --force is given, in which case
the old lab is destroyed first.

  chainlab up -c lab.yaml
  chainlab up -c lab.yaml --dry-run --once
  chainlab up -c lab.yaml --metrics-addr :9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Backend = config.BackendDryRun
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if once {
				// Up and straight back down.
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(ctx)
				defer cancel()
				return runLab(ctx, cmd, cfg, force, cancel)
			}
			return runLab(ctx, cmd, cfg, force, nil)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record commands instead of creating namespaces")
	cmd.Flags().BoolVar(&force, "force", false, "destroy an existing lab of the same name first")
	cmd.Flags().BoolVar(&once, "once", false, "bring the lab up and straight back down")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// runLab runs one session. If ready is non-nil it is called once the
// daemons are running.
func runLab(ctx context.Context, cmd *cobra.Command, cfg *config.Config, force bool, ready func()) error {
	out := cmd.OutOrStdout()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	existing, err := store.Load(ctx, cfg.Name)
	switch {
	case err == nil:
		if !force {
			return fmt.Errorf("lab %s already exists (phase %s); use --force or 'chainlab down %s'",
				cfg.Name, existing.Phase, cfg.Name)
		}
		fmt.Fprintf(out, "Destroying existing lab %s...\n", cfg.Name)
		if err := destroyLab(ctx, store, existing, out); err != nil {
			return err
		}
	case !errors.Is(err, state.ErrNotFound):
		return err
	}

	roles, err := cfg.Roles()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	fw, sig := newBackend(cfg.Backend, cfg.NamespacePrefix, out)
	opts := []supervisor.Option{
		supervisor.WithTimeouts(cfg.PIDTimeout, cfg.SocketTimeout),
		supervisor.WithMetrics(m),
	}
	if sig != nil {
		opts = append(opts, supervisor.WithSignaler(sig))
	}
	if cfg.SpawnRate > 0 {
		opts = append(opts, supervisor.WithSpawnLimit(rate.Limit(cfg.SpawnRate), 1))
	}
	sup, err := supervisor.New(cfg.BaseDir, roles, opts...)
	if err != nil {
		return err
	}

	sess, err := session.New(cfg, fw, sup, session.WithStore(store), session.WithMetrics(m))
	if err != nil {
		return err
	}

	if err := sess.Up(ctx); err != nil {
		// Rolled back; nothing is left to tear down.
		if rmErr := store.Remove(context.WithoutCancel(ctx), cfg.Name); rmErr != nil {
			util.Logger.Warnf("remove state: %v", rmErr)
		}
		return err
	}

	counts := sess.Topology().Counts()
	fmt.Fprintf(out, "%s lab %s: %d routers, %d hosts, %d links (%s)\n",
		cli.Green("✓"), cfg.Name, counts.Routers, counts.Hosts, counts.Links, cfg.Backend)
	if ready != nil {
		ready()
	} else {
		fmt.Fprintln(out, "Press Ctrl-C to stop")
	}

	<-ctx.Done()
	fmt.Fprintf(out, "Stopping lab %s...\n", cfg.Name)
	if err := sess.Down(ctx); err != nil {
		return fmt.Errorf("%w (state kept; run 'chainlab down %s')", err, cfg.Name)
	}
	if err := store.Remove(context.WithoutCancel(ctx), cfg.Name); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s lab %s stopped\n", cli.Green("✓"), cfg.Name)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Logger.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}
