package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/chainlab/pkg/config"
	"github.com/newtron-network/chainlab/pkg/emu/dryrun"
	"github.com/newtron-network/chainlab/pkg/metrics"
	"github.com/newtron-network/chainlab/pkg/state"
	"github.com/newtron-network/chainlab/pkg/supervisor"
)

// ============================================================================
// Helpers
// ============================================================================

type signals struct {
	mu    sync.Mutex
	terms []int
	dead  map[int]bool // pids that fail signal 0
}

func (s *signals) Signal(pid int, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig == 0 && s.dead[pid] {
		return syscall.ESRCH
	}
	if sig == syscall.SIGTERM {
		s.terms = append(s.terms, pid)
	}
	return nil
}

func (s *signals) sent() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.terms...)
}

type harness struct {
	cfg   *config.Config
	fw    *dryrun.Framework
	sup   *supervisor.Supervisor
	sig   *signals
	store *state.FileStore
	sess  *Session
}

func newHarness(t *testing.T, routers int, opts ...dryrun.Option) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Name = "test"
	cfg.Routers = routers
	cfg.BaseDir = t.TempDir()
	cfg.Backend = config.BackendDryRun

	roles, err := cfg.Roles()
	require.NoError(t, err)

	h := &harness{
		cfg:   cfg,
		fw:    dryrun.New(opts...),
		sig:   &signals{dead: map[int]bool{}},
		store: state.NewFileStore(t.TempDir()),
	}
	h.sup, err = supervisor.New(cfg.BaseDir, roles,
		supervisor.WithSignaler(h.sig),
		supervisor.WithTimeouts(time.Second, time.Second),
		supervisor.WithPollInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	h.sess, err = New(cfg, h.fw, h.sup, WithStore(h.store))
	require.NoError(t, err)
	return h
}

func (h *harness) saved(t *testing.T) *state.LabState {
	t.Helper()
	st, err := h.store.Load(context.Background(), "test")
	require.NoError(t, err)
	return st
}

func (h *harness) commands(node string) []string {
	var out []string
	for _, c := range h.fw.CommandsFor(node) {
		out = append(out, strings.Join(c.Argv, " "))
	}
	return out
}

func isDaemon(cmd string) bool {
	return strings.Contains(cmd, "--daemon")
}

// failOn makes every daemon launch on node fail.
func failOn(node string) dryrun.Option {
	return dryrun.WithHandler(func(n string, argv []string) ([]byte, bool, error) {
		if n == node && isDaemon(strings.Join(argv, " ")) {
			return []byte("cannot open socket\n"), true, errors.New("exit status 1")
		}
		return nil, false, nil
	})
}

// ============================================================================
// Up / Down
// ============================================================================

func TestUpDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)

	require.NoError(t, h.sess.Up(ctx))
	assert.Equal(t, DaemonsRunning, h.sess.State())
	assert.Equal(t, 10, len(h.fw.Links()))

	r2 := h.commands("r2")
	for _, want := range []string{
		"ip addr add 10.0.20.1/24 dev r2-eth0",
		"ip addr add 10.0.1.2/24 dev r2-eth1",
		"ip addr add 10.0.2.1/24 dev r2-eth2",
		"ip link set r2-eth2 up",
		"sysctl -w net.ipv4.ip_forward=1",
		"ls /proc/sys/net/ipv4/conf",
		"sysctl -w net.ipv4.conf.all.rp_filter=0",
		"sysctl -w net.ipv4.conf.default.rp_filter=0",
		"sysctl -w net.ipv4.conf.r2-eth0.rp_filter=0",
		"sysctl -w net.ipv4.conf.r2-eth1.rp_filter=0",
		"sysctl -w net.ipv4.conf.r2-eth2.rp_filter=0",
	} {
		assert.Contains(t, r2, want)
	}
	assert.NotContains(t, r2, "sysctl -w net.ipv4.conf.lo.rp_filter=0")

	assert.Equal(t, []string{
		"ip addr add 10.0.0.1/24 dev h0-eth0",
		"ip link set h0-eth0 up",
		"ip route add default via 10.0.0.2",
	}, h.commands("h0"))
	assert.Contains(t, h.commands("h3"), "ip route add default via 10.0.30.1")

	var launches []string
	for _, c := range h.commands("r5") {
		if isDaemon(c) {
			launches = append(launches, c)
		}
	}
	require.Len(t, launches, 2)
	assert.True(t, strings.HasPrefix(launches[0], "/usr/sbin/zebra --daemon"))
	assert.True(t, strings.HasPrefix(launches[1], "/usr/sbin/bgpd --daemon"))

	st := h.saved(t)
	assert.Equal(t, "daemons-running", st.Phase)
	assert.Equal(t, h.sess.ID(), st.ID)
	assert.Equal(t, []string{"r1", "r2", "r3", "r4", "r5"}, st.Routers)
	assert.Len(t, st.Hosts, 6)
	require.Len(t, st.Daemons, 10)
	for _, d := range st.Daemons {
		assert.Equal(t, "running", d.Status, "%s/%s", d.Router, d.Role)
		assert.NotZero(t, d.PID)
	}

	require.NoError(t, h.sess.Down(ctx))
	assert.Equal(t, TornDown, h.sess.State())
	assert.Len(t, h.sig.sent(), 10)
	assert.Equal(t, 1, h.fw.Stops())
	for _, r := range st.Routers {
		for _, role := range []string{"zebra", "bgpd"} {
			_, err := os.Stat(h.sup.Paths(r, role).PID)
			assert.True(t, os.IsNotExist(err), "%s/%s pid file left behind", r, role)
		}
	}
	assert.Equal(t, "torn-down", h.saved(t).Phase)

	// Down is idempotent.
	require.NoError(t, h.sess.Down(ctx))
	assert.Equal(t, 1, h.fw.Stops())
}

func TestUp_SpawnFailureRollsBack(t *testing.T) {
	h := newHarness(t, 5, failOn("r3"))

	err := h.sess.Up(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, supervisor.ErrDaemonSpawn)
	assert.Contains(t, err.Error(), "r3")

	assert.Equal(t, TornDown, h.sess.State())
	assert.Equal(t, 1, h.fw.Stops())
	assert.ElementsMatch(t, []int{40000, 40001, 40002, 40003}, h.sig.sent(), "r1 and r2 daemons stopped")

	for _, node := range []string{"r4", "r5"} {
		for _, c := range h.commands(node) {
			assert.False(t, isDaemon(c), "%s: unexpected launch %q", node, c)
		}
	}
	for _, r := range []string{"r1", "r2"} {
		for _, role := range []string{"zebra", "bgpd"} {
			_, err := os.Stat(h.sup.Paths(r, role).PID)
			assert.True(t, os.IsNotExist(err), "%s/%s", r, role)
		}
	}
	assert.Equal(t, "torn-down", h.saved(t).Phase)
}

func TestUp_ParallelStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 4)
	h.cfg.Parallel = true

	require.NoError(t, h.sess.Up(ctx))
	assert.Len(t, h.sup.Daemons(), 8)
	for _, d := range h.sup.Daemons() {
		assert.Equal(t, supervisor.Running, d.State)
	}
	require.NoError(t, h.sess.Down(ctx))
	assert.Len(t, h.sig.sent(), 8)
}

func TestUp_ParallelFailure(t *testing.T) {
	h := newHarness(t, 4, failOn("r2"))
	h.cfg.Parallel = true

	err := h.sess.Up(context.Background())
	assert.ErrorIs(t, err, supervisor.ErrDaemonSpawn)
	assert.Equal(t, TornDown, h.sess.State())
	for _, d := range h.sup.Daemons() {
		assert.Equal(t, supervisor.Absent, d.State, "%s/%s", d.Router, d.Role.Name)
	}
}

func TestUp_ConfigureFailure(t *testing.T) {
	boom := errors.New("permission denied")
	h := newHarness(t, 3, dryrun.WithHandler(func(node string, argv []string) ([]byte, bool, error) {
		if node == "r2" && argv[0] == "sysctl" && argv[2] == "net.ipv4.ip_forward=1" {
			return nil, true, boom
		}
		return nil, false, nil
	}))

	err := h.sess.Up(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "r2: sysctl -w net.ipv4.ip_forward=1")
	assert.Equal(t, TornDown, h.sess.State())
	assert.Equal(t, 1, h.fw.Stops())
	for _, c := range h.fw.Commands() {
		assert.False(t, isDaemon(c.String()))
	}
}

func TestUp_BuildFailure(t *testing.T) {
	boom := errors.New("namespace exists")
	h := newHarness(t, 3, dryrun.WithNodeError("r2", boom))

	err := h.sess.Up(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, TornDown, h.sess.State())
	assert.Nil(t, h.sess.Topology())
	assert.Equal(t, 1, h.fw.Stops())
	assert.Empty(t, h.fw.Commands())
}

func TestUp_Cancelled(t *testing.T) {
	h := newHarness(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.sess.Up(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, TornDown, h.sess.State())
	assert.Equal(t, 1, h.fw.Stops())
}

func TestUp_Twice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	require.NoError(t, h.sess.Up(ctx))
	assert.ErrorIs(t, h.sess.Up(ctx), ErrInvalidTransition)
	require.NoError(t, h.sess.Down(ctx))
	assert.ErrorIs(t, h.sess.Up(ctx), ErrInvalidTransition)
}

func TestDown_FromIdle(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.sess.Down(context.Background()))
	assert.Equal(t, TornDown, h.sess.State())
	assert.Zero(t, h.fw.Stops())
}

func TestDown_MissingPIDFileIsCollected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	require.NoError(t, h.sess.Up(ctx))

	require.NoError(t, os.Remove(h.sup.Paths("r2", "bgpd").PID))

	err := h.sess.Down(ctx)
	require.ErrorIs(t, err, supervisor.ErrMissingPIDFile)
	assert.Equal(t, TornDown, h.sess.State())
	assert.Equal(t, 1, h.fw.Stops())
	// Every other daemon was still stopped.
	assert.Len(t, h.sig.sent(), 5)
}

func TestRun(t *testing.T) {
	h := newHarness(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.sess.Run(ctx) }()

	require.Eventually(t, func() bool { return h.sess.State() == DaemonsRunning },
		5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, TornDown, h.sess.State())
	assert.Len(t, h.sig.sent(), 4)
}

func TestPhaseMetric(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sess, err := New(h.cfg, h.fw, h.sup, WithMetrics(m))
	require.NoError(t, err)

	require.NoError(t, sess.Up(ctx))
	expected := `
# HELP chainlab_session_phase Ordinal of the current session phase.
# TYPE chainlab_session_phase gauge
chainlab_session_phase 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "chainlab_session_phase"))

	require.NoError(t, sess.Down(ctx))
	expected = strings.Replace(expected, "phase 3", "phase 5", 1)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "chainlab_session_phase"))
}

func TestSnapshot_ReportsDeadDaemons(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.sess.Up(context.Background()))
	defer h.sess.Down(context.Background())

	h.sig.mu.Lock()
	h.sig.dead[40001] = true // bgpd on r1
	h.sig.mu.Unlock()

	st := h.sess.Snapshot()
	require.Len(t, st.Daemons, 4)
	assert.Equal(t, "r1", st.Daemons[1].Router)
	assert.Equal(t, "bgpd", st.Daemons[1].Role)
	assert.Equal(t, "absent", st.Daemons[1].Status)
	assert.Equal(t, "running", st.Daemons[0].Status)
	assert.Equal(t, "running", st.Daemons[3].Status)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Routers = 0
	_, err := New(cfg, dryrun.New(), nil)
	assert.Error(t, err)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "daemons-running", DaemonsRunning.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}
