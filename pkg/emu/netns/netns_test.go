package netns

import (
	"context"
	"math"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/chainlab/pkg/emu"
)

func TestNetemAttrs(t *testing.T) {
	attrs := netemAttrs(emu.LinkProfile{
		Bandwidth: 8,
		Delay:     5 * time.Millisecond,
		Jitter:    500 * time.Microsecond,
		Loss:      1.5,
	})
	assert.Equal(t, uint32(5000), attrs.Latency)
	assert.Equal(t, uint32(500), attrs.Jitter)
	assert.Equal(t, float32(1.5), attrs.Loss)
	assert.Equal(t, uint64(1_000_000), attrs.Rate64)

	zero := netemAttrs(emu.LinkProfile{})
	assert.Zero(t, zero.Latency)
	assert.Zero(t, zero.Rate64)
}

func TestClampMicros(t *testing.T) {
	assert.Equal(t, uint32(0), clampMicros(-5))
	assert.Equal(t, uint32(42), clampMicros(42))
	assert.Equal(t, uint32(math.MaxUint32), clampMicros(math.MaxUint32+10))
}

func TestNew_DefaultPrefix(t *testing.T) {
	assert.Equal(t, DefaultPrefix, New("").prefix)
	assert.Equal(t, "lab-", New("lab-").prefix)
}

func TestAddLink_Validation(t *testing.T) {
	f := New("")
	_, err := f.AddLink(context.Background(),
		emu.Endpoint{Node: "r1", Interface: "r1-eth1"},
		emu.Endpoint{Node: "r2", Interface: "r2-eth1"},
		emu.LinkProfile{})
	assert.Error(t, err, "unknown nodes")
}

func TestStop_NothingCreated(t *testing.T) {
	f := New("")
	assert.NoError(t, f.Stop(context.Background()))
	assert.NoError(t, f.Stop(context.Background()), "stop is repeatable")
}

// TestCleanup_Missing needs root to reach the unmount of a missing namespace.
func TestCleanup_Missing(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	f := New("chainlabmissing-")
	assert.NoError(t, f.Cleanup(context.Background(), []string{"r1", "h0", "h1"}))
}

// TestFramework_Namespaces exercises the real kernel path. It needs root and
// the ip tool, so it is skipped elsewhere.
func TestFramework_Namespaces(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	if _, err := exec.LookPath("ip"); err != nil {
		t.Skip("ip not installed")
	}

	ctx := context.Background()
	f := New("chainlabtest-")
	t.Cleanup(func() { f.Stop(ctx) })

	h0, err := f.AddNode(ctx, "h0", emu.KindHost)
	require.NoError(t, err)
	_, err = f.AddNode(ctx, "r1", emu.KindRouter)
	require.NoError(t, err)

	_, err = f.AddLink(ctx,
		emu.Endpoint{Node: "h0", Interface: "h0-eth0"},
		emu.Endpoint{Node: "r1", Interface: "r1-eth1"},
		emu.LinkProfile{Delay: time.Millisecond})
	require.NoError(t, err)

	out, err := h0.Run(ctx, "ip", "-o", "link", "show", "h0-eth0")
	require.NoError(t, err)
	assert.Contains(t, string(out), "h0-eth0")

	require.NoError(t, f.Stop(ctx))
	require.NoError(t, f.Cleanup(ctx, []string{"h0", "r1"}))
}
