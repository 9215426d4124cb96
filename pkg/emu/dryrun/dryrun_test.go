package dryrun

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/chainlab/pkg/emu"
)

func TestFramework_RecordsNodesAndLinks(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	f := New(WithOutput(&out))

	_, err := f.AddNode(ctx, "h0", emu.KindHost)
	require.NoError(t, err)
	r1, err := f.AddNode(ctx, "r1", emu.KindRouter)
	require.NoError(t, err)
	assert.Equal(t, emu.KindRouter, r1.Kind())

	_, err = f.AddNode(ctx, "r1", emu.KindRouter)
	assert.Error(t, err, "duplicate node")

	link, err := f.AddLink(ctx,
		emu.Endpoint{Node: "h0", Interface: "h0-eth0"},
		emu.Endpoint{Node: "r1", Interface: "r1-eth1"},
		emu.LinkProfile{Bandwidth: 10})
	require.NoError(t, err)
	assert.Equal(t, "h0:h0-eth0", link.A().String())
	assert.Equal(t, 10.0, link.Profile().Bandwidth)

	_, err = f.AddLink(ctx,
		emu.Endpoint{Node: "r1", Interface: "r1-eth2"},
		emu.Endpoint{Node: "r9", Interface: "r9-eth1"},
		emu.LinkProfile{})
	assert.Error(t, err, "unknown node")

	require.NoError(t, f.Start(ctx))
	assert.True(t, f.Started())
	require.NoError(t, f.Stop(ctx))
	assert.False(t, f.Started())
	assert.Equal(t, 1, f.Stops())

	assert.Equal(t, []string{"h0", "r1"}, f.NodeNames())
	assert.Len(t, f.Links(), 1)
	assert.Contains(t, out.String(), "link h0:h0-eth0 <-> r1:r1-eth1")
}

func TestFramework_InjectedErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	f := New(WithNodeError("r2", boom), WithLinkError("r1", boom))

	_, err := f.AddNode(ctx, "r2", emu.KindRouter)
	assert.ErrorIs(t, err, boom)

	_, err = f.AddNode(ctx, "r1", emu.KindRouter)
	require.NoError(t, err)
	_, err = f.AddNode(ctx, "h1", emu.KindHost)
	require.NoError(t, err)
	_, err = f.AddLink(ctx, emu.Endpoint{Node: "r1", Interface: "r1-eth0"}, emu.Endpoint{Node: "h1", Interface: "h1-eth0"}, emu.LinkProfile{})
	assert.ErrorIs(t, err, boom)
}

func TestNode_ListConf(t *testing.T) {
	ctx := context.Background()
	f := New()
	r1, _ := f.AddNode(ctx, "r1", emu.KindRouter)
	h1, _ := f.AddNode(ctx, "h1", emu.KindHost)
	_, err := f.AddLink(ctx, emu.Endpoint{Node: "r1", Interface: "r1-eth0"}, emu.Endpoint{Node: "h1", Interface: "h1-eth0"}, emu.LinkProfile{})
	require.NoError(t, err)

	out, err := r1.Run(ctx, "ls", "/proc/sys/net/ipv4/conf")
	require.NoError(t, err)
	assert.Equal(t, []string{"all", "default", "lo", "r1-eth0"}, strings.Fields(string(out)))

	_, err = h1.Run(ctx, "ip", "addr", "add", "10.0.10.10/24", "dev", "h1-eth0")
	require.NoError(t, err)

	cmds := f.CommandsFor("h1")
	require.Len(t, cmds, 1)
	assert.Equal(t, "h1: ip addr add 10.0.10.10/24 dev h1-eth0", cmds[0].String())
	assert.Len(t, f.Commands(), 2)
}

func TestNode_SimulatesDaemon(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := New()
	r1, _ := f.AddNode(ctx, "r1", emu.KindRouter)

	pidFile := filepath.Join(dir, "r1", "zebra.pid")
	sock := filepath.Join(dir, "r1", "zserv.api")
	_, err := r1.Run(ctx, "/usr/sbin/zebra", "--daemon",
		"--config_file", filepath.Join(dir, "r1", "zebra.conf"),
		"--pid_file", pidFile,
		"--socket", sock)
	require.NoError(t, err)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, "40000\n", string(data))
	assert.FileExists(t, sock)

	// second daemon gets the next pid
	bgpPID := filepath.Join(dir, "r1", "bgpd.pid")
	_, err = r1.Run(ctx, "/usr/sbin/bgpd", "--daemon", "--pid_file", bgpPID, "--socket", sock)
	require.NoError(t, err)
	data, _ = os.ReadFile(bgpPID)
	assert.Equal(t, "40001\n", string(data))
}

func TestNode_Handler(t *testing.T) {
	ctx := context.Background()
	failed := errors.New("exit status 1")
	f := New(WithHandler(func(node string, argv []string) ([]byte, bool, error) {
		if node == "r1" && argv[0] == "sysctl" {
			return []byte("permission denied"), true, failed
		}
		return nil, false, nil
	}))
	r1, _ := f.AddNode(ctx, "r1", emu.KindRouter)

	out, err := r1.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1")
	assert.ErrorIs(t, err, failed)
	assert.Equal(t, "permission denied", string(out))

	_, err = r1.Run(ctx, "ip", "link", "set", "r1-eth0", "up")
	assert.NoError(t, err)
}

func TestNode_RunCancelled(t *testing.T) {
	f := New()
	r1, _ := f.AddNode(context.Background(), "r1", emu.KindRouter)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r1.Run(ctx, "true")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.Commands())
}

func TestFramework_Cleanup(t *testing.T) {
	f := New()
	require.NoError(t, f.Cleanup(context.Background(), []string{"r1", "h1"}))
	assert.Equal(t, []string{"r1", "h1"}, f.Cleaned())
}
