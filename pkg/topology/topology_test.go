package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/newtron-network/chainlab/pkg/addressing"
	"github.com/newtron-network/chainlab/pkg/emu"
	"github.com/newtron-network/chainlab/pkg/emu/dryrun"
)

// ============================================================================
// Plan
// ============================================================================

func TestPlan_Counts(t *testing.T) {
	tests := []struct {
		n    int
		want Counts
	}{
		{1, Counts{Routers: 1, Hosts: 2, Links: 2}},
		{3, Counts{Routers: 3, Hosts: 4, Links: 6}},
		{5, Counts{Routers: 5, Hosts: 6, Links: 10}},
		{addressing.MaxRouters, Counts{Routers: 10, Hosts: 11, Links: 20}},
	}

	for _, tt := range tests {
		topo, err := Plan(tt.n, emu.LinkProfile{})
		require.NoError(t, err, "Plan(%d)", tt.n)
		assert.Equal(t, tt.want, topo.Counts(), "Plan(%d)", tt.n)

		var origin, chain, down int
		for _, l := range topo.Links {
			switch l.Kind {
			case OriginLink:
				origin++
			case ChainLink:
				chain++
			case DownstreamLink:
				down++
			}
		}
		assert.Equal(t, 1, origin)
		assert.Equal(t, tt.n-1, chain)
		assert.Equal(t, tt.n, down)
	}
}

func TestPlan_InvalidSize(t *testing.T) {
	for _, n := range []int{0, -1, addressing.MaxRouters + 1} {
		_, err := Plan(n, emu.LinkProfile{})
		assert.ErrorIs(t, err, addressing.ErrInvalidTopologySize, "Plan(%d)", n)
	}
}

func TestPlan_SingleRouter(t *testing.T) {
	topo, err := Plan(1, emu.LinkProfile{})
	require.NoError(t, err)

	r1 := topo.Routers[0]
	assert.Nil(t, r1.Right)
	assert.Len(t, r1.Interfaces(), 2)
	assert.Equal(t, "r1-eth1", r1.Left.Name)
	assert.Equal(t, "10.0.0.2/24", r1.Left.Prefix.String())
	assert.Equal(t, "r1-eth0", r1.Downstream.Name)
	assert.Equal(t, "10.0.10.1/24", r1.Downstream.Prefix.String())

	require.Len(t, topo.Hosts, 1)
	assert.Equal(t, "h1", topo.Hosts[0].Name)
	assert.Equal(t, "10.0.10.10/24", topo.Hosts[0].Iface.Prefix.String())
	assert.Equal(t, "10.0.10.1", topo.Hosts[0].Gateway.String())
}

func TestPlan_ChainInterfaces(t *testing.T) {
	topo, err := Plan(3, emu.LinkProfile{})
	require.NoError(t, err)

	got := map[string]string{}
	for _, r := range topo.Routers {
		for _, iface := range r.Interfaces() {
			got[iface.Name] = iface.Prefix.String()
		}
	}
	for _, h := range topo.AllHosts() {
		got[h.Iface.Name] = h.Iface.Prefix.String()
	}

	want := map[string]string{
		"h0-eth0": "10.0.0.1/24",
		"r1-eth1": "10.0.0.2/24",
		"r1-eth2": "10.0.1.1/24",
		"r1-eth0": "10.0.10.1/24",
		"r2-eth1": "10.0.1.2/24",
		"r2-eth2": "10.0.2.1/24",
		"r2-eth0": "10.0.20.1/24",
		"r3-eth1": "10.0.2.2/24",
		"r3-eth0": "10.0.30.1/24",
		"h1-eth0": "10.0.10.10/24",
		"h2-eth0": "10.0.20.10/24",
		"h3-eth0": "10.0.30.10/24",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("interface addresses mismatch (-want +got):\n%s", diff)
	}
}

func TestPlan_LinksShareSubnet(t *testing.T) {
	topo, err := Plan(5, emu.LinkProfile{})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, l := range topo.Links {
		assert.Equal(t, l.A.Prefix.Masked(), l.Z.Prefix.Masked(), "%s <-> %s", l.A.Name, l.Z.Name)
		for _, ep := range []string{l.A.Endpoint().String(), l.Z.Endpoint().String()} {
			assert.False(t, names[ep], "endpoint %s used twice", ep)
			names[ep] = true
		}
	}
}

func TestPlan_LinkProfile(t *testing.T) {
	profile := emu.LinkProfile{Bandwidth: 100}
	topo, err := Plan(2, profile)
	require.NoError(t, err)
	for _, l := range topo.Links {
		assert.Equal(t, profile, l.Profile)
	}
}

// ============================================================================
// Build / Teardown
// ============================================================================

func TestBuild_RegistersWithFramework(t *testing.T) {
	ctx := context.Background()
	fw := dryrun.New()

	topo, err := Build(ctx, fw, 5, emu.LinkProfile{})
	require.NoError(t, err)

	assert.Equal(t, []string{"h0", "r1", "r2", "r3", "r4", "r5", "h1", "h2", "h3", "h4", "h5"}, fw.NodeNames())
	assert.Equal(t, topo.NodeNames(), fw.NodeNames())
	assert.Len(t, fw.Links(), 10)
	assert.True(t, fw.Started())
	assert.Empty(t, fw.Commands(), "build must not run anything")

	routers := 0
	for _, name := range fw.NodeNames() {
		n, _ := fw.Node(name)
		if n.Kind() == emu.KindRouter {
			routers++
		}
	}
	assert.Equal(t, 5, routers)

	for _, r := range topo.Routers {
		require.NotNil(t, r.Node)
		assert.Equal(t, r.Name, r.Node.Name())
	}

	require.NoError(t, topo.Teardown(ctx))
	require.NoError(t, topo.Teardown(ctx))
	assert.Equal(t, 1, fw.Stops())
	assert.False(t, fw.Started())
}

func TestBuild_InvalidSizeTouchesNothing(t *testing.T) {
	fw := dryrun.New()
	_, err := Build(context.Background(), fw, 0, emu.LinkProfile{})
	assert.ErrorIs(t, err, addressing.ErrInvalidTopologySize)
	assert.Empty(t, fw.NodeNames())
	assert.Zero(t, fw.Stops())
}

func TestBuild_PartialFailureStopsFramework(t *testing.T) {
	boom := errors.New("no more namespaces")
	fw := dryrun.New(dryrun.WithNodeError("r3", boom))

	_, err := Build(context.Background(), fw, 5, emu.LinkProfile{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "r3")
	assert.Equal(t, 1, fw.Stops())
}

func TestBuild_LinkFailure(t *testing.T) {
	boom := errors.New("veth exists")
	fw := dryrun.New(dryrun.WithLinkError("h2", boom))

	_, err := Build(context.Background(), fw, 3, emu.LinkProfile{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, fw.Stops())
}

func TestRouterLookup(t *testing.T) {
	topo, err := Plan(3, emu.LinkProfile{})
	require.NoError(t, err)

	r, ok := topo.Router("r2")
	require.True(t, ok)
	assert.Equal(t, 2, r.Index)

	_, ok = topo.Router("r9")
	assert.False(t, ok)
}

// ============================================================================
// Export
// ============================================================================

func TestExportYAML(t *testing.T) {
	topo, err := Plan(2, emu.LinkProfile{})
	require.NoError(t, err)

	data, err := topo.YAML()
	require.NoError(t, err)

	var doc Document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	require.Len(t, doc.Routers, 2)
	require.Len(t, doc.Hosts, 3)
	require.Len(t, doc.Links, 4)

	assert.Equal(t, LinkDoc{Kind: OriginLink, A: "h0:h0-eth0", Z: "r1:r1-eth1", Subnet: "10.0.0.0/24"}, doc.Links[0])
	assert.Equal(t, LinkDoc{Kind: ChainLink, A: "r1:r1-eth2", Z: "r2:r2-eth1", Subnet: "10.0.1.0/24"}, doc.Links[1])
	assert.Equal(t, HostDoc{Name: "h2", Address: "10.0.20.10/24", Gateway: "10.0.20.1"}, doc.Hosts[2])
}
