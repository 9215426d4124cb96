// Package topology lays out and builds a linear chain of routers:
//
//	h0 --- r1 --- r2 --- ... --- rN
//	       |      |              |
//	       h1     h2             hN
//
// Interface naming follows the node name: ri-eth0 faces the downstream host
// hi, ri-eth1 faces left (r(i-1), or h0 for r1) and ri-eth2 faces right.
// Every host has a single interface, <host>-eth0.
package topology

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/newtron-network/chainlab/pkg/addressing"
	"github.com/newtron-network/chainlab/pkg/emu"
	"github.com/newtron-network/chainlab/pkg/util"
)

// Interface slot numbers.
const (
	DownstreamSlot = 0
	LeftSlot       = 1
	RightSlot      = 2
	HostSlot       = 0
)

// LinkKind classifies a link by its position in the chain.
type LinkKind string

const (
	OriginLink     LinkKind = "origin"     // h0 -- r1
	ChainLink      LinkKind = "chain"      // ri -- r(i+1)
	DownstreamLink LinkKind = "downstream" // ri -- hi
)

// Interface is one addressed interface of a node.
type Interface struct {
	Node   string
	Name   string
	Prefix netip.Prefix
}

// Endpoint returns the framework endpoint of the interface.
func (i *Interface) Endpoint() emu.Endpoint {
	return emu.Endpoint{Node: i.Node, Interface: i.Name}
}

// Router is one chain router. Right is nil for the last router.
type Router struct {
	Index      int
	Name       string
	Left       *Interface
	Right      *Interface
	Downstream *Interface
	Node       emu.Node // set by Build
}

// Interfaces returns the router's interfaces in slot order.
func (r *Router) Interfaces() []*Interface {
	ifaces := []*Interface{r.Downstream, r.Left}
	if r.Right != nil {
		ifaces = append(ifaces, r.Right)
	}
	return ifaces
}

// Host is an end host: the origin h0 (Index 0) or the host hi below ri.
type Host struct {
	Index   int
	Name    string
	Iface   *Interface
	Gateway netip.Addr
	Node    emu.Node // set by Build
}

// Link joins two interfaces.
type Link struct {
	Kind    LinkKind
	A       *Interface
	Z       *Interface
	Profile emu.LinkProfile
}

// Subnet returns the link's /24.
func (l *Link) Subnet() netip.Prefix {
	return l.A.Prefix.Masked()
}

// Counts summarizes a topology.
type Counts struct {
	Routers int
	Hosts   int
	Links   int
}

// Topology is the built chain. It owns its routers, hosts and links and is
// valid between Build and Teardown.
type Topology struct {
	N       int
	Routers []*Router
	Origin  *Host
	Hosts   []*Host // downstream hosts, Hosts[i-1] hangs off Routers[i-1]
	Links   []*Link

	fw   emu.Framework
	torn bool
}

// RouterName returns the node name of router i.
func RouterName(i int) string { return fmt.Sprintf("r%d", i) }

// HostName returns the node name of host i (0 is the origin).
func HostName(i int) string { return fmt.Sprintf("h%d", i) }

// InterfaceName returns "<node>-eth<slot>".
func InterfaceName(node string, slot int) string {
	return fmt.Sprintf("%s-eth%d", node, slot)
}

// Plan lays out a chain of n routers without touching any framework.
func Plan(n int, profile emu.LinkProfile) (*Topology, error) {
	if err := addressing.ValidateSize(n); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}

	t := &Topology{N: n}

	origin := HostName(0)
	t.Origin = &Host{
		Index:   0,
		Name:    origin,
		Iface:   &Interface{Node: origin, Name: InterfaceName(origin, HostSlot), Prefix: addressing.Origin()},
		Gateway: addressing.OriginGateway(),
	}

	for i := 1; i <= n; i++ {
		name := RouterName(i)
		r := &Router{Index: i, Name: name}

		var err error
		if r.Left, err = routerIface(name, LeftSlot, i, n, addressing.Left); err != nil {
			return nil, err
		}
		if r.Downstream, err = routerIface(name, DownstreamSlot, i, n, addressing.Downstream); err != nil {
			return nil, err
		}
		if i < n {
			if r.Right, err = routerIface(name, RightSlot, i, n, addressing.Right); err != nil {
				return nil, err
			}
		}
		t.Routers = append(t.Routers, r)

		hostName := HostName(i)
		hostPrefix, err := addressing.Host(i, n)
		if err != nil {
			return nil, fmt.Errorf("topology: %w", err)
		}
		gw, err := addressing.HostGateway(i, n)
		if err != nil {
			return nil, fmt.Errorf("topology: %w", err)
		}
		t.Hosts = append(t.Hosts, &Host{
			Index:   i,
			Name:    hostName,
			Iface:   &Interface{Node: hostName, Name: InterfaceName(hostName, HostSlot), Prefix: hostPrefix},
			Gateway: gw,
		})
	}

	// h0 -- r1
	t.Links = append(t.Links, &Link{Kind: OriginLink, A: t.Origin.Iface, Z: t.Routers[0].Left, Profile: profile})
	// ri -- r(i+1)
	for i := 0; i < n-1; i++ {
		t.Links = append(t.Links, &Link{Kind: ChainLink, A: t.Routers[i].Right, Z: t.Routers[i+1].Left, Profile: profile})
	}
	// ri -- hi
	for i := 0; i < n; i++ {
		t.Links = append(t.Links, &Link{Kind: DownstreamLink, A: t.Routers[i].Downstream, Z: t.Hosts[i].Iface, Profile: profile})
	}

	return t, nil
}

func routerIface(name string, slot, i, n int, side addressing.Side) (*Interface, error) {
	p, err := addressing.Interface(i, n, side)
	if err != nil {
		return nil, fmt.Errorf("topology: %s %s: %w", name, side, err)
	}
	return &Interface{Node: name, Name: InterfaceName(name, slot), Prefix: p}, nil
}

// Build plans a chain of n routers and registers every node and link with
// the framework, then starts it. No process is started. On failure the
// framework is stopped before returning.
func Build(ctx context.Context, fw emu.Framework, n int, profile emu.LinkProfile) (*Topology, error) {
	t, err := Plan(n, profile)
	if err != nil {
		return nil, err
	}
	t.fw = fw
	log := util.WithComponent("topology")

	if err := t.register(ctx); err != nil {
		if serr := fw.Stop(ctx); serr != nil {
			log.Warnf("stop after failed build: %v", serr)
		}
		t.torn = true
		return nil, err
	}

	log.Infof("built chain of %d routers (%d links)", n, len(t.Links))
	return t, nil
}

func (t *Topology) register(ctx context.Context) error {
	var err error
	if t.Origin.Node, err = t.fw.AddNode(ctx, t.Origin.Name, emu.KindHost); err != nil {
		return fmt.Errorf("topology: add %s: %w", t.Origin.Name, err)
	}
	for _, r := range t.Routers {
		if r.Node, err = t.fw.AddNode(ctx, r.Name, emu.KindRouter); err != nil {
			return fmt.Errorf("topology: add %s: %w", r.Name, err)
		}
	}
	for _, h := range t.Hosts {
		if h.Node, err = t.fw.AddNode(ctx, h.Name, emu.KindHost); err != nil {
			return fmt.Errorf("topology: add %s: %w", h.Name, err)
		}
	}
	for _, l := range t.Links {
		if _, err := t.fw.AddLink(ctx, l.A.Endpoint(), l.Z.Endpoint(), l.Profile); err != nil {
			return fmt.Errorf("topology: link %s <-> %s: %w", l.A.Endpoint(), l.Z.Endpoint(), err)
		}
	}
	if err := t.fw.Start(ctx); err != nil {
		return fmt.Errorf("topology: start network: %w", err)
	}
	return nil
}

// Teardown releases the framework resources. Only the first call reaches
// the framework.
func (t *Topology) Teardown(ctx context.Context) error {
	if t.fw == nil || t.torn {
		return nil
	}
	t.torn = true
	if err := t.fw.Stop(ctx); err != nil {
		return fmt.Errorf("topology: stop network: %w", err)
	}
	return nil
}

// Counts returns the number of routers, hosts and links.
func (t *Topology) Counts() Counts {
	return Counts{
		Routers: len(t.Routers),
		Hosts:   len(t.Hosts) + 1,
		Links:   len(t.Links),
	}
}

// Router returns the router with the given name.
func (t *Topology) Router(name string) (*Router, bool) {
	for _, r := range t.Routers {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// AllHosts returns the origin followed by the downstream hosts.
func (t *Topology) AllHosts() []*Host {
	return append([]*Host{t.Origin}, t.Hosts...)
}

// NodeNames returns every node name in creation order.
func (t *Topology) NodeNames() []string {
	names := []string{t.Origin.Name}
	for _, r := range t.Routers {
		names = append(names, r.Name)
	}
	for _, h := range t.Hosts {
		names = append(names, h.Name)
	}
	return names
}
