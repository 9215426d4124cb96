// Package netns is a Linux emulation backend: every node is a named network
// namespace and every link is a veth pair whose ends are moved into the two
// namespaces. Shaping uses a netem root qdisc. Requires CAP_NET_ADMIN.
package netns

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/multierr"

	"github.com/newtron-network/chainlab/pkg/emu"
	"github.com/newtron-network/chainlab/pkg/util"
)

// DefaultPrefix is prepended to node names to form namespace names.
const DefaultPrefix = "chainlab-"

// maxIfaceName is IFNAMSIZ minus the trailing NUL.
const maxIfaceName = 15

// Framework implements emu.Framework and emu.Cleaner on network namespaces.
type Framework struct {
	prefix string
	ipPath string

	mu    sync.Mutex
	nodes map[string]*Node
	order []string
	links []*Link
}

// New returns a backend whose namespaces are named prefix+node.
func New(prefix string) *Framework {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Framework{
		prefix: prefix,
		ipPath: "ip",
		nodes:  make(map[string]*Node),
	}
}

// Node is a network namespace.
type Node struct {
	name   string
	kind   emu.NodeKind
	nsName string
	ipPath string
	handle netns.NsHandle
}

func (n *Node) Name() string       { return n.name }
func (n *Node) Kind() emu.NodeKind { return n.kind }

// Namespace returns the namespace name backing the node.
func (n *Node) Namespace() string { return n.nsName }

// Run executes argv inside the namespace via "ip netns exec".
func (n *Node) Run(ctx context.Context, argv ...string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("netns: %s: empty command", n.name)
	}
	args := append([]string{"netns", "exec", n.nsName}, argv...)
	cmd := exec.CommandContext(ctx, n.ipPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("netns: %s: %s: %w", n.name, argv[0], err)
	}
	return out, nil
}

// Link is a veth pair.
type Link struct {
	a, z    emu.Endpoint
	profile emu.LinkProfile
}

func (l *Link) A() emu.Endpoint           { return l.a }
func (l *Link) Z() emu.Endpoint           { return l.z }
func (l *Link) Profile() emu.LinkProfile { return l.profile }

// AddNode creates a named namespace and brings its loopback up.
func (f *Framework) AddNode(ctx context.Context, name string, kind emu.NodeKind) (emu.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.nodes[name]; ok {
		return nil, fmt.Errorf("netns: node %q already exists", name)
	}
	nsName := f.prefix + name

	handle, err := newNamed(nsName)
	if err != nil {
		return nil, fmt.Errorf("netns: create namespace %s: %w", nsName, err)
	}

	nh, err := netlink.NewHandleAt(handle)
	if err != nil {
		handle.Close()
		netns.DeleteNamed(nsName)
		return nil, fmt.Errorf("netns: netlink handle for %s: %w", nsName, err)
	}
	defer nh.Delete()

	if lo, err := nh.LinkByName("lo"); err == nil {
		if err := nh.LinkSetUp(lo); err != nil {
			util.WithField("node", name).Warnf("netns: loopback up: %v", err)
		}
	}

	n := &Node{name: name, kind: kind, nsName: nsName, ipPath: f.ipPath, handle: handle}
	f.nodes[name] = n
	f.order = append(f.order, name)
	util.WithField("node", name).Debugf("netns: created namespace %s", nsName)
	return n, nil
}

// AddLink creates a veth pair named after the two endpoint interfaces, moves
// each end into its node's namespace, brings both up and applies shaping.
func (f *Framework) AddLink(ctx context.Context, a, z emu.Endpoint, profile emu.LinkProfile) (emu.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nodeA, ok := f.nodes[a.Node]
	if !ok {
		return nil, fmt.Errorf("netns: link %s: node %q not found", a, a.Node)
	}
	nodeZ, ok := f.nodes[z.Node]
	if !ok {
		return nil, fmt.Errorf("netns: link %s: node %q not found", z, z.Node)
	}
	for _, ep := range []emu.Endpoint{a, z} {
		if len(ep.Interface) > maxIfaceName {
			return nil, fmt.Errorf("netns: interface name %q longer than %d", ep.Interface, maxIfaceName)
		}
	}

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: a.Interface},
		PeerName:  z.Interface,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return nil, fmt.Errorf("netns: add veth %s-%s: %w", a.Interface, z.Interface, err)
	}

	for _, side := range []struct {
		ep   emu.Endpoint
		node *Node
	}{{a, nodeA}, {z, nodeZ}} {
		if err := moveAndConfigure(side.ep.Interface, side.node, profile); err != nil {
			// Deleting either end removes the pair, wherever it lives now.
			if l, lerr := netlink.LinkByName(a.Interface); lerr == nil {
				netlink.LinkDel(l)
			}
			return nil, fmt.Errorf("netns: link %s <-> %s: %w", a, z, err)
		}
	}

	l := &Link{a: a, z: z, profile: profile}
	f.links = append(f.links, l)
	return l, nil
}

// Start is a no-op: links are up as soon as they are added.
func (f *Framework) Start(ctx context.Context) error {
	return nil
}

// Stop deletes every namespace the framework created. Veth pairs go with
// them.
func (f *Framework) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs error
	for i := len(f.order) - 1; i >= 0; i-- {
		n := f.nodes[f.order[i]]
		n.handle.Close()
		if err := netns.DeleteNamed(n.nsName); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, fmt.Errorf("delete namespace %s: %w", n.nsName, err))
		}
	}
	f.nodes = make(map[string]*Node)
	f.order = nil
	f.links = nil
	return errs
}

// Cleanup deletes the namespaces of the named nodes, ignoring ones that no
// longer exist.
func (f *Framework) Cleanup(ctx context.Context, nodes []string) error {
	var errs error
	for _, name := range nodes {
		nsName := f.prefix + name
		if err := netns.DeleteNamed(nsName); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, fmt.Errorf("delete namespace %s: %w", nsName, err))
		}
	}
	return errs
}

// newNamed creates a named namespace without leaving the calling thread in
// it. netns.NewNamed switches the current thread, so the thread is locked
// and switched back before unlocking.
func newNamed(name string) (netns.NsHandle, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return netns.None(), err
	}
	defer orig.Close()

	handle, err := netns.NewNamed(name)
	if serr := netns.Set(orig); serr != nil {
		return netns.None(), fmt.Errorf("restore namespace: %w", serr)
	}
	if err != nil {
		return netns.None(), err
	}
	return handle, nil
}

func moveAndConfigure(iface string, node *Node, profile emu.LinkProfile) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("find %s: %w", iface, err)
	}
	if err := netlink.LinkSetNsFd(link, int(node.handle)); err != nil {
		return fmt.Errorf("move %s into %s: %w", iface, node.nsName, err)
	}

	nh, err := netlink.NewHandleAt(node.handle)
	if err != nil {
		return fmt.Errorf("netlink handle for %s: %w", node.nsName, err)
	}
	defer nh.Delete()

	link, err = nh.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("find %s in %s: %w", iface, node.nsName, err)
	}
	if err := nh.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", iface, err)
	}
	if !profile.Shaped() {
		return nil
	}
	if err := nh.QdiscReplace(netemQdisc(link.Attrs().Index, profile)); err != nil {
		return fmt.Errorf("netem on %s: %w", iface, err)
	}
	return nil
}

// netemQdisc translates a link profile into a root netem qdisc.
func netemQdisc(linkIndex int, profile emu.LinkProfile) *netlink.Netem {
	attrs := netlink.QdiscAttrs{
		LinkIndex: linkIndex,
		Handle:    netlink.MakeHandle(1, 0),
		Parent:    netlink.HANDLE_ROOT,
	}
	return netlink.NewNetem(attrs, netemAttrs(profile))
}

func netemAttrs(profile emu.LinkProfile) netlink.NetemQdiscAttrs {
	return netlink.NetemQdiscAttrs{
		Latency: clampMicros(profile.Delay.Microseconds()),
		Jitter:  clampMicros(profile.Jitter.Microseconds()),
		Loss:    float32(profile.Loss),
		Rate64:  uint64(profile.Bandwidth * 1e6 / 8), // Mbit/s -> bytes/s
	}
}

func clampMicros(us int64) uint32 {
	if us <= 0 {
		return 0
	}
	if us > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(us)
}
