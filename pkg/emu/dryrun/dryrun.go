// Package dryrun is an in-memory emulation backend. It records every node,
// link and command instead of touching the kernel, and simulates daemons
// launched with --daemon by writing their PID file and control socket.
package dryrun

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/newtron-network/chainlab/pkg/emu"
)

// firstPID is the first synthetic PID handed to a simulated daemon.
const firstPID = 40000

// Command is one recorded Run call.
type Command struct {
	Node string
	Argv []string
}

func (c Command) String() string {
	return c.Node + ": " + strings.Join(c.Argv, " ")
}

// Handler intercepts a command before the default simulation. Returning
// handled=false falls through to the default behaviour.
type Handler func(node string, argv []string) (out []byte, handled bool, err error)

// Option configures a Framework.
type Option func(*Framework)

// WithOutput echoes every recorded action to w.
func WithOutput(w io.Writer) Option {
	return func(f *Framework) { f.out = w }
}

// WithHandler installs a command handler.
func WithHandler(h Handler) Option {
	return func(f *Framework) { f.handler = h }
}

// WithNodeError makes AddNode fail for the named node.
func WithNodeError(name string, err error) Option {
	return func(f *Framework) { f.nodeErrs[name] = err }
}

// WithLinkError makes AddLink fail when either endpoint is on the named node.
func WithLinkError(node string, err error) Option {
	return func(f *Framework) { f.linkErrs[node] = err }
}

// Framework implements emu.Framework and emu.Cleaner in memory.
type Framework struct {
	mu       sync.Mutex
	out      io.Writer
	handler  Handler
	nodeErrs map[string]error
	linkErrs map[string]error

	nodes    map[string]*Node
	order    []string
	links    []*Link
	commands []Command
	cleaned  []string
	nextPID  int
	started  bool
	stops    int
}

// New returns an empty dry-run framework.
func New(opts ...Option) *Framework {
	f := &Framework{
		nodeErrs: make(map[string]error),
		linkErrs: make(map[string]error),
		nodes:    make(map[string]*Node),
		nextPID:  firstPID,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Node is a recorded node.
type Node struct {
	fw     *Framework
	name   string
	kind   emu.NodeKind
	ifaces []string
}

func (n *Node) Name() string         { return n.name }
func (n *Node) Kind() emu.NodeKind   { return n.kind }
func (n *Node) Interfaces() []string { return append([]string(nil), n.ifaces...) }

// Run records argv and simulates its effect.
func (n *Node) Run(ctx context.Context, argv ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.fw.run(n, argv)
}

// Link is a recorded link.
type Link struct {
	a, z    emu.Endpoint
	profile emu.LinkProfile
}

func (l *Link) A() emu.Endpoint           { return l.a }
func (l *Link) Z() emu.Endpoint           { return l.z }
func (l *Link) Profile() emu.LinkProfile { return l.profile }

// AddNode registers a node.
func (f *Framework) AddNode(ctx context.Context, name string, kind emu.NodeKind) (emu.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.nodeErrs[name]; err != nil {
		return nil, err
	}
	if _, ok := f.nodes[name]; ok {
		return nil, fmt.Errorf("dryrun: node %q already exists", name)
	}
	n := &Node{fw: f, name: name, kind: kind}
	f.nodes[name] = n
	f.order = append(f.order, name)
	f.printf("add %s %s\n", kind, name)
	return n, nil
}

// AddLink registers a link between two existing nodes.
func (f *Framework) AddLink(ctx context.Context, a, z emu.Endpoint, profile emu.LinkProfile) (emu.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ep := range []emu.Endpoint{a, z} {
		if err := f.linkErrs[ep.Node]; err != nil {
			return nil, err
		}
		if _, ok := f.nodes[ep.Node]; !ok {
			return nil, fmt.Errorf("dryrun: link %s: node %q not found", ep, ep.Node)
		}
	}
	f.nodes[a.Node].ifaces = append(f.nodes[a.Node].ifaces, a.Interface)
	f.nodes[z.Node].ifaces = append(f.nodes[z.Node].ifaces, z.Interface)

	l := &Link{a: a, z: z, profile: profile}
	f.links = append(f.links, l)
	f.printf("link %s <-> %s\n", a, z)
	return l, nil
}

// Start marks the network as started.
func (f *Framework) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.printf("start (%d nodes, %d links)\n", len(f.nodes), len(f.links))
	return nil
}

// Stop marks the network as stopped. It counts calls so tests can assert
// teardown happened exactly once.
func (f *Framework) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.stops++
	f.printf("stop\n")
	return nil
}

// Cleanup records the nodes it was asked to remove.
func (f *Framework) Cleanup(ctx context.Context, nodes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, nodes...)
	f.printf("cleanup %s\n", strings.Join(nodes, " "))
	return nil
}

// NodeNames returns node names in creation order.
func (f *Framework) NodeNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// Node returns a recorded node by name.
func (f *Framework) Node(name string) (*Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[name]
	return n, ok
}

// Links returns recorded links in creation order.
func (f *Framework) Links() []*Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Link(nil), f.links...)
}

// Commands returns every recorded command.
func (f *Framework) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// CommandsFor returns the recorded commands of one node.
func (f *Framework) CommandsFor(node string) []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Command
	for _, c := range f.commands {
		if c.Node == node {
			out = append(out, c)
		}
	}
	return out
}

// Started reports whether Start was called after the last Stop.
func (f *Framework) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Stops returns how many times Stop was called.
func (f *Framework) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// Cleaned returns the node names passed to Cleanup.
func (f *Framework) Cleaned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleaned...)
}

func (f *Framework) run(n *Node, argv []string) ([]byte, error) {
	f.mu.Lock()
	f.commands = append(f.commands, Command{Node: n.name, Argv: append([]string(nil), argv...)})
	f.printf("%s: %s\n", n.name, strings.Join(argv, " "))
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		out, handled, err := handler(n.name, argv)
		if handled {
			return out, err
		}
	}

	switch {
	case len(argv) == 2 && argv[0] == "ls" && argv[1] == "/proc/sys/net/ipv4/conf":
		return f.listConf(n), nil
	case hasFlag(argv, "--daemon"):
		return nil, f.simulateDaemon(argv)
	}
	return nil, nil
}

// listConf mimics the per-interface sysctl directory of a namespace.
func (f *Framework) listConf(n *Node) []byte {
	f.mu.Lock()
	ifaces := append([]string(nil), n.ifaces...)
	f.mu.Unlock()

	sort.Strings(ifaces)
	entries := append([]string{"all", "default", "lo"}, ifaces...)
	return []byte(strings.Join(entries, "\n") + "\n")
}

// simulateDaemon writes the PID file and creates the control socket the way
// a daemonized routing process would.
func (f *Framework) simulateDaemon(argv []string) error {
	f.mu.Lock()
	pid := f.nextPID
	f.nextPID++
	f.mu.Unlock()

	if sock := flagValue(argv, "--socket"); sock != "" {
		if _, err := os.Stat(sock); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(sock), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(sock, nil, 0600); err != nil {
				return fmt.Errorf("dryrun: create socket: %w", err)
			}
		}
	}
	if pidFile := flagValue(argv, "--pid_file"); pidFile != "" {
		if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
			return fmt.Errorf("dryrun: write pid file: %w", err)
		}
	}
	return nil
}

func (f *Framework) printf(format string, args ...interface{}) {
	if f.out != nil {
		fmt.Fprintf(f.out, format, args...)
	}
}

func hasFlag(argv []string, flag string) bool {
	for _, a := range argv {
		if a == flag {
			return true
		}
	}
	return false
}

func flagValue(argv []string, flag string) string {
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] == flag {
			return argv[i+1]
		}
	}
	return ""
}
