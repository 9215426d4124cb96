// Package emu defines the emulation framework chainlab drives.
//
// A framework supplies virtual nodes, point-to-point links between named
// node interfaces, and per-node command execution. chainlab never creates
// namespaces or veth pairs itself; a backend does (see emu/netns and
// emu/dryrun).
package emu

import (
	"context"
	"time"
)

// NodeKind distinguishes routers from end hosts.
type NodeKind int

const (
	KindHost NodeKind = iota
	KindRouter
)

func (k NodeKind) String() string {
	if k == KindRouter {
		return "router"
	}
	return "host"
}

// Endpoint identifies one side of a link.
type Endpoint struct {
	Node      string // node name
	Interface string // interface name inside the node (e.g. "r1-eth1")
}

func (e Endpoint) String() string {
	return e.Node + ":" + e.Interface
}

// LinkProfile carries link shaping parameters. Zero values mean unshaped.
type LinkProfile struct {
	Bandwidth float64       // Mbit/s
	Delay     time.Duration // one-way
	Jitter    time.Duration
	Loss      float64 // percent
}

// Shaped reports whether any shaping parameter is set.
func (p LinkProfile) Shaped() bool {
	return p.Bandwidth > 0 || p.Delay > 0 || p.Jitter > 0 || p.Loss > 0
}

// Node is a virtual host or router.
type Node interface {
	Name() string
	Kind() NodeKind
	// Run executes argv inside the node and returns combined output.
	// Arguments are passed as a vector and are never shell-interpreted.
	Run(ctx context.Context, argv ...string) ([]byte, error)
}

// Link is a registered point-to-point link.
type Link interface {
	A() Endpoint
	Z() Endpoint
	Profile() LinkProfile
}

// Framework creates nodes and links and brings the network up and down.
type Framework interface {
	AddNode(ctx context.Context, name string, kind NodeKind) (Node, error)
	AddLink(ctx context.Context, a, z Endpoint, profile LinkProfile) (Link, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Cleaner is implemented by frameworks that can remove the nodes of a
// deployment whose controlling process has exited.
type Cleaner interface {
	Cleanup(ctx context.Context, nodes []string) error
}
