package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/newtron-network/chainlab/pkg/emu"
	"github.com/newtron-network/chainlab/pkg/topology"
)

const confDir = "/proc/sys/net/ipv4/conf"

// configure addresses every interface, turns routers into forwarders and
// points each host at its gateway.
func (s *Session) configure(ctx context.Context) error {
	for _, r := range s.topo.Routers {
		if err := configureRouter(ctx, r); err != nil {
			return err
		}
	}
	for _, h := range s.topo.AllHosts() {
		if err := configureHost(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func configureRouter(ctx context.Context, r *topology.Router) error {
	for _, iface := range r.Interfaces() {
		if err := addressInterface(ctx, r.Node, iface); err != nil {
			return err
		}
	}
	if _, err := run(ctx, r.Node, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return err
	}

	// Asymmetric paths through the chain would otherwise be dropped.
	out, err := run(ctx, r.Node, "ls", confDir)
	if err != nil {
		return err
	}
	for _, name := range strings.Fields(string(out)) {
		if name == "lo" {
			continue
		}
		if _, err := run(ctx, r.Node, "sysctl", "-w", "net.ipv4.conf."+name+".rp_filter=0"); err != nil {
			return err
		}
	}
	return nil
}

func configureHost(ctx context.Context, h *topology.Host) error {
	if err := addressInterface(ctx, h.Node, h.Iface); err != nil {
		return err
	}
	_, err := run(ctx, h.Node, "ip", "route", "add", "default", "via", h.Gateway.String())
	return err
}

func addressInterface(ctx context.Context, n emu.Node, iface *topology.Interface) error {
	if _, err := run(ctx, n, "ip", "addr", "add", iface.Prefix.String(), "dev", iface.Name); err != nil {
		return err
	}
	_, err := run(ctx, n, "ip", "link", "set", iface.Name, "up")
	return err
}

func run(ctx context.Context, n emu.Node, argv ...string) ([]byte, error) {
	out, err := n.Run(ctx, argv...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return out, fmt.Errorf("%s: %s: %w (%s)", n.Name(), strings.Join(argv, " "), err, msg)
		}
		return out, fmt.Errorf("%s: %s: %w", n.Name(), strings.Join(argv, " "), err)
	}
	return out, nil
}
