package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/chainlab/pkg/cli"
	"github.com/newtron-network/chainlab/pkg/topology"
)

func newPlanCmd() *cobra.Command {
	var (
		output  string
		routers int
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the topology and addresses",
		Long: `Print the nodes, links and addresses a lab would get, without
creating anything.

  chainlab plan
  chainlab plan -n 3
  chainlab plan -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lenientConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("routers") {
				cfg.Routers = routers
			}
			topo, err := topology.Plan(cfg.Routers, cfg.LinkProfile())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch output {
			case "yaml":
				data, err := topo.YAML()
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			case "table":
			default:
				return fmt.Errorf("unknown output format %q (want yaml or table)", output)
			}

			doc := topo.Export()
			t := cli.NewTableTo(out, "NODE", "INTERFACE", "ADDRESS", "GATEWAY")
			for _, r := range doc.Routers {
				for _, iface := range r.Interfaces {
					t.Row(r.Name, iface.Name, iface.Address, "-")
				}
			}
			for _, h := range doc.Hosts {
				t.Row(h.Name, topology.InterfaceName(h.Name, 0), h.Address, h.Gateway)
			}
			t.Flush()

			fmt.Fprintln(out)
			lt := cli.NewTableTo(out, "KIND", "A", "Z", "SUBNET")
			for _, l := range doc.Links {
				lt.Row(string(l.Kind), l.A, l.Z, l.Subnet)
			}
			lt.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or yaml")
	cmd.Flags().IntVarP(&routers, "routers", "n", 0, "number of routers (overrides the lab definition)")
	return cmd
}
