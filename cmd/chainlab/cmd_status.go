package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/chainlab/pkg/cli"
	"github.com/newtron-network/chainlab/pkg/state"
	"github.com/newtron-network/chainlab/pkg/supervisor"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status [lab]",
		Short: "Show saved labs and daemon liveness",
		Long: `Show saved labs.

Without arguments, lists every saved lab. With a lab name, shows each
daemon with its PID checked against the live process table.

  chainlab status
  chainlab status mylab
  chainlab status mylab --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lenientConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				return showAllLabs(cmd, store, out, jsonOutput)
			}

			st, err := store.Load(ctx, args[0])
			if err != nil {
				return err
			}
			if err := refreshDaemons(st); err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			showLabDetail(out, st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	return cmd
}

func showAllLabs(cmd *cobra.Command, store state.Store, out io.Writer, jsonOutput bool) error {
	ctx := cmd.Context()
	names, err := store.List(ctx)
	if err != nil {
		return err
	}

	var labs []*state.LabState
	for _, name := range names {
		st, err := store.Load(ctx, name)
		if err != nil {
			continue
		}
		labs = append(labs, st)
	}

	if jsonOutput {
		if labs == nil {
			labs = []*state.LabState{}
		}
		return json.NewEncoder(out).Encode(labs)
	}
	if len(labs) == 0 {
		fmt.Fprintln(out, "no saved labs")
		return nil
	}

	t := cli.NewTableTo(out, "LAB", "PHASE", "BACKEND", "ROUTERS", "CREATED")
	for _, st := range labs {
		t.Row(st.Name, cli.Status(st.Phase), st.Backend, strconv.Itoa(len(st.Routers)),
			st.Created.Format("2006-01-02 15:04:05"))
	}
	t.Flush()
	return nil
}

// refreshDaemons replaces the saved PID and status of every daemon with
// what its PID file and the process table say now.
func refreshDaemons(st *state.LabState) error {
	_, sig := newBackend(st.Backend, st.NamespacePrefix, io.Discard)
	sup, err := savedSupervisor(st, sig)
	if err != nil {
		return err
	}
	for _, d := range st.Daemons {
		pid, err := supervisor.ReadPIDFile(d.PIDFile)
		switch {
		case err != nil:
			d.PID = 0
			d.Status = supervisor.Absent.String()
		case sup.Alive(pid):
			d.PID = pid
			d.Status = supervisor.Running.String()
		default:
			d.PID = pid
			d.Status = "dead"
		}
	}
	return nil
}

func showLabDetail(out io.Writer, st *state.LabState) {
	fmt.Fprintf(out, "Lab: %s (phase: %s)\n", cli.Bold(st.Name), cli.Status(st.Phase))
	fmt.Fprintf(out, "ID: %s\n", st.ID)
	fmt.Fprintf(out, "Backend: %s\n", st.Backend)
	fmt.Fprintf(out, "Base dir: %s\n", st.BaseDir)
	fmt.Fprintf(out, "Hosts: %s\n\n", strings.Join(st.Hosts, ", "))

	t := cli.NewTableTo(out, "ROUTER", "DAEMON", "PID", "STATUS")
	for _, d := range st.Daemons {
		pid := "-"
		if d.PID > 0 {
			pid = strconv.Itoa(d.PID)
		}
		t.Row(d.Router, d.Role, pid, cli.Status(d.Status))
	}
	t.Flush()
}
