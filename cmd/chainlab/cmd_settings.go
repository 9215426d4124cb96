package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/chainlab/pkg/cli"
	"github.com/newtron-network/chainlab/pkg/settings"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage persistent settings",
		Long: `Manage persistent settings stored in ~/.chainlab/settings.json.

Settings provide defaults for flags:
  - config_path: Lab definition used when -c is not specified
  - base_dir:    Overrides the lab definition's base_dir
  - default_lab: Lab used by down when no name is given

Examples:
  chainlab settings show
  chainlab settings set config /etc/chainlab/lab.yaml
  chainlab settings clear`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show current settings",
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := settings.Load()
				if err != nil {
					return fmt.Errorf("loading settings: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Settings file: %s\n\n", settings.DefaultSettingsPath())

				t := cli.NewTableTo(out, "SETTING", "VALUE")
				for _, name := range settings.Names() {
					value, _ := s.Get(name)
					if value == "" {
						value = "(not set)"
					}
					t.Row(name, value)
				}
				t.Flush()
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <setting> <value>",
			Short: "Set a setting value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := settings.Load()
				if err != nil {
					s = &settings.Settings{}
				}
				if err := s.Set(args[0], args[1]); err != nil {
					return err
				}
				if err := s.Save(); err != nil {
					return fmt.Errorf("saving settings: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s set to: %s\n", args[0], args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <setting>",
			Short: "Get a setting value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := settings.Load()
				if err != nil {
					return fmt.Errorf("loading settings: %w", err)
				}
				value, err := s.Get(args[0])
				if err != nil {
					return err
				}
				if value == "" {
					value = "(not set)"
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Clear all settings",
			RunE: func(cmd *cobra.Command, args []string) error {
				s := &settings.Settings{}
				if err := s.Save(); err != nil {
					return fmt.Errorf("saving settings: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All settings cleared.")
				return nil
			},
		},
	)
	return cmd
}
