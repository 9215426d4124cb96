// chainlab: chain-of-routers lab on network namespaces
//
// chainlab builds a linear chain of emulated routers r1..rN with an origin
// host h0 in front of r1 and a host hi behind every router, addresses every
// interface deterministically and runs a routing daemon set (zebra plus bgpd
// or ripd) inside each router.
//
// Usage:
//
//	chainlab up [-c <config>]          Run a lab until interrupted
//	chainlab down [lab]                Stop a lab left behind by up
//	chainlab status [lab]              Show saved labs and daemon liveness
//	chainlab plan                      Print the topology and addresses
//	chainlab config init [path]        Write a default lab definition
//	chainlab settings show|set|get     Manage persistent settings
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/chainlab/pkg/config"
	"github.com/newtron-network/chainlab/pkg/settings"
	"github.com/newtron-network/chainlab/pkg/util"
	"github.com/newtron-network/chainlab/pkg/version"
)

var (
	configPath string
	verbose    bool
	jsonLogs   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "chainlab",
	Short:             "Chain-of-routers network lab",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `chainlab emulates a chain of routers r1..rN on network namespaces.

h0 sits in front of r1 and every router ri has a downstream host hi.
Addresses are derived from position in the chain and every router runs
a routing daemon set supervised through PID files.

  chainlab up -c lab.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if jsonLogs {
			util.SetJSONFormat()
		}
		if verbose {
			return util.SetLogLevel("debug")
		}
		return util.SetLogLevel("warn")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "lab definition file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "log-json", false, "log as JSON")

	rootCmd.AddCommand(
		newUpCmd(),
		newDownCmd(),
		newStatusCmd(),
		newPlanCmd(),
		newConfigCmd(),
		newSettingsCmd(),
		newVersionCmd(),
	)
}

// resolveConfigPath resolves the lab definition from: -c flag > CHAINLAB_CONFIG env > settings.
// An empty result means none was given.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if v := os.Getenv("CHAINLAB_CONFIG"); v != "" {
		return v
	}
	if s, err := settings.Load(); err == nil && s.ConfigPath != "" {
		return s.ConfigPath
	}
	return ""
}

// requireConfig loads the lab definition, failing when none is configured.
func requireConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if path == "" {
		return nil, fmt.Errorf("lab definition required: use -c <file>, set CHAINLAB_CONFIG, or run 'chainlab settings set config <file>'")
	}
	return loadConfig(path)
}

// lenientConfig loads the configured lab definition, falling back to the
// built-in defaults and environment overrides.
func lenientConfig() (*config.Config, error) {
	return loadConfig(resolveConfigPath())
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if s, err := settings.Load(); err == nil && s.BaseDir != "" {
		cfg.BaseDir = s.BaseDir
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if version.Version == "dev" {
				fmt.Fprintln(cmd.OutOrStdout(), "chainlab dev build (no version stamped at link time)")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "chainlab %s\n", version.Info())
			}
		},
	}
}
