package main

import (
	"github.com/spf13/cobra"

	"github.com/hupe1980/actionmesh/config"
)

// NewRootCmd creates the root command for the actionmesh CLI.
func NewRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "actionmesh",
		Short: "actionmesh - an event-driven action runtime",
		Long: `actionmesh routes client events to chains of actions, gates sensitive
actions behind human approval and streams the results as server-sent events.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")
	config.RegisterFlags(cmd.PersistentFlags())

	load := func(cmd *cobra.Command) (*config.Config, error) {
		return config.Load(cmd.Flags(), configFile)
	}

	cmd.AddCommand(NewServeCmd(load))
	cmd.AddCommand(NewTokenCmd(load))
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// loadFunc reads the configuration for a subcommand from its merged flags
// and the --config file.
type loadFunc func(cmd *cobra.Command) (*config.Config, error)
