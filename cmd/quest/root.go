package main

import (
	"computer-quest/internal/config"

	"github.com/spf13/cobra"
)

// Execute runs the quest command tree.
func Execute() error {
	return newRootCmd().Execute()
}

// clientFlags are the settings every subcommand can override.
type clientFlags struct {
	url      string
	mapURL   string
	topology string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "game server websocket URL (env QUEST_URL)")
	cmd.Flags().StringVar(&f.mapURL, "map-url", "", "map snapshot URL (env QUEST_MAP_URL)")
	cmd.Flags().StringVar(&f.topology, "topology", "", "YAML topology file (env QUEST_TOPOLOGY)")
}

// load reads the environment, applies the flags that were set, then
// resolves derived values.
func (f *clientFlags) load(cmd *cobra.Command) (*config.Client, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("url") {
		cfg.URL = f.url
		if !cmd.Flags().Changed("map-url") {
			cfg.MapURL = ""
		}
	}
	if cmd.Flags().Changed("map-url") {
		cfg.MapURL = f.mapURL
	}
	if cmd.Flags().Changed("topology") {
		cfg.TopologyFile = f.topology
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "quest",
		Short:        "Play the computer architecture text adventure",
		Long:         "quest connects to a game server, runs the game in your terminal and keeps the architecture map in sync with your position.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newPlayCmd(),
		newMapCmd(),
	)
	return rootCmd
}
