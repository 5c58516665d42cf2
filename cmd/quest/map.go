package main

import (
	"errors"
	"fmt"

	"computer-quest/internal/gamemap"

	"github.com/spf13/cobra"
)

func newMapCmd() *cobra.Command {
	var flags clientFlags
	var format string

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Print the server's current map once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "text" && format != "dot" {
				return fmt.Errorf("unknown format %q (want text or dot)", format)
			}
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			topo, err := gamemap.LoadTopology(cfg.TopologyFile)
			if err != nil {
				return err
			}

			s := gamemap.NewSynchronizer(topo, nil, nil)
			body, err := gamemap.Fetch(cmd.Context(), gamemap.NewHTTPClient(nil), cfg.MapURL)
			switch {
			case errors.Is(err, gamemap.ErrNoSnapshot):
				// No game has reported a position yet; show the starting map.
			case err != nil:
				return err
			default:
				if err := s.Apply(body); err != nil {
					return err
				}
			}

			out := gamemap.RenderText(s.Nodes(), s.Edges())
			if format == "dot" {
				out = gamemap.RenderDOT(s.Nodes(), s.Edges())
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	return cmd
}
