package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"computer-quest/internal/client"
	"computer-quest/internal/eventloop"
	"computer-quest/internal/gamemap"
	"computer-quest/internal/logging"
	"computer-quest/internal/terminal"
	"computer-quest/internal/transport"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newPlayCmd() *cobra.Command {
	var flags clientFlags
	var autostart bool
	var logFile string

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Connect to the server and play in this terminal",
		Long:  "play runs the game in this terminal. Press Ctrl-] then s to start a game, m to toggle the map, q to quit. Ctrl-] twice sends a literal Ctrl-].",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("autostart") {
				cfg.AutoStart = autostart
			}
			if cmd.Flags().Changed("log-file") {
				cfg.LogFile = logFile
			}

			logger, err := logging.New(logging.Config{
				Level:       cfg.LogLevel,
				OutputPaths: []string{cfg.LogFile},
			})
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			topo, err := gamemap.LoadTopology(cfg.TopologyFile)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGHUP)
			defer cancel()

			loop := eventloop.New(0)
			conn := transport.NewClient(cfg.URL, loop.Post, transport.Options{
				ReconnectMin: cfg.ReconnectMin,
				ReconnectMax: cfg.ReconnectMax,
				Logger:       logger,
			})
			console := terminal.NewConsole(os.Stdin, os.Stdout, loop.Post)
			view := client.NewView(conn, client.Options{
				Topology:     topo,
				StartTimeout: cfg.StartTimeout,
				Scheduler:    loop,
				MapURL:       cfg.MapURL,
				PollInterval: cfg.PollInterval,
				Post:         loop.Post,
				AutoStart:    cfg.AutoStart,
				Quit:         cancel,
				Logger:       logger,
			})

			if err := console.MakeRaw(); err != nil {
				return fmt.Errorf("failed to enter raw mode: %w", err)
			}
			defer console.Restore()

			logger.Info("client starting",
				zap.String("url", cfg.URL),
				zap.String("map_url", cfg.MapURL),
				zap.Bool("autostart", cfg.AutoStart))

			loop.Post(func() {
				if err := view.Open(console); err != nil {
					logger.Error("open view", zap.Error(err))
					cancel()
				}
			})

			winch := make(chan os.Signal, 1)
			signal.Notify(winch, syscall.SIGWINCH)
			defer signal.Stop(winch)
			go func() {
				for {
					select {
					case <-winch:
						loop.Post(func() { view.Resize() })
					case <-loop.Done():
						return
					}
				}
			}()

			// The read blocks until input arrives; it is not waited for.
			go func() {
				if err := console.ReadLoop(); err != nil {
					logger.Warn("console read", zap.Error(err))
				}
				cancel()
			}()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := loop.Run(gctx)
				if errors.Is(err, context.Canceled) || errors.Is(err, eventloop.ErrStopped) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				if err := conn.Connect(gctx); err != nil {
					return err
				}
				<-gctx.Done()
				conn.Disconnect()
				return nil
			})
			err = g.Wait()

			// The loop has stopped, so the view can be torn down here.
			view.Close()
			logger.Info("client stopped")
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&autostart, "autostart", false, "start a game on every connect (env QUEST_AUTOSTART)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log file path (env QUEST_LOG_FILE)")
	return cmd
}
