package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"computer-quest/internal/config"
	"computer-quest/internal/game"
	"computer-quest/internal/logging"
	"computer-quest/internal/metrics"
	"computer-quest/internal/protocol"
	"computer-quest/internal/realtime"
	"computer-quest/internal/watcher"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDev})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	m := metrics.New()
	games := game.NewManager(game.Options{
		Command:         cfg.GameArgv(),
		Dir:             cfg.GameDir,
		MaxGames:        cfg.MaxGames,
		GracefulTimeout: cfg.GracePeriod,
		Logger:          logger,
	})

	// The watcher is the server's map source and the server is the
	// watcher's subscriber. Nothing is reported before Start.
	var rtServer *realtime.Server
	var mapWatch *watcher.Watcher
	opts := realtime.Options{
		Games:      games,
		Metrics:    m,
		StaticDir:  cfg.StaticDir,
		InputRate:  cfg.InputRate,
		InputBurst: cfg.InputBurst,
		Logger:     logger,
	}
	if cfg.MapStateFile != "" {
		mapWatch = watcher.New(cfg.MapStateFile, func(u *protocol.MapUpdatePayload, raw json.RawMessage) {
			rtServer.OnMapUpdate(u, raw)
		}, watcher.Options{Logger: logger})
		opts.Map = mapWatch
	}
	rtServer = realtime.New(opts)

	if mapWatch != nil {
		if err := mapWatch.Start(); err != nil {
			return fmt.Errorf("failed to watch map state: %w", err)
		}
		defer mapWatch.Close()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("game server listening",
			zap.String("addr", cfg.Addr()),
			zap.Strings("command", cfg.GameArgv()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	rtServer.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	games.Shutdown(shutdownCtx)
	return nil
}
