package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"runlights/internal/config"
	"runlights/internal/daemon"
	"runlights/internal/ipc"
	"runlights/internal/lighting"
	"runlights/internal/wled"
)

// newLogger builds the process logger. It writes to path when set, otherwise
// to stderr. The returned close func releases the log file.
func newLogger(s settings, stderr io.Writer) (*slog.Logger, func() error, error) {
	level, err := parseLevel(s.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if s.Verbose {
		level = slog.LevelDebug
	}
	w := stderr
	closeFn := func() error { return nil }
	if s.LogPath != "" {
		f, err := os.OpenFile(s.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = f.Close
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return logger.With("app", "runlights"), closeFn, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	v := strings.TrimSpace(s)
	if v == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", s)
	}
	return level, nil
}

// runDaemon serves the IPC socket until ctx is cancelled. Failing to create
// the socket is fatal.
func runDaemon(ctx context.Context, s settings, stderr io.Writer) error {
	logger, closeLog, err := newLogger(s, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info("daemon.lifecycle.start",
		"version", version,
		"pid", os.Getpid(),
		"socket", s.Socket,
		"config", s.Config,
	)

	store := config.NewStore(s.Config,
		config.WithCache(s.CacheConfig),
		config.WithLogger(logger.With("subsystem", "config.store")),
	)
	// A bad file at startup is logged; each request reports it again.
	if cfg, err := store.Load(); err != nil {
		logger.Warn("daemon.config.invalid", "error", err)
	} else {
		logger.Info("daemon.config.loaded", "controllers", len(cfg.Controllers), "applications", len(cfg.Applications))
	}
	if store.Caching() {
		go func() {
			if err := store.Watch(ctx); err != nil {
				logger.Warn("daemon.config.watch_failed", "error", err)
			}
		}()
	}

	controllers := wled.NewClient(
		wled.WithTimeout(s.ControllerTimeout),
		wled.WithRetries(s.ControllerRetries),
		wled.WithLogger(logger.With("subsystem", "wled")),
	)
	metrics := daemon.NewMetrics()
	feed := daemon.NewFeed(daemon.DefaultFeedHistory, logger.With("subsystem", "daemon.feed"))
	svc := daemon.New(store, lighting.WLED{Client: controllers}, daemon.Options{
		Plan:    lighting.PlanOptions{DefaultTransition: s.transition()},
		Apply:   lighting.ApplyOptions{Parallelism: s.Parallel},
		Logger:  logger.With("subsystem", "daemon"),
		Metrics: metrics,
	})

	srv := ipc.NewServer(s.Socket, svc,
		ipc.WithPoolSize(s.PoolSize),
		ipc.WithServerLogger(logger.With("subsystem", "ipc.server")),
		ipc.WithObserver(metrics.ObserveExchange),
		ipc.WithObserver(feed.Publish),
	)
	defer logger.Info("daemon.lifecycle.stopped")

	// Stops the debug listener when Serve fails to claim the socket.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.httpDisabled() {
		mux := daemon.NewDebugMux(feed, metrics)
		if _, err := daemon.StartDebugServer(ctx, s.HTTPListen, mux, logger.With("subsystem", "daemon.debug")); err != nil {
			// The debug listener is optional; the socket keeps serving.
			logger.Warn("daemon.debug.disabled", "error", err)
		}
	}

	if err := srv.Serve(ctx); err != nil {
		logger.Error("daemon.lifecycle.serve_failed", "error", err)
		return err
	}
	return nil
}
