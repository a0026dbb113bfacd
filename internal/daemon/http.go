package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const shutdownGrace = 2 * time.Second

// NewDebugMux exposes the debug feed on /ws and metrics on /metrics.
func NewDebugMux(feed *Feed, metrics *Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	if feed != nil {
		mux.Handle("/ws", feed)
	}
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// StartDebugServer listens on addr and serves h until ctx is cancelled.
func StartDebugServer(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) (net.Addr, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("debug listen: %w", err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("daemon.debug.serve_error", "error", err)
		}
	}()
	context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		// Websocket viewers are hijacked connections; Close ends them.
		if err := srv.Shutdown(sctx); err != nil {
			srv.Close()
		}
	})
	logger.Info("daemon.debug.listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}
