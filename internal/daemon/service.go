// Package daemon is the background service behind the IPC socket: it turns a
// console selection into controller updates and publishes what it did.
package daemon

import (
	"context"
	"errors"
	"log/slog"

	"runlights/internal/config"
	"runlights/internal/ipc"
	"runlights/internal/lighting"
)

type Options struct {
	Scope   config.Scope
	Plan    lighting.PlanOptions
	Apply   lighting.ApplyOptions
	Logger  *slog.Logger
	Metrics *Metrics
}

// Service implements ipc.Handler.
type Service struct {
	store   *config.Store
	applier lighting.Applier
	scope   config.Scope
	plan    lighting.PlanOptions
	apply   lighting.ApplyOptions
	logger  *slog.Logger
	metrics *Metrics
}

var _ ipc.Handler = (*Service)(nil)

func New(store *config.Store, applier lighting.Applier, opts Options) *Service {
	s := &Service{
		store:   store,
		applier: applier,
		scope:   opts.Scope,
		plan:    opts.Plan,
		apply:   opts.Apply,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if s.scope == (config.Scope{}) {
		s.scope = config.DefaultScope
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// HandleConsole reloads the configuration, resolves console and pushes the
// resulting batches to every eligible controller. Configuration, resolution
// and planning errors stop before any controller is contacted; a controller
// failure is reported only after every controller has been tried.
func (s *Service) HandleConsole(ctx context.Context, console string) (config.Binding, error) {
	logger := s.logger.With("rid", ipc.RequestID(ctx), "console", console)

	cfg, err := s.store.Load()
	if err != nil {
		s.metrics.configError()
		logger.Warn("daemon.config.load_failed", "error", err)
		return config.Binding{}, err
	}

	binding, ok := lighting.Resolve(cfg, s.scope, console)
	if !ok {
		logger.Info("daemon.console.unbound", "scope", s.scope.String())
		return config.Binding{}, &lighting.ResolutionError{Console: console}
	}
	logger.Info("daemon.console.resolved", "controller", binding.Controller, "segment", binding.Segment)

	batches, err := lighting.Plan(cfg, s.scope, binding, s.plan)
	if err != nil {
		logger.Warn("daemon.plan.failed", "error", err)
		return config.Binding{}, err
	}

	report := lighting.Apply(ctx, s.applier, batches, s.apply)
	s.metrics.observeReport(report)
	if err := report.Err(); err != nil {
		var cerr *lighting.ControllerError
		if errors.As(err, &cerr) {
			logger.Warn("daemon.apply.partial_failure",
				"failed", len(cerr.Failures),
				"controllers", len(batches),
				"detail", cerr.Summary(),
			)
		}
		return config.Binding{}, err
	}
	logger.Debug("daemon.apply.complete", "controllers", len(batches))
	return binding, nil
}
