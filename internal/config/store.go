package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store hands out the configuration for each request.
//
// By default every Load parses the file again, so an edit is picked up by the
// next request without a restart. With caching enabled the parsed Config is
// reused until the file's modification time or size changes, or Watch
// observes an event for it.
type Store struct {
	path   string
	cache  bool
	logger *slog.Logger

	mu     sync.Mutex
	cached *Config
	stamp  fileStamp
	stale  atomic.Bool
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

func (f fileStamp) equal(o fileStamp) bool {
	return f.size == o.size && f.modTime.Equal(o.modTime)
}

type StoreOption func(*Store)

// WithCache enables reuse of the parsed configuration between requests.
func WithCache(enabled bool) StoreOption {
	return func(s *Store) { s.cache = enabled }
}

func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{
		path:   path,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Caching reports whether parsed configurations are reused.
func (s *Store) Caching() bool {
	return s.cache
}

// Load returns the current configuration.
func (s *Store) Load() (*Config, error) {
	if !s.cache {
		return Load(s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := os.Stat(s.path)
	if err != nil {
		s.cached = nil
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Path: s.path, Msg: "config file not found: " + s.path}
		}
		return nil, &Error{Path: s.path, Msg: "failed to read config", Err: err}
	}
	stamp := fileStamp{modTime: fi.ModTime(), size: fi.Size()}
	if s.cached != nil && !s.stale.Load() && stamp.equal(s.stamp) {
		return s.cached, nil
	}

	// Cleared before parsing so an event that races the read marks the
	// result stale again.
	s.stale.Store(false)
	cfg, err := Load(s.path)
	if err != nil {
		s.cached = nil
		return nil, err
	}
	s.cached = cfg
	s.stamp = stamp
	s.logger.Debug("config.store.reloaded", "path", s.path, "controllers", len(cfg.Controllers))
	return cfg, nil
}

// Invalidate forces the next Load to parse the file.
func (s *Store) Invalidate() {
	s.stale.Store(true)
}

// Watch invalidates the cache whenever the file changes on disk. The parent
// directory is watched because editors usually replace files by rename. Watch
// blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	s.logger.Info("config.store.watching", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op == fsnotify.Chmod {
				continue
			}
			s.Invalidate()
			s.logger.Debug("config.store.invalidated", "path", abs, "op", ev.Op.String())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			// Missed events could leave the cache stale.
			s.Invalidate()
			s.logger.Warn("config.store.watch_error", "error", err)
		}
	}
}
