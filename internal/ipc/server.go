package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"

	"runlights/internal/config"
)

const (
	DefaultPoolSize     = 4
	DefaultReadTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// ErrAlreadyRunning is returned by Listen when another service answers on
// the socket.
var ErrAlreadyRunning = errors.New("another instance is listening")

// Handler resolves and applies a console selection.
type Handler interface {
	HandleConsole(ctx context.Context, name string) (config.Binding, error)
}

type HandlerFunc func(ctx context.Context, name string) (config.Binding, error)

func (f HandlerFunc) HandleConsole(ctx context.Context, name string) (config.Binding, error) {
	return f(ctx, name)
}

// Exchange is one completed request/response pair.
type Exchange struct {
	ID       string
	Request  string
	Response Response
	Started  time.Time
	Duration time.Duration
}

// Server accepts connections on a Unix socket and answers one request per
// connection.
type Server struct {
	path         string
	handler      Handler
	logger       *slog.Logger
	poolSize     int
	readTimeout  time.Duration
	writeTimeout time.Duration
	observers    []func(Exchange)
}

type ServerOption func(*Server)

// WithPoolSize sets how many connections are served at once. Further
// callers wait until a slot frees.
func WithPoolSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

// WithReadTimeout bounds how long a connected peer may take to send its
// request.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.readTimeout = d }
}

func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers fn to receive every answered exchange.
func WithObserver(fn func(Exchange)) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

func NewServer(path string, h Handler, opts ...ServerOption) *Server {
	s := &Server{
		path:         path,
		handler:      h,
		logger:       slog.New(slog.DiscardHandler),
		poolSize:     DefaultPoolSize,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen creates the socket. A leftover socket file from a dead process is
// removed; a live one is reported as ErrAlreadyRunning.
func (s *Server) Listen() (net.Listener, error) {
	if c, err := net.DialTimeout("unix", s.path, 200*time.Millisecond); err == nil {
		c.Close()
		return nil, fmt.Errorf("%w on %s", ErrAlreadyRunning, s.path)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.path, err)
	}
	// owner+group read/write
	if err := os.Chmod(s.path, 0o660); err != nil {
		s.logger.Warn("ipc.socket.chmod_failed", "path", s.path, "error", err)
	}
	return ln, nil
}

// Serve listens on the socket and serves until ctx is cancelled. The socket
// file is removed when Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	defer ln.Close()
	return s.ServeListener(ctx, ln)
}

// ServeListener runs the accept loop on ln. Cancellation is checked once per
// accept cycle; requests already being handled run to completion before
// ServeListener returns.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	sem := semaphore.NewWeighted(int64(s.poolSize))
	s.logger.Info("ipc.server.listening", "addr", ln.Addr().String(), "pool", s.poolSize)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			s.logger.Info("ipc.server.stop_requested")
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				s.logger.Info("ipc.server.stop_requested")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("ipc listener closed: %w", err)
			}
			s.logger.Warn("ipc.server.accept_error", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			// In-flight requests are not interrupted by shutdown.
			s.serveConn(context.WithoutCancel(ctx), conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	id := xid.New().String()
	logger := s.logger.With("rid", id)
	started := time.Now()

	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(started.Add(s.readTimeout))
	}
	line, err := ReadMessage(bufio.NewReader(conn), MaxMessageSize)
	if err != nil {
		logger.Debug("ipc.request.discarded", "error", err)
		return
	}

	resp := s.Handle(WithRequestID(ctx, id), line)

	if s.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := WriteMessage(bufio.NewWriter(conn), resp); err != nil {
		logger.Warn("ipc.response.write_failed", "error", err)
	}

	ex := Exchange{
		ID:       id,
		Request:  string(line),
		Response: resp,
		Started:  started,
		Duration: time.Since(started),
	}
	if resp.Status == StatusOK {
		logger.Info("ipc.request.ok", "console", resp.Console, "controller", resp.Binding.Controller, "segment", resp.Binding.Segment, "duration", ex.Duration)
	} else {
		logger.Info("ipc.request.error", "error", resp.Error, "duration", ex.Duration)
	}
	for _, fn := range s.observers {
		fn(ex)
	}
}

// Handle dispatches one request line and returns the response to send.
func (s *Server) Handle(ctx context.Context, line []byte) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ipc.handler.panic", "panic", r, "rid", RequestID(ctx))
			resp = errorResponse("internal_error")
		}
	}()

	req, err := ParseRequest(line)
	if err != nil {
		return errorResponse(err.Error())
	}
	binding, err := s.handler.HandleConsole(ctx, req.Name)
	if err != nil {
		return errorResponse(err.Error())
	}
	return Response{Status: StatusOK, Binding: &binding, Console: req.Name}
}
