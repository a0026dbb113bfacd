package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"syscall"
	"time"
)

const DefaultClientTimeout = 3 * time.Second

var (
	// ErrNotReady means nothing is listening on the socket.
	ErrNotReady = errors.New("runlights service is not running")
	// ErrMalformedResponse means the service answered with something that is
	// not a response.
	ErrMalformedResponse = errors.New("malformed response from runlights service")
)

// ServerError carries the error string the service returned.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Client sends single requests to the service.
type Client struct {
	path    string
	timeout time.Duration
}

type ClientOption func(*Client)

// WithClientTimeout bounds connect, send and receive together.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewClient(path string, opts ...ClientOption) *Client {
	c := &Client{path: path, timeout: DefaultClientTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Console asks the service to light up console. A *ServerError is returned
// when the service reports a failure.
func (c *Client) Console(ctx context.Context, console string) (*Response, error) {
	resp, err := c.Do(ctx, Request{Type: TypeConsole, Name: console})
	if err != nil {
		return nil, err
	}
	if resp.Status == StatusError {
		return resp, &ServerError{Message: resp.Error}
	}
	return resp, nil
}

// Do sends req and returns the decoded response without interpreting its
// status beyond validating it.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		if notListening(err) {
			return nil, fmt.Errorf("%w (%s)", ErrNotReady, c.path)
		}
		return nil, fmt.Errorf("connect to %s: %w", c.path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteMessage(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	line, err := ReadMessage(bufio.NewReader(conn), MaxMessageSize)
	if err != nil {
		if errors.Is(err, ErrIncomplete) || errors.Is(err, ErrMessageTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	switch resp.Status {
	case StatusOK:
		if resp.Binding == nil || resp.Console == "" {
			return nil, fmt.Errorf("%w: ok status without binding", ErrMalformedResponse)
		}
	case StatusError:
		if resp.Error == "" {
			return nil, fmt.Errorf("%w: error status without message", ErrMalformedResponse)
		}
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedResponse, resp.Status)
	}
	return &resp, nil
}

func notListening(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
