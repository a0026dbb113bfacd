// Package wled talks to WLED controllers through their JSON state API.
package wled

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultTimeout = 2 * time.Second
	statePath      = "/json/state"
)

// RGB is a color triple.
type RGB [3]uint8

func (c RGB) String() string {
	return fmt.Sprintf("#%02X%02X%02X", c[0], c[1], c[2])
}

// ParseColor parses "#RRGGBB", "#RGB" or the same without the leading hash.
func ParseColor(s string) (RGB, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(hex) {
	case 3:
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	case 6:
	default:
		return RGB{}, fmt.Errorf("invalid hex color %q", s)
	}
	var c RGB
	for i := range c {
		v, err := strconv.ParseUint(hex[i*2:i*2+2], 16, 8)
		if err != nil {
			return RGB{}, fmt.Errorf("invalid hex color %q", s)
		}
		c[i] = uint8(v)
	}
	return c, nil
}

// ClampBrightness limits b to the 0-255 range WLED accepts.
func ClampBrightness(b int) int {
	return max(0, min(255, b))
}

// Target addresses one controller.
type Target struct {
	Host string
	Port int
}

func (t Target) url() string {
	port := t.Port
	if port == 0 {
		port = 80
	}
	return "http://" + net.JoinHostPort(t.Host, strconv.Itoa(port)) + statePath
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// SegmentState is the desired state of one segment.
type SegmentState struct {
	ID         int
	On         bool
	Brightness int
	Color      RGB
}

// State is the body of a POST to /json/state. Nil fields are left out so the
// controller keeps its current value.
type State struct {
	On         *bool     `json:"on,omitempty"`
	Brightness *int      `json:"bri,omitempty"`
	Transition *int      `json:"tt,omitempty"`
	Segments   []Segment `json:"seg,omitempty"`
}

type Segment struct {
	ID         int        `json:"id"`
	On         *bool      `json:"on,omitempty"`
	Brightness *int       `json:"bri,omitempty"`
	Colors     [][3]uint8 `json:"col,omitempty"`
}

// colors builds WLED's three-slot color list with the primary set and the
// secondary and tertiary slots black.
func colors(c RGB) [][3]uint8 {
	return [][3]uint8{c, {0, 0, 0}, {0, 0, 0}}
}

// SegmentsState builds one state body updating every segment in segs.
func SegmentsState(segs []SegmentState, transitionMS *int) State {
	st := State{Transition: transitionMS}
	for _, s := range segs {
		on := s.On
		bri := ClampBrightness(s.Brightness)
		st.Segments = append(st.Segments, Segment{
			ID:         s.ID,
			On:         &on,
			Brightness: &bri,
			Colors:     colors(s.Color),
		})
	}
	return st
}

// StripState builds a whole-strip update. The color, when given, is applied
// to segment 0.
func StripState(on bool, brightness int, color *RGB, transitionMS *int) State {
	bri := ClampBrightness(brightness)
	st := State{On: &on, Brightness: &bri, Transition: transitionMS}
	if color != nil {
		st.Segments = []Segment{{ID: 0, Colors: colors(*color)}}
	}
	return st
}

// RequestError reports a failed state update.
type RequestError struct {
	Target     Target
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("WLED request to %s failed: HTTP %d", e.Target, e.StatusCode)
	}
	return fmt.Sprintf("WLED request to %s failed: %v", e.Target, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Client sends state updates. The zero value is not usable; use NewClient.
type Client struct {
	http    *http.Client
	retries uint
	logger  *slog.Logger
}

type Option func(*Client)

// WithTimeout bounds every HTTP call, including reading the response.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetries allows n extra attempts after a failed call. Client errors
// (HTTP 4xx) are never retried.
func WithRetries(n uint) Option {
	return func(c *Client) { c.retries = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: DefaultTimeout},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSegments updates all segs on one controller with a single request.
func (c *Client) SetSegments(ctx context.Context, t Target, segs []SegmentState, transitionMS *int) error {
	if len(segs) == 0 {
		return nil
	}
	return c.SetState(ctx, t, SegmentsState(segs, transitionMS))
}

// SetState posts st to the controller.
func (c *Client) SetState(ctx context.Context, t Target, st State) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	op := func() (struct{}, error) {
		return struct{}{}, c.post(ctx, t, body)
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.retries + 1),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("wled.retry", "target", t.String(), "error", err, "next", next)
		}),
	}
	_, err = backoff.Retry(ctx, op, opts...)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return err
}

func (c *Client) post(ctx context.Context, t Target, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url(), bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(&RequestError{Target: t, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Target: t, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		rerr := &RequestError{Target: t, StatusCode: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(rerr)
		}
		return rerr
	}
	c.logger.Debug("wled.state.applied", "target", t.String(), "bytes", len(body))
	return nil
}

// FullFade lights the whole strip in color with a brightness proportional to
// healthPct, clamped to 0-100.
func (c *Client) FullFade(ctx context.Context, t Target, color RGB, healthPct float64, transitionMS *int) error {
	pct := max(0, min(100, healthPct))
	bri := int(255 * (pct / 100))
	return c.SetState(ctx, t, StripState(true, bri, &color, transitionMS))
}
