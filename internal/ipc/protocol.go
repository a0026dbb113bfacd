// Package ipc implements the local request channel between the runlights
// client and the background service.
//
// Every message is a single JSON object terminated by a newline. A client
// sends one request and reads one response per connection:
//
//	-> {"type":"console","name":"snes"}
//	<- {"status":"ok","binding":{"controller":"livingroom","segment":2},"console":"snes"}
package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"runlights/internal/config"
)

const (
	TypeConsole = "console"

	StatusOK    = "ok"
	StatusError = "error"

	CodeInvalidJSON     = "invalid_json"
	CodeUnsupportedType = "unsupported_type"
	CodeMissingName     = "missing_name"

	// MaxMessageSize bounds a single framed message.
	MaxMessageSize = 64 << 10
)

var (
	// ErrIncomplete is returned when the peer closes before a newline.
	ErrIncomplete = errors.New("connection closed before end of message")
	// ErrMessageTooLarge is returned for messages over MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

type Request struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Response fields are ordered as they appear on the wire.
type Response struct {
	Status  string          `json:"status"`
	Binding *config.Binding `json:"binding,omitempty"`
	Console string          `json:"console,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func errorResponse(msg string) Response {
	return Response{Status: StatusError, Error: msg}
}

// ProtocolError is a malformed or unsupported request. Its message is the
// machine-readable code sent back to the caller.
type ProtocolError struct {
	Code string
}

func (e *ProtocolError) Error() string {
	return e.Code
}

// ParseRequest validates one request line. Checks run in order: JSON object,
// type, name.
func ParseRequest(line []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil || fields == nil {
		return Request{}, &ProtocolError{Code: CodeInvalidJSON}
	}
	var req Request
	raw, ok := fields["type"]
	if !ok || json.Unmarshal(raw, &req.Type) != nil || req.Type != TypeConsole {
		return Request{}, &ProtocolError{Code: CodeUnsupportedType}
	}
	raw, ok = fields["name"]
	if !ok || json.Unmarshal(raw, &req.Name) != nil || req.Name == "" {
		return Request{}, &ProtocolError{Code: CodeMissingName}
	}
	return req, nil
}

// ReadMessage reads up to and including the next newline and returns the
// message without it. Reading spans as many underlying reads as needed.
// The limit applies to the message, not its line terminator.
func ReadMessage(r *bufio.Reader, limit int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if limit > 0 && len(bytes.TrimRight(buf, "\r\n")) > limit {
			return nil, ErrMessageTooLarge
		}
		switch {
		case err == nil:
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil, ErrIncomplete
		default:
			return nil, err
		}
	}
}

// WriteMessage encodes v as one newline-terminated JSON document.
func WriteMessage(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// DefaultSocketPath is the well-known endpoint, one per user and host.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "runlights.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("runlights-%d.sock", os.Getuid()))
}

type requestIDKey struct{}

// WithRequestID tags ctx with the id the server assigned to a connection.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
