package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"runlights/internal/ipc"
)

const (
	DefaultFeedHistory = 64
	subscriberBuffer   = 16
	feedWriteTimeout   = 5 * time.Second
)

// Entry is one line of the debug feed.
type Entry struct {
	Time       time.Time    `json:"time"`
	ID         string       `json:"rid"`
	Request    string       `json:"request"`
	Response   ipc.Response `json:"response"`
	DurationMS float64      `json:"duration_ms"`
}

// Feed keeps the most recent exchanges and broadcasts new ones to websocket
// subscribers. Slow subscribers miss entries instead of blocking requests.
type Feed struct {
	logger *slog.Logger
	size   int

	mu      sync.Mutex
	history [][]byte
	subs    map[chan []byte]struct{}
}

func NewFeed(size int, logger *slog.Logger) *Feed {
	if size <= 0 {
		size = DefaultFeedHistory
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Feed{
		logger: logger,
		size:   size,
		subs:   make(map[chan []byte]struct{}),
	}
}

// Publish records ex and forwards it to current subscribers.
func (f *Feed) Publish(ex ipc.Exchange) {
	line, err := json.Marshal(Entry{
		Time:       ex.Started,
		ID:         ex.ID,
		Request:    ex.Request,
		Response:   ex.Response,
		DurationMS: float64(ex.Duration.Microseconds()) / 1000,
	})
	if err != nil {
		f.logger.Warn("daemon.feed.encode_failed", "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, line)
	if len(f.history) > f.size {
		f.history = f.history[len(f.history)-f.size:]
	}
	for ch := range f.subs {
		select {
		case ch <- line:
		default:
			f.logger.Debug("daemon.feed.subscriber_lagging")
		}
	}
}

// Recent returns the retained entries, oldest first.
func (f *Feed) Recent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.history))
	copy(out, f.history)
	return out
}

// Subscribe returns the backlog and a channel of new entries. cancel must be
// called to release the subscription.
func (f *Feed) Subscribe() (entries <-chan []byte, backlog [][]byte, cancel func()) {
	ch := make(chan []byte, subscriberBuffer)
	f.mu.Lock()
	backlog = make([][]byte, len(f.history))
	copy(backlog, f.history)
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
		})
	}
	return ch, backlog, cancel
}

// ServeHTTP upgrades to a websocket and streams the backlog followed by new
// entries, one JSON document per text message.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local debug viewers only
	})
	if err != nil {
		f.logger.Warn("daemon.feed.accept_failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Nothing is read from viewers; CloseRead handles their close frames.
	ctx := conn.CloseRead(r.Context())
	entries, backlog, cancel := f.Subscribe()
	defer cancel()
	f.logger.Debug("daemon.feed.subscribed", "remote", r.RemoteAddr)

	for _, line := range backlog {
		if err := f.write(ctx, conn, line); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "done")
			return
		case line := <-entries:
			if err := f.write(ctx, conn, line); err != nil {
				f.logger.Debug("daemon.feed.write_failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) write(ctx context.Context, conn *websocket.Conn, line []byte) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, line)
}
