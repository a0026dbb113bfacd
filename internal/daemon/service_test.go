package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"runlights/internal/config"
	"runlights/internal/ipc"
	"runlights/internal/lighting"
	"runlights/internal/wled"
)

// controller is an httptest WLED device that records every state body.
type controller struct {
	srv    *httptest.Server
	status int

	mu     sync.Mutex
	bodies []wled.State
}

func newController(t *testing.T, status int) *controller {
	t.Helper()
	c := &controller{status: status}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var st wled.State
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &st)
		c.mu.Lock()
		c.bodies = append(c.bodies, st)
		c.mu.Unlock()
		w.WriteHeader(c.status)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *controller) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, p, err := net.SplitHostPort(c.srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	port, _ := strconv.Atoi(p)
	return host, port
}

func (c *controller) requests() []wled.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wled.State(nil), c.bodies...)
}

// writeConfig renders a lighting configuration pointing at ctrls, named
// by the map key, and returns its path.
func writeConfig(t *testing.T, ctrls map[string]*controller, order []string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(`
[[application]]
id = "esde"

[[application.modes]]
id = "game-select"
active_color = "#FF0000"
base_color = "#000000"
active_brightness = 255
base_brightness = 0

[application.modes.bindings]
snes = { controller = "livingroom", segment = 2 }
`)
	for _, id := range order {
		host, port := ctrls[id].hostPort(t)
		fmt.Fprintf(&b, "\n[[controller]]\nid = %q\nhost = %q\nport = %d\nsegments = [0, 1, 2]\n", id, host, port)
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestService(t *testing.T, path string, metrics *Metrics) *Service {
	t.Helper()
	return New(config.NewStore(path), lighting.WLED{Client: wled.NewClient()}, Options{
		Apply:   lighting.ApplyOptions{Parallelism: 4},
		Metrics: metrics,
	})
}

func TestServiceSNES(t *testing.T) {
	lr := newController(t, http.StatusOK)
	path := writeConfig(t, map[string]*controller{"livingroom": lr}, []string{"livingroom"})
	metrics := NewMetrics()
	svc := newTestService(t, path, metrics)

	binding, err := svc.HandleConsole(context.Background(), "snes")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if binding != (config.Binding{Controller: "livingroom", Segment: 2}) {
		t.Fatalf("binding = %+v", binding)
	}
	reqs := lr.requests()
	if len(reqs) != 1 {
		t.Fatalf("controller requests = %d, want 1", len(reqs))
	}
	segs := reqs[0].Segments
	if len(segs) != 3 {
		t.Fatalf("segments = %d, want 3", len(segs))
	}
	for _, s := range segs {
		wantOn, wantBri, wantCol := false, 0, [3]uint8{0, 0, 0}
		if s.ID == 2 {
			wantOn, wantBri, wantCol = true, 255, [3]uint8{255, 0, 0}
		}
		if *s.On != wantOn || *s.Brightness != wantBri || s.Colors[0] != wantCol {
			t.Fatalf("segment %d = on:%v bri:%d col:%v", s.ID, *s.On, *s.Brightness, s.Colors[0])
		}
	}
	if got := testutil.ToFloat64(metrics.controllerUpdates.WithLabelValues("livingroom", "ok")); got != 1 {
		t.Fatalf("controller ok updates = %v, want 1", got)
	}
}

func TestServiceUnboundConsoleTouchesNothing(t *testing.T) {
	lr := newController(t, http.StatusOK)
	path := writeConfig(t, map[string]*controller{"livingroom": lr}, []string{"livingroom"})
	svc := newTestService(t, path, nil)

	_, err := svc.HandleConsole(context.Background(), "gba")
	var rerr *lighting.ResolutionError
	if !errors.As(err, &rerr) || err.Error() != "console 'gba' not found" {
		t.Fatalf("err = %v, want resolution error", err)
	}
	if n := len(lr.requests()); n != 0 {
		t.Fatalf("controller contacted %d times", n)
	}
}

func TestServicePartialFailure(t *testing.T) {
	ctrls := map[string]*controller{
		"livingroom": newController(t, http.StatusOK),
		"hallway":    newController(t, http.StatusInternalServerError),
		"desk":       newController(t, http.StatusOK),
	}
	order := []string{"livingroom", "hallway", "desk"}
	path := writeConfig(t, ctrls, order)
	metrics := NewMetrics()
	svc := newTestService(t, path, metrics)

	_, err := svc.HandleConsole(context.Background(), "snes")
	var cerr *lighting.ControllerError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ControllerError", err)
	}
	if !strings.HasPrefix(err.Error(), "controller 'hallway': ") {
		t.Fatalf("err = %q, want attribution to hallway", err)
	}
	for _, id := range order {
		if n := len(ctrls[id].requests()); n != 1 {
			t.Fatalf("%s requests = %d, want 1", id, n)
		}
	}
	if got := testutil.ToFloat64(metrics.controllerUpdates.WithLabelValues("hallway", "error")); got != 1 {
		t.Fatalf("hallway error updates = %v, want 1", got)
	}
}

func TestServiceConfigErrors(t *testing.T) {
	metrics := NewMetrics()
	path := filepath.Join(t.TempDir(), "missing.toml")
	svc := newTestService(t, path, metrics)
	_, err := svc.HandleConsole(context.Background(), "snes")
	if err == nil || err.Error() != "config file not found: "+path {
		t.Fatalf("err = %v", err)
	}
	if got := testutil.ToFloat64(metrics.configErrors); got != 1 {
		t.Fatalf("config errors = %v, want 1", got)
	}
}

func TestServiceSeesConfigEdits(t *testing.T) {
	lr := newController(t, http.StatusOK)
	path := writeConfig(t, map[string]*controller{"livingroom": lr}, []string{"livingroom"})
	svc := newTestService(t, path, nil)

	if _, err := svc.HandleConsole(context.Background(), "gba"); err == nil {
		t.Fatal("gba resolved before it was bound")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	edited := strings.Replace(string(data),
		`snes = { controller = "livingroom", segment = 2 }`,
		`snes = { controller = "livingroom", segment = 2 }`+"\ngba = { controller = \"livingroom\", segment = 0 }", 1)
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	binding, err := svc.HandleConsole(context.Background(), "gba")
	if err != nil {
		t.Fatalf("gba after edit: %v", err)
	}
	if binding.Segment != 0 {
		t.Fatalf("binding = %+v", binding)
	}
}

func TestServiceOverIPC(t *testing.T) {
	lr := newController(t, http.StatusOK)
	path := writeConfig(t, map[string]*controller{"livingroom": lr}, []string{"livingroom"})
	metrics := NewMetrics()
	svc := newTestService(t, path, metrics)

	dir, err := os.MkdirTemp("", "rl")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "s.sock")

	srv := ipc.NewServer(sock, svc, ipc.WithObserver(metrics.ObserveExchange))
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	client := ipc.NewClient(sock)
	resp, err := client.Console(context.Background(), "snes")
	if err != nil {
		t.Fatalf("console: %v", err)
	}
	if resp.Binding.Controller != "livingroom" || resp.Binding.Segment != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if _, err := client.Console(context.Background(), "gba"); err == nil {
		t.Fatal("gba resolved")
	}
	if _, err := client.Do(context.Background(), ipc.Request{Type: "console"}); err != nil {
		t.Fatalf("do: %v", err)
	}

	// Observers run after each response is written.
	waitFor(t, func() bool {
		return testutil.ToFloat64(metrics.requests.WithLabelValues("ok")) == 1 &&
			testutil.ToFloat64(metrics.requests.WithLabelValues("error")) == 1 &&
			testutil.ToFloat64(metrics.requests.WithLabelValues("missing_name")) == 1
	})
}
