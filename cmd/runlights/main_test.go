package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"runlights/internal/config"
	"runlights/internal/ipc"
	"runlights/internal/wled"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// shortSocket avoids the sun_path length limit.
func shortSocket(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rl")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func serveBindings(t *testing.T, path string, table map[string]config.Binding) {
	t.Helper()
	srv := ipc.NewServer(path, ipc.HandlerFunc(func(ctx context.Context, name string) (config.Binding, error) {
		b, ok := table[name]
		if !ok {
			return config.Binding{}, fmt.Errorf("console '%s' not found", name)
		}
		return b, nil
	}))
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.ServeListener(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestVersionCommand(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if stderr != "" {
		t.Fatalf("stderr = %q", stderr)
	}
	if stdout != "runlights "+version+"\n" {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestConsoleFromArgs(t *testing.T) {
	tests := []struct {
		args    []string
		console string
		hook    bool
		wantErr bool
	}{
		{args: []string{"snes"}, console: "snes"},
		{args: []string{"SNES"}, console: "SNES"},
		{args: []string{"/roms/snes/zelda.sfc", "Zelda", " SNES ", "extra"}, console: "snes", hook: true},
		{args: []string{"/roms/x.md", "Sonic", "MegaDrive"}, console: "megadrive", hook: true},
		{args: []string{"a", "b"}, hook: true, wantErr: true},
		{args: []string{"  "}, wantErr: true},
	}
	for _, tt := range tests {
		console, hook, err := consoleFromArgs(tt.args)
		if (err != nil) != tt.wantErr || console != tt.console || hook != tt.hook {
			t.Fatalf("consoleFromArgs(%q) = %q, %v, %v", tt.args, console, hook, err)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{&ipc.ServerError{Message: "console 'gba' not found"}, exitServerError},
		{fmt.Errorf("%w (/tmp/x.sock)", ipc.ErrNotReady), exitNotReady},
		{fmt.Errorf("%w: bad", ipc.ErrMalformedResponse), exitMalformed},
		{errors.New("read response: i/o timeout"), exitIPCFailure},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestClientAgainstService(t *testing.T) {
	sock := shortSocket(t)
	serveBindings(t, sock, map[string]config.Binding{"snes": {Controller: "livingroom", Segment: 2}})

	stdout, _, err := executeRootCommand(t, "--socket", sock, "snes")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if stdout != "snes -> livingroom segment 2\n" {
		t.Fatalf("stdout = %q", stdout)
	}

	_, _, err = executeRootCommand(t, "--socket", sock, "gba")
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != exitServerError {
		t.Fatalf("err = %v, want exit %d", err, exitServerError)
	}
	if !strings.Contains(err.Error(), "console 'gba' not found") {
		t.Fatalf("err = %q", err)
	}
}

func TestClientNotRunning(t *testing.T) {
	_, _, err := executeRootCommand(t, "--socket", shortSocket(t), "snes")
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != exitNotReady {
		t.Fatalf("err = %v, want exit %d", err, exitNotReady)
	}
	if reportError(err) != exitNotReady {
		t.Fatal("reportError lost the exit code")
	}
}

// replyWith answers every request on a fresh socket with reply.
func replyWith(t *testing.T, reply string) string {
	t.Helper()
	sock := shortSocket(t)
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = bufio.NewReader(conn).ReadString('\n')
			_, _ = io.WriteString(conn, reply)
			conn.Close()
		}
	}()
	return sock
}

func TestClientMalformedReply(t *testing.T) {
	for _, reply := range []string{`{"status":"ok"}` + "\n", "garbage\n"} {
		_, _, err := executeRootCommand(t, "--socket", replyWith(t, reply), "snes")
		var ee *exitError
		if !errors.As(err, &ee) || ee.code != exitMalformed {
			t.Fatalf("reply %q: err = %v, want exit %d", reply, err, exitMalformed)
		}
	}
}

func TestHookFormNeverFails(t *testing.T) {
	_, stderr, err := executeRootCommand(t, "--socket", shortSocket(t), "/roms/zelda.sfc", "Zelda", "SNES")
	if err != nil {
		t.Fatalf("hook form returned %v", err)
	}
	if !strings.Contains(stderr, "snes") {
		t.Fatalf("stderr = %q, want a warning naming the console", stderr)
	}
}

func TestSocketFromEnvironment(t *testing.T) {
	sock := shortSocket(t)
	serveBindings(t, sock, map[string]config.Binding{"snes": {Controller: "livingroom", Segment: 2}})
	t.Setenv("RUNLIGHTS_SOCKET", sock)

	stdout, _, err := executeRootCommand(t, "snes")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if !strings.HasPrefix(stdout, "snes -> livingroom") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	v := viper.New()
	v.Set("transition-ms", -1)
	v.Set("controller-retries", -3)
	v.Set("http-listen", "none")
	s := loadSettings(v)
	if s.Socket != "/run/user/1000/runlights.sock" {
		t.Fatalf("socket = %q", s.Socket)
	}
	if s.transition() != nil {
		t.Fatalf("transition = %d, want unset", *s.transition())
	}
	if s.ControllerRetries != 0 {
		t.Fatalf("retries = %d, want 0", s.ControllerRetries)
	}
	if !s.httpDisabled() {
		t.Fatal("http listener not disabled")
	}

	v.Set("transition-ms", 300)
	v.Set("controller-timeout", "750ms")
	v.Set("http-listen", "localhost:8008")
	s = loadSettings(v)
	if tt := s.transition(); tt == nil || *tt != 300 {
		t.Fatalf("transition = %v, want 300", tt)
	}
	if s.ControllerTimeout != 750*time.Millisecond {
		t.Fatalf("timeout = %s", s.ControllerTimeout)
	}
	if s.httpDisabled() {
		t.Fatal("http listener disabled")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := parseLevel(in)
		if err != nil || got != want {
			t.Fatalf("parseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Fatal("parseLevel accepted an unknown level")
	}
}

const checkConfig = `
[[application]]
id = "esde"

[[application.modes]]
id = "game-select"
active_color = "#FF0000"

[application.modes.bindings]
snes = { controller = "livingroom", segment = 2 }
gba = { controller = "livingroom", segment = 7 }

[[controller]]
id = "livingroom"
host = "127.0.0.1"
segments = [0, 1, 2]
`

func TestCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(checkConfig), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	stdout, _, err := executeRootCommand(t, "check", "--config", path)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{
		"1 controllers, 1 applications",
		"esde/game-select: active #FF0000@255 base #000000@0",
		"  gba -> livingroom segment 7  (segment not in controller inventory)",
		"  snes -> livingroom segment 2\n",
	} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestCheckCommandMissingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "none.toml")
	_, _, err := executeRootCommand(t, "check", "--config", path)
	if err == nil || err.Error() != "config file not found: "+path {
		t.Fatalf("err = %v", err)
	}
}

func TestFadeCommand(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
	}))
	t.Cleanup(srv.Close)
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	cfg := fmt.Sprintf("[[controller]]\nid = \"livingroom\"\nhost = %q\nport = %s\nsegments = [0]\n", host, port)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	stdout, _, err := executeRootCommand(t, "fade", "livingroom", "50", "--color", "#F00", "--config", cfgPath)
	if err != nil {
		t.Fatalf("fade: %v", err)
	}
	if !strings.HasPrefix(stdout, "livingroom: ") || !strings.HasSuffix(stdout, " at 50%\n") {
		t.Fatalf("stdout = %q", stdout)
	}
	var st wled.State
	if err := json.Unmarshal(<-bodies, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.On == nil || !*st.On || st.Brightness == nil || *st.Brightness != 127 {
		t.Fatalf("state = %+v", st)
	}
	if len(st.Segments) == 0 || st.Segments[0].Colors[0] != [3]uint8{255, 0, 0} {
		t.Fatalf("segments = %+v", st.Segments)
	}

	if _, _, err := executeRootCommand(t, "fade", "hallway", "50", "--config", cfgPath); err == nil ||
		err.Error() != "controller 'hallway' not found" {
		t.Fatalf("unknown controller: err = %v", err)
	}
}

func TestFeedURL(t *testing.T) {
	if got := feedURL("localhost:8008"); got != "ws://localhost:8008/ws" {
		t.Fatalf("feedURL = %q", got)
	}
	if got := feedURL(":9000"); got != "ws://localhost:9000/ws" {
		t.Fatalf("feedURL = %q", got)
	}
}

func TestDaemonServesUntilCancelled(t *testing.T) {
	sock := shortSocket(t)
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(cfgPath, []byte(checkConfig), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := newRootCommand()
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--daemon", "--socket", sock, "--config", cfgPath, "--http-listen", "none"})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	// An unknown console resolves without touching any controller.
	client := ipc.NewClient(sock)
	deadline := time.Now().Add(5 * time.Second)
	var err error
	for {
		_, err = client.Console(context.Background(), "n64")
		if !errors.Is(err, ipc.ErrNotReady) || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	var serr *ipc.ServerError
	if !errors.As(err, &serr) || serr.Message != "console 'n64' not found" {
		t.Fatalf("err = %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if _, err := os.Stat(sock); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket left behind: %v", err)
	}
	if !strings.Contains(stderr.String(), "daemon.lifecycle.start") {
		t.Fatalf("no startup log:\n%s", stderr.String())
	}
}

func TestDaemonRefusesLiveSocket(t *testing.T) {
	sock := shortSocket(t)
	serveBindings(t, sock, nil)
	_, _, err := executeRootCommand(t, "--daemon", "--socket", sock, "--config", filepath.Join(t.TempDir(), "none.toml"), "--http-listen", "none")
	if !errors.Is(err, ipc.ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if _, err := os.Stat(sock); err != nil {
		t.Fatalf("live socket removed: %v", err)
	}
}
