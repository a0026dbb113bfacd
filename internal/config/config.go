// Package config decodes and validates the runlights lighting configuration.
//
// A configuration file is a TOML document holding a tree of applications,
// each with named modes, plus a flat inventory of WLED controllers:
//
//	[[application]]
//	id = "esde"
//
//	[[application.modes]]
//	id = "game-select"
//	active_color = "#FF0000"
//	base_color = "#000000"
//	active_brightness = 255
//	base_brightness = 0
//	transition_ms = 400
//	controllers = ["livingroom"]
//
//	[application.modes.bindings]
//	snes = { controller = "livingroom", segment = 2 }
//
//	[[controller]]
//	id = "livingroom"
//	host = "192.168.1.40"
//	segments = [0, 1, 2]
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// DefaultPort is the HTTP port assumed for controllers that omit one.
const DefaultPort = 80

// Scope names the single application/mode pair that console lookups run
// against.
type Scope struct {
	Application string
	Mode        string
}

// DefaultScope is the ES-DE game selection scope. Lookups outside it are
// never performed.
var DefaultScope = Scope{Application: "esde", Mode: "game-select"}

func (s Scope) String() string {
	return s.Application + "/" + s.Mode
}

// Config is a parsed lighting configuration. It is read-only once returned
// from Load and may be shared between goroutines.
type Config struct {
	Applications []Application `toml:"application"`
	Controllers  []Controller  `toml:"controller"`

	// Path is the file the configuration was read from.
	Path string `toml:"-"`
}

type Application struct {
	ID    string `toml:"id"`
	Name  string `toml:"name"`
	Modes []Mode `toml:"modes"`
}

// Mode carries the styling shared by every segment touched for one request
// and the console binding table.
type Mode struct {
	ID               string             `toml:"id"`
	ActiveColor      string             `toml:"active_color"`
	BaseColor        string             `toml:"base_color"`
	ActiveBrightness Level              `toml:"active_brightness"`
	BaseBrightness   Level              `toml:"base_brightness"`
	TransitionMS     *int               `toml:"transition_ms"`
	Controllers      []string           `toml:"controllers"`
	Bindings         map[string]Binding `toml:"bindings"`
}

// Controller is one WLED device in the inventory.
type Controller struct {
	ID       string `toml:"id"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Segments []int  `toml:"segments"`
}

// Binding points a console name at the one segment to highlight.
type Binding struct {
	Controller string `toml:"controller" json:"controller"`
	Segment    int    `toml:"segment" json:"segment"`
}

// UnmarshalTOML decodes an inline binding table. A missing segment decodes
// as -1 so it can be told apart from segment 0.
func (b *Binding) UnmarshalTOML(data any) error {
	tbl, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("binding must be a table, got %T", data)
	}
	b.Controller = ""
	b.Segment = -1
	switch v := tbl["controller"].(type) {
	case nil:
	case string:
		b.Controller = v
	default:
		return fmt.Errorf("binding controller must be a string, got %T", v)
	}
	switch v := tbl["segment"].(type) {
	case nil:
	case int64:
		b.Segment = int(v)
	default:
		return fmt.Errorf("binding segment must be an integer, got %T", v)
	}
	return nil
}

// Level is a brightness value kept as written in the file. Integers and
// integer strings are both accepted; validation happens in Int so that a bad
// value fails the request that uses it instead of the whole file.
type Level struct {
	raw any
	set bool
}

// LevelOf returns a Level holding v, for building configs in code.
func LevelOf(v any) Level {
	return Level{raw: v, set: true}
}

func (l *Level) UnmarshalTOML(data any) error {
	l.raw = data
	l.set = true
	return nil
}

// IsSet reports whether the key was present.
func (l Level) IsSet() bool {
	return l.set
}

// Int returns the level as an integer.
func (l Level) Int() (int, error) {
	switch v := l.raw.(type) {
	case int64:
		return int(v), nil
	case int:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported brightness type %T", v)
	}
}

func (l Level) String() string {
	return fmt.Sprint(l.raw)
}

// Error is returned for configuration files that are missing, unparsable or
// violate the inventory invariants. Its message is sent to IPC callers
// verbatim.
type Error struct {
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Path: path, Msg: "config file not found: " + path}
		}
		return nil, &Error{Path: path, Msg: "failed to read config", Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			cerr.Path = path
		}
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, &Error{Msg: "failed to parse config", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Msg: "invalid config", Err: err}
	}
	return &cfg, nil
}

// Validate checks the inventory invariants: controller ids are present and
// unique, segment ids are unique within their controller.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Controllers))
	for i, ctrl := range c.Controllers {
		if ctrl.ID == "" {
			return fmt.Errorf("controller[%d]: id is required", i)
		}
		if seen[ctrl.ID] {
			return fmt.Errorf("controller[%d]: duplicate id %q", i, ctrl.ID)
		}
		seen[ctrl.ID] = true
		if ctrl.Host == "" {
			return fmt.Errorf("controller %q: host is required", ctrl.ID)
		}
		if ctrl.Port < 0 || ctrl.Port > 65535 {
			return fmt.Errorf("controller %q: port %d out of range", ctrl.ID, ctrl.Port)
		}
		segs := make(map[int]bool, len(ctrl.Segments))
		for _, s := range ctrl.Segments {
			if segs[s] {
				return fmt.Errorf("controller %q: duplicate segment %d", ctrl.ID, s)
			}
			segs[s] = true
		}
	}
	return nil
}

// Mode returns the mode addressed by scope.
func (c *Config) Mode(scope Scope) (*Mode, bool) {
	for i := range c.Applications {
		app := &c.Applications[i]
		if app.ID != scope.Application {
			continue
		}
		for j := range app.Modes {
			if app.Modes[j].ID == scope.Mode {
				return &app.Modes[j], true
			}
		}
	}
	return nil, false
}

// Controller looks up a controller by id.
func (c *Config) Controller(id string) (*Controller, bool) {
	for i := range c.Controllers {
		if c.Controllers[i].ID == id {
			return &c.Controllers[i], true
		}
	}
	return nil, false
}

// Addr returns the controller's host and effective port.
func (c Controller) Addr() (string, int) {
	if c.Port == 0 {
		return c.Host, DefaultPort
	}
	return c.Host, c.Port
}
