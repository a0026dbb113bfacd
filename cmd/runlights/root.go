package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"runlights/internal/ipc"
	"runlights/internal/wled"
)

// settings is the resolved view of flags and RUNLIGHTS_* environment
// variables. Flags win over the environment.
type settings struct {
	Daemon            bool
	Socket            string
	Config            string
	HTTPListen        string
	PoolSize          int
	TransitionMS      int
	ControllerTimeout time.Duration
	ControllerRetries uint
	Parallel          int
	CacheConfig       bool
	LogPath           string
	LogLevel          string
	Verbose           bool
}

// transition returns the process-wide transition, or nil when controllers
// should use their own default.
func (s settings) transition() *int {
	if s.TransitionMS < 0 {
		return nil
	}
	ms := s.TransitionMS
	return &ms
}

// httpDisabled reports whether the debug listener is turned off.
func (s settings) httpDisabled() bool {
	v := strings.ToLower(strings.TrimSpace(s.HTTPListen))
	return v == "" || v == "none" || v == "off"
}

func loadSettings(v *viper.Viper) settings {
	retries := v.GetInt("controller-retries")
	if retries < 0 {
		retries = 0
	}
	socket := strings.TrimSpace(v.GetString("socket"))
	if socket == "" {
		socket = ipc.DefaultSocketPath()
	}
	return settings{
		Daemon:            v.GetBool("daemon"),
		Socket:            socket,
		Config:            v.GetString("config"),
		HTTPListen:        v.GetString("http-listen"),
		PoolSize:          v.GetInt("pool-size"),
		TransitionMS:      v.GetInt("transition-ms"),
		ControllerTimeout: v.GetDuration("controller-timeout"),
		ControllerRetries: uint(retries),
		Parallel:          v.GetInt("parallel"),
		CacheConfig:       v.GetBool("cache-config"),
		LogPath:           v.GetString("log"),
		LogLevel:          v.GetString("log-level"),
		Verbose:           v.GetBool("verbose"),
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "runlights [--daemon] [console | rom name system...]",
		Short: "Light the WLED segment bound to the selected ES-DE console",
		Example: `
  # Run the service
  runlights --daemon --config ~/.config/runlights/config.toml

  # Select a console by hand
  runlights snes

  # ES-DE game-select hook (system name is the third argument)
  runlights "%ROM%" "%GAMENAME%" "%SYSTEMNAME%"
`,
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings(v)
			if s.Daemon {
				cmd.SilenceUsage = true
				return runDaemon(cmd.Context(), s, cmd.ErrOrStderr())
			}
			if len(args) == 0 {
				return cmd.Help()
			}
			cmd.SilenceUsage = true
			return runClient(cmd.Context(), s, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.Bool("daemon", false, "run the background service")
	flags.Int("pool-size", ipc.DefaultPoolSize, "connections served concurrently")
	flags.Int("parallel", 4, "controllers updated concurrently (1 updates them in order)")
	flags.Bool("cache-config", false, "cache the parsed configuration until the file changes")

	persistent := cmd.PersistentFlags()
	persistent.String("socket", "", "IPC socket path (default $XDG_RUNTIME_DIR/runlights.sock)")
	persistent.String("config", "config.toml", "lighting configuration file")
	persistent.String("http-listen", "localhost:8008", "debug listener for /ws and /metrics (none disables)")
	persistent.Int("transition-ms", -1, "transition applied when a mode sets none (-1 uses the controller default)")
	persistent.Duration("controller-timeout", wled.DefaultTimeout, "timeout for one controller request")
	persistent.Int("controller-retries", 0, "extra attempts for a failed controller request")
	persistent.String("log", "", "write logs to file instead of stderr")
	persistent.String("log-level", "info", "log level (debug, info, warn, error)")
	persistent.BoolP("verbose", "v", false, "enable debug logging")

	for _, set := range []*pflag.FlagSet{flags, persistent} {
		set.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(f.Name, f); err != nil {
				panic(fmt.Sprintf("bind flag %s: %v", f.Name, err))
			}
		})
	}
	v.SetEnvPrefix("RUNLIGHTS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(
		newFadeCommand(v),
		newCheckCommand(v),
		newWatchCommand(v),
		newVersionCommand(),
	)
	return cmd
}
