package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"runlights/internal/config"
	"runlights/internal/wled"
)

func newFadeCommand(v *viper.Viper) *cobra.Command {
	var colorFlag string
	cmd := &cobra.Command{
		Use:   "fade <controller> <percent>",
		Short: "Light a whole strip at a brightness proportional to percent",
		Example: `
  # Red at half brightness on the living room strip
  runlights fade livingroom 50 --color "#FF0000"
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings(v)
			pct, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("percent must be a number: %w", err)
			}
			color, err := wled.ParseColor(colorFlag)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			cfg, err := config.Load(s.Config)
			if err != nil {
				return err
			}
			ctrl, ok := cfg.Controller(args[0])
			if !ok {
				return fmt.Errorf("controller '%s' not found", args[0])
			}
			host, port := ctrl.Addr()
			client := wled.NewClient(
				wled.WithTimeout(s.ControllerTimeout),
				wled.WithRetries(s.ControllerRetries),
			)
			target := wled.Target{Host: host, Port: port}
			if err := client.FullFade(cmd.Context(), target, color, pct, s.transition()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s at %g%%\n", ctrl.ID, color, max(0, min(100, pct)))
			return err
		},
	}
	cmd.Flags().StringVar(&colorFlag, "color", "#FFFFFF", "strip color (#RRGGBB or #RGB)")
	return cmd
}
