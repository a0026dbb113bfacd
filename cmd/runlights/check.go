package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"runlights/internal/config"
	"runlights/internal/lighting"
)

func newCheckCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the lighting configuration and list console bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings(v)
			cmd.SilenceUsage = true
			cfg, err := config.Load(s.Config)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			scope := config.DefaultScope
			fmt.Fprintf(out, "%s: %d controllers, %d applications\n", cfg.Path, len(cfg.Controllers), len(cfg.Applications))

			mode, ok := cfg.Mode(scope)
			if !ok {
				return fmt.Errorf("mode '%s' not found", scope)
			}
			// Styling errors surface here instead of on the first request.
			styling, err := lighting.ResolveStyling(cfg, scope, lighting.PlanOptions{})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: active %s@%d base %s@%d\n", scope,
				styling.ActiveColor, styling.ActiveBrightness,
				styling.BaseColor, styling.BaseBrightness)

			consoles := make([]string, 0, len(mode.Bindings))
			for name := range mode.Bindings {
				consoles = append(consoles, name)
			}
			slices.Sort(consoles)
			var problems int
			for _, name := range consoles {
				b := mode.Bindings[name]
				note := ""
				if _, err := lighting.Plan(cfg, scope, b, lighting.PlanOptions{}); err != nil {
					note = "  (" + err.Error() + ")"
					problems++
				} else if ctrl, ok := cfg.Controller(b.Controller); !ok {
					note = "  (controller not in inventory)"
				} else if !slices.Contains(ctrl.Segments, b.Segment) {
					note = "  (segment not in controller inventory)"
				}
				fmt.Fprintf(out, "  %s -> %s segment %d%s\n", name, b.Controller, b.Segment, note)
			}
			if problems > 0 {
				return fmt.Errorf("%d of %d bindings cannot be planned", problems, len(consoles))
			}
			return nil
		},
	}
}
