// Package lighting maps a console selection onto WLED segment updates.
package lighting

import "runlights/internal/config"

// Resolve looks console up in the binding table of scope's mode. The match
// is exact and case-sensitive. A missing application, mode or console all
// report false.
func Resolve(cfg *config.Config, scope config.Scope, console string) (config.Binding, bool) {
	if cfg == nil {
		return config.Binding{}, false
	}
	mode, ok := cfg.Mode(scope)
	if !ok {
		return config.Binding{}, false
	}
	b, ok := mode.Bindings[console]
	return b, ok
}
