package lighting

import (
	"slices"

	"runlights/internal/config"
	"runlights/internal/wled"
)

const (
	defaultActiveColor      = "#FFFFFF"
	defaultBaseColor        = "#000000"
	defaultActiveBrightness = 255
	defaultBaseBrightness   = 0
)

// SegmentUpdate is the desired state of one segment for one request.
type SegmentUpdate struct {
	Controller   string
	Segment      int
	On           bool
	Brightness   int
	Color        wled.RGB
	TransitionMS *int
}

// Batch is every update destined for one controller.
type Batch struct {
	Controller   string
	Host         string
	Port         int
	TransitionMS *int
	Updates      []SegmentUpdate
}

// PlanOptions carries process-wide settings.
type PlanOptions struct {
	// DefaultTransition applies when the mode sets no transition_ms. Nil
	// leaves the transition to the controller.
	DefaultTransition *int
}

// Styling is the resolved mode styling for one request.
type Styling struct {
	ActiveColor      wled.RGB
	BaseColor        wled.RGB
	ActiveBrightness int
	BaseBrightness   int
	TransitionMS     *int
	Controllers      []string
}

// ResolveStyling validates and converts the styling of scope's mode.
func ResolveStyling(cfg *config.Config, scope config.Scope, opts PlanOptions) (Styling, error) {
	mode, ok := cfg.Mode(scope)
	if !ok {
		return Styling{}, planErrorf(nil, "mode '%s' not found", scope)
	}
	var (
		st  Styling
		err error
	)
	if st.ActiveColor, err = color(mode.ActiveColor, defaultActiveColor); err != nil {
		return Styling{}, planErrorf(err, "invalid active_color")
	}
	if st.BaseColor, err = color(mode.BaseColor, defaultBaseColor); err != nil {
		return Styling{}, planErrorf(err, "invalid base_color")
	}
	if st.ActiveBrightness, err = brightness(mode.ActiveBrightness, defaultActiveBrightness); err != nil {
		return Styling{}, planErrorf(err, "invalid active_brightness")
	}
	if st.BaseBrightness, err = brightness(mode.BaseBrightness, defaultBaseBrightness); err != nil {
		return Styling{}, planErrorf(err, "invalid base_brightness")
	}
	switch {
	case mode.TransitionMS != nil:
		st.TransitionMS = mode.TransitionMS
	case opts.DefaultTransition != nil:
		st.TransitionMS = opts.DefaultTransition
	}
	st.Controllers = mode.Controllers
	return st, nil
}

// Plan computes one batch per eligible controller. The segment matching
// binding gets the active styling; every other segment gets the base
// styling. A segment with brightness 0 is always switched off.
func Plan(cfg *config.Config, scope config.Scope, binding config.Binding, opts PlanOptions) ([]Batch, error) {
	st, err := ResolveStyling(cfg, scope, opts)
	if err != nil {
		return nil, err
	}
	if binding.Controller == "" {
		return nil, planErrorf(nil, "binding is missing controller")
	}
	if binding.Segment < 0 {
		return nil, planErrorf(nil, "binding for controller '%s' is missing segment", binding.Controller)
	}

	var batches []Batch
	for _, ctrl := range cfg.Controllers {
		if len(st.Controllers) > 0 && !slices.Contains(st.Controllers, ctrl.ID) {
			continue
		}
		if len(ctrl.Segments) == 0 {
			continue
		}
		host, port := ctrl.Addr()
		b := Batch{
			Controller:   ctrl.ID,
			Host:         host,
			Port:         port,
			TransitionMS: st.TransitionMS,
			Updates:      make([]SegmentUpdate, 0, len(ctrl.Segments)),
		}
		for _, seg := range ctrl.Segments {
			bri, col := st.BaseBrightness, st.BaseColor
			if ctrl.ID == binding.Controller && seg == binding.Segment {
				bri, col = st.ActiveBrightness, st.ActiveColor
			}
			b.Updates = append(b.Updates, SegmentUpdate{
				Controller:   ctrl.ID,
				Segment:      seg,
				On:           bri > 0,
				Brightness:   bri,
				Color:        col,
				TransitionMS: st.TransitionMS,
			})
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func color(v, def string) (wled.RGB, error) {
	if v == "" {
		v = def
	}
	return wled.ParseColor(v)
}

func brightness(l config.Level, def int) (int, error) {
	if !l.IsSet() {
		return def, nil
	}
	return l.Int()
}
