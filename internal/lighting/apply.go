package lighting

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"runlights/internal/wled"
)

// Applier pushes one batch to its controller.
type Applier interface {
	Apply(ctx context.Context, b Batch) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, b Batch) error

func (f ApplierFunc) Apply(ctx context.Context, b Batch) error {
	return f(ctx, b)
}

// WLED applies batches through a wled.Client, one request per controller.
type WLED struct {
	Client *wled.Client
}

func (w WLED) Apply(ctx context.Context, b Batch) error {
	segs := make([]wled.SegmentState, 0, len(b.Updates))
	for _, u := range b.Updates {
		segs = append(segs, wled.SegmentState{
			ID:         u.Segment,
			On:         u.On,
			Brightness: u.Brightness,
			Color:      u.Color,
		})
	}
	return w.Client.SetSegments(ctx, wled.Target{Host: b.Host, Port: b.Port}, segs, b.TransitionMS)
}

type ApplyOptions struct {
	// Parallelism caps concurrent controller calls. Values below 2 apply
	// batches one after another in inventory order.
	Parallelism int
}

// Result is the outcome for one controller.
type Result struct {
	Controller string
	Err        error
	Duration   time.Duration
}

// Report collects the outcome of every batch in inventory order.
type Report struct {
	Results []Result
}

// Failed reports the number of controllers that failed.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Err is nil when every controller succeeded and a *ControllerError
// otherwise.
func (r Report) Err() error {
	var failures []Failure
	for _, res := range r.Results {
		if res.Err != nil {
			failures = append(failures, Failure{Controller: res.Controller, Err: res.Err})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &ControllerError{Failures: failures}
}

// Apply sends every batch. A failing controller never stops the others.
func Apply(ctx context.Context, a Applier, batches []Batch, opts ApplyOptions) Report {
	results := make([]Result, len(batches))
	run := func(i int) {
		start := time.Now()
		err := a.Apply(ctx, batches[i])
		results[i] = Result{Controller: batches[i].Controller, Err: err, Duration: time.Since(start)}
	}

	if opts.Parallelism < 2 || len(batches) < 2 {
		for i := range batches {
			run(i)
		}
		return Report{Results: results}
	}

	var g errgroup.Group
	g.SetLimit(opts.Parallelism)
	for i := range batches {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()
	return Report{Results: results}
}
