package lighting

import (
	"fmt"
	"strings"
)

// ResolutionError reports a console name with no binding in scope.
type ResolutionError struct {
	Console string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("console '%s' not found", e.Console)
}

// PlanningError reports styling or binding values that cannot be turned
// into segment updates.
type PlanningError struct {
	Msg string
	Err error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *PlanningError) Unwrap() error {
	return e.Err
}

func planErrorf(err error, format string, args ...any) *PlanningError {
	return &PlanningError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// Failure is one controller that rejected or never received its batch.
type Failure struct {
	Controller string
	Err        error
}

// ControllerError is returned when at least one controller failed. The
// message names the first failure in inventory order; Failures holds all of
// them.
type ControllerError struct {
	Failures []Failure
}

func (e *ControllerError) Error() string {
	if len(e.Failures) == 0 {
		return "controller update failed"
	}
	first := e.Failures[0]
	return fmt.Sprintf("controller '%s': %v", first.Controller, first.Err)
}

func (e *ControllerError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Summary lists every failed controller, for logs.
func (e *ControllerError) Summary() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Controller, f.Err))
	}
	return strings.Join(parts, "; ")
}
