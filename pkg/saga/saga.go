// Package saga implements the ordered compensable-step pattern from
// spec.md §4.6: execute steps in order, and on failure at step k compensate
// steps [0..k-1] in reverse order. Grounded on tarsy's
// pkg/agent/orchestrator/runner.go for the plain-struct, no-framework
// sequencing style this repository uses for in-process execution
// pipelines.
package saga

import (
	"context"
	"fmt"
)

// Step is one named, compensable unit of work.
type Step struct {
	Name      string
	Execute   func(ctx context.Context, data any) (result any, err error)
	Compensate func(ctx context.Context, data any, result any) error
}

// Result is the outcome of running a Saga.
type Result struct {
	Success           bool
	LastResult        any
	Err               error
	CompletedSteps    []string
	CompensatedSteps  []string
}

// Saga is an ordered list of compensable steps.
type Saga struct {
	steps []Step
}

// New builds a Saga from steps, executed in the given order.
func New(steps ...Step) *Saga {
	return &Saga{steps: steps}
}

// Run executes every step in order. On failure at step k, steps [0..k-1]
// are compensated in reverse order; a compensation failure is recorded by
// the caller-supplied onCompensateError hook (may be nil) but does not
// halt the reverse sweep — every completed step gets a compensation
// attempt regardless of whether an earlier one failed.
type completedStep struct {
	step   Step
	result any
}

func (s *Saga) Run(ctx context.Context, data any, onCompensateError func(stepName string, err error)) Result {
	completed := make([]completedStep, 0, len(s.steps))
	var completedNames, compensatedNames []string
	var lastResult any

	for _, step := range s.steps {
		result, err := step.Execute(ctx, data)
		if err != nil {
			compensatedNames = compensateReverse(ctx, completed, data, onCompensateError)
			return Result{
				Success:          false,
				Err:              fmt.Errorf("saga: step %q failed: %w", step.Name, err),
				CompletedSteps:   completedNames,
				CompensatedSteps: compensatedNames,
			}
		}
		lastResult = result
		completed = append(completed, completedStep{step: step, result: result})
		completedNames = append(completedNames, step.Name)
	}

	return Result{Success: true, LastResult: lastResult, CompletedSteps: completedNames}
}

func compensateReverse(ctx context.Context, completed []completedStep, data any, onErr func(stepName string, err error)) []string {
	var names []string
	for i := len(completed) - 1; i >= 0; i-- {
		cs := completed[i]
		if cs.step.Compensate == nil {
			continue
		}
		if err := cs.step.Compensate(ctx, data, cs.result); err != nil && onErr != nil {
			onErr(cs.step.Name, err)
		}
		names = append(names, cs.step.Name)
	}
	return names
}
