package workflow

import (
	"context"
	"time"

	"orchestrator/services/catalog"
)

const simulatedFailure = "Task execution failed (simulated)"

// MockDispatcher models a task run as a fixed delay followed by a pass/fail draw
// against the task's declared success rate.
type MockDispatcher struct {
	Delay time.Duration
	Rand  RandomSource
}

// NewMockDispatcher creates a MockDispatcher with the given per-step delay and random source.
func NewMockDispatcher(delay time.Duration, rnd RandomSource) *MockDispatcher {
	if rnd == nil {
		rnd = NewRandomSource(0)
	}
	return &MockDispatcher{Delay: delay, Rand: rnd}
}

func (d *MockDispatcher) Dispatch(ctx context.Context, _ Node, task catalog.TaskDefinition) (StepOutcome, error) {
	if err := sleepContext(ctx, d.Delay); err != nil {
		return StepOutcome{}, err
	}
	draw := d.Rand.Float64() * 100
	if draw < task.SuccessRate {
		return StepOutcome{Passed: true, Output: mockOutput(task)}, nil
	}
	return StepOutcome{Error: simulatedFailure}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// mockOutput returns the task's sample output, or placeholder values derived from its
// declared outputs when the catalog entry carries none.
func mockOutput(task catalog.TaskDefinition) map[string]any {
	out := make(map[string]any, len(task.Outputs))
	if len(task.SampleOutput) > 0 {
		for k, v := range task.SampleOutput {
			out[k] = v
		}
		return out
	}
	for _, f := range task.Outputs {
		out[f.Name] = placeholder(f)
	}
	return out
}

// mockInput merges the node's parameters over the task's sample input.
func mockInput(node Node, task catalog.TaskDefinition) map[string]any {
	in := make(map[string]any, len(task.Inputs))
	for k, v := range task.SampleInput {
		in[k] = v
	}
	for _, f := range task.Inputs {
		if _, ok := in[f.Name]; !ok && f.Required {
			in[f.Name] = placeholder(f)
		}
	}
	for k, p := range node.Params {
		in[k] = p.Value()
	}
	return in
}

func placeholder(f catalog.Field) any {
	switch f.Type {
	case "number":
		return 0.0
	case "boolean":
		return true
	case "file":
		return f.Name + ".pdf"
	default:
		return "sample " + f.Name
	}
}
