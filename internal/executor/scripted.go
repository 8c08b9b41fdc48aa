package executor

import (
	"context"
	"sync"
	"time"
)

// ScriptedExecutor replays a fixed sequence of outcomes. It exists for
// tests and dry runs; once the script is exhausted the last step repeats.
type ScriptedExecutor struct {
	name  string
	mu    sync.Mutex
	steps []ScriptStep
	calls int
}

// ScriptStep is one scripted outcome. A non-nil Err is returned alongside
// the result, a positive Delay blocks (honoring ctx) before responding.
type ScriptStep struct {
	Result Result
	Err    error
	Delay  time.Duration
}

// NewScriptedExecutor creates a scripted executor registered under name.
func NewScriptedExecutor(name string, steps ...ScriptStep) *ScriptedExecutor {
	return &ScriptedExecutor{name: name, steps: steps}
}

func (e *ScriptedExecutor) Name() string {
	return e.name
}

// Calls returns how many times Execute has been invoked.
func (e *ScriptedExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *ScriptedExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	e.mu.Lock()
	idx := e.calls
	e.calls++
	if idx >= len(e.steps) {
		idx = len(e.steps) - 1
	}
	var step ScriptStep
	if idx >= 0 {
		step = e.steps[idx]
	}
	e.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return Result{Error: ctx.Err().Error()}, ctx.Err()
		}
	}
	return step.Result, step.Err
}
