package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// capacityMarkers are stderr fragments that identify a provider reporting
// quota or rate-limit exhaustion rather than a task failure.
var capacityMarkers = []string{
	"rate limit",
	"rate_limit",
	"429",
	"quota exceeded",
	"capacity",
	"overloaded",
}

// CommandConfig describes a CLI-backed provider.
type CommandConfig struct {
	Provider string   // registry name
	Command  string   // binary to invoke
	Args     []string // base args prepended to every invocation
	Model    string   // default model when the request carries none
}

// CommandExecutor runs tasks through an external CLI backend as a
// subprocess per invocation. The payload is passed via -p and the model,
// session, and working directory come from the request.
type CommandExecutor struct {
	cfg     CommandConfig
	tracker *ProcessTracker
}

// NewCommandExecutor creates a subprocess executor. The tracker is
// optional; without it subprocesses are not covered by shutdown KillAll.
func NewCommandExecutor(cfg CommandConfig, tracker *ProcessTracker) *CommandExecutor {
	return &CommandExecutor{cfg: cfg, tracker: tracker}
}

// Name returns the provider name this executor is registered under.
func (e *CommandExecutor) Name() string {
	return e.cfg.Provider
}

// Execute invokes the backend and classifies the outcome. A context
// deadline kills the process group and surfaces context.DeadlineExceeded;
// capacity markers in the output surface ErrCapacityExhausted so the pool
// can fail over.
func (e *CommandExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	args := e.buildArgs(req)
	cmd := newCommand(ctx, e.cfg.Command, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	start := time.Now()
	stdout, stderr, err := runCommand(ctx, cmd, e.tracker)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Result{Duration: duration, Error: "execution terminated: " + err.Error()}, err
		}
		combined := strings.ToLower(string(stdout) + " " + string(stderr) + " " + err.Error())
		for _, marker := range capacityMarkers {
			if strings.Contains(combined, marker) {
				return Result{Duration: duration, Error: err.Error()},
					fmt.Errorf("%s: %w", e.cfg.Provider, ErrCapacityExhausted)
			}
		}
		return Result{Duration: duration, Output: string(stdout), Error: err.Error()}, nil
	}

	return Result{Success: true, Output: string(stdout), Duration: duration}, nil
}

func (e *CommandExecutor) buildArgs(req Request) []string {
	args := append([]string(nil), e.cfg.Args...)
	args = append(args, "-p", req.Payload)

	model := req.Model
	if model == "" {
		model = e.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}
	return args
}
