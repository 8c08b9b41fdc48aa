// Package gates runs the quality checks that stand between a completed
// execution and a done task. Gates run in a fixed configured order; a
// failing gate decides whether the task retries, fails, or spawns a
// remediation task.
package gates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/corvid-labs/autopilot/internal/task"
)

// Result is one gate's verdict on one task.
type Result struct {
	Name      string
	Passed    bool
	Details   string
	Retryable bool // false means the failure is fatal for this attempt
}

// Artifact is what the executor produced, handed to each gate.
type Artifact struct {
	TaskID   string
	Output   string
	WorkDir  string
	Provider string
}

// Gate is a single quality check.
type Gate interface {
	Name() string
	Check(ctx context.Context, t *task.Task, a *Artifact) Result
}

// CommandGate runs a shell command in the artifact's working directory.
// Exit code zero passes. Non-zero exits are retryable; a command that
// cannot be started at all is fatal.
type CommandGate struct {
	GateName string
	Command  string
	Args     []string
	Timeout  time.Duration
}

func (g *CommandGate) Name() string { return g.GateName }

func (g *CommandGate) Check(ctx context.Context, _ *task.Task, a *Artifact) Result {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, g.Command, g.Args...)
	if a.WorkDir != "" {
		cmd.Dir = a.WorkDir
	}
	out, err := cmd.CombinedOutput()
	if err == nil {
		return Result{Name: g.GateName, Passed: true}
	}

	details := strings.TrimSpace(string(out))
	if details == "" {
		details = err.Error()
	}
	if cmdCtx.Err() == context.DeadlineExceeded {
		return Result{
			Name:      g.GateName,
			Details:   fmt.Sprintf("timed out after %s", timeout),
			Retryable: true,
		}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// Command missing or not executable. Retrying cannot help.
		return Result{Name: g.GateName, Details: details, Retryable: false}
	}
	return Result{Name: g.GateName, Details: truncateDetails(details), Retryable: true}
}

// ProbeGate scans the executor's output for forbidden markers, catching
// agents that report success while their transcript admits failure.
type ProbeGate struct {
	GateName string
	// Forbidden markers are matched case-insensitively.
	Forbidden []string
}

func (g *ProbeGate) Name() string { return g.GateName }

func (g *ProbeGate) Check(_ context.Context, _ *task.Task, a *Artifact) Result {
	lower := strings.ToLower(a.Output)
	for _, marker := range g.Forbidden {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return Result{
				Name:      g.GateName,
				Details:   fmt.Sprintf("output contains %q", marker),
				Retryable: true,
			}
		}
	}
	return Result{Name: g.GateName, Passed: true}
}

// ArtifactGate verifies that declared output paths exist and are non-empty.
// Missing artifacts after a reported success are fatal: the executor
// claimed work it did not do.
type ArtifactGate struct {
	GateName string
	Paths    []string
}

func (g *ArtifactGate) Name() string { return g.GateName }

func (g *ArtifactGate) Check(_ context.Context, _ *task.Task, a *Artifact) Result {
	for _, p := range g.Paths {
		full := p
		if a.WorkDir != "" && !strings.HasPrefix(p, "/") {
			full = a.WorkDir + "/" + p
		}
		info, err := os.Stat(full)
		if err != nil {
			return Result{
				Name:      g.GateName,
				Details:   fmt.Sprintf("missing artifact %s", p),
				Retryable: false,
			}
		}
		if info.Size() == 0 {
			return Result{
				Name:      g.GateName,
				Details:   fmt.Sprintf("empty artifact %s", p),
				Retryable: false,
			}
		}
	}
	return Result{Name: g.GateName, Passed: true}
}

func truncateDetails(s string) string {
	const max = 800
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
