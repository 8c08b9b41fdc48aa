package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// newCommand creates an exec.Cmd in its own process group so the whole
// subprocess tree can be terminated together.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// runCommand starts cmd, drains stdout and stderr concurrently, and waits.
// Draining before Wait prevents deadlock when output exceeds the pipe
// buffer. If ctx expires while the command runs, the entire process group
// is killed, not just the direct child.
func runCommand(ctx context.Context, cmd *exec.Cmd, tracker *ProcessTracker) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting command: %w", err)
	}

	if tracker != nil {
		tracker.Track(cmd)
		defer tracker.Untrack(cmd)
	}

	// Watchdog: escalate context cancellation to a process-group SIGKILL.
	// exec.CommandContext only kills the direct child, which leaves
	// grandchildren holding the pipes open.
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = killProcessGroup(cmd)
		case <-watchdogDone:
		}
	}()

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	close(watchdogDone)

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout, stderr, ctxErr
		}
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}

// killProcessGroup sends SIGKILL to the command's entire process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing process group: %w", err)
	}
	return nil
}

// ProcessTracker records every live executor subprocess so shutdown can
// terminate them all. Orphaned executor processes after the engine exits
// are a correctness bug, same as leaked agents.
type ProcessTracker struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessTracker creates an empty tracker.
func NewProcessTracker() *ProcessTracker {
	return &ProcessTracker{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (pt *ProcessTracker) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a finished subprocess.
func (pt *ProcessTracker) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked process group. Called once at shutdown.
func (pt *ProcessTracker) KillAll() error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var errs []error
	for pid, cmd := range pt.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("killing process %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of tracked processes.
func (pt *ProcessTracker) Count() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.procs)
}
