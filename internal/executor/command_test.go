package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// shExecutor builds a CommandExecutor that runs a shell snippet. The
// snippet ignores the -p/--model/--session-id args appended by buildArgs.
func shExecutor(script string, tracker *ProcessTracker) *CommandExecutor {
	return NewCommandExecutor(CommandConfig{
		Provider: "test",
		Command:  "sh",
		Args:     []string{"-c", script, "sh"},
	}, tracker)
}

func TestCommandExecutorSuccess(t *testing.T) {
	e := shExecutor("echo done", nil)
	res, err := e.Execute(context.Background(), Request{TaskID: "t1", Payload: "work"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.Output, "done") {
		t.Errorf("stdout not captured: %q", res.Output)
	}
}

func TestCommandExecutorFailure(t *testing.T) {
	e := shExecutor("echo broken >&2; exit 3", nil)
	res, err := e.Execute(context.Background(), Request{TaskID: "t1"})
	// An ordinary non-zero exit is a task failure, not an infra error.
	if err != nil {
		t.Fatalf("expected nil error for ordinary failure, got %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if res.Error == "" {
		t.Error("failure should carry the exit error")
	}
}

func TestCommandExecutorCapacity(t *testing.T) {
	e := shExecutor("echo 'error: rate limit exceeded' >&2; exit 1", nil)
	_, err := e.Execute(context.Background(), Request{TaskID: "t1"})
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
}

func TestCommandExecutorTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	e := shExecutor("sleep 5", nil)
	start := time.Now()
	_, err := e.Execute(ctx, Request{TaskID: "t1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("process group was not killed on deadline")
	}
}

func TestCommandExecutorWorkDir(t *testing.T) {
	dir := t.TempDir()
	e := shExecutor("pwd", nil)
	res, err := e.Execute(context.Background(), Request{TaskID: "t1", WorkDir: dir})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, dir) {
		t.Errorf("expected pwd %q in output %q", dir, res.Output)
	}
}

func TestScriptedExecutorReplay(t *testing.T) {
	e := NewScriptedExecutor("scripted",
		ScriptStep{Result: Result{Error: "boom"}},
		ScriptStep{Result: Result{Success: true, Output: "ok"}},
	)

	res, err := e.Execute(context.Background(), Request{})
	if err != nil || res.Success {
		t.Fatalf("first step should fail, got %+v err %v", res, err)
	}
	res, err = e.Execute(context.Background(), Request{})
	if err != nil || !res.Success {
		t.Fatalf("second step should succeed, got %+v err %v", res, err)
	}
	// The last step repeats once the script is exhausted.
	res, _ = e.Execute(context.Background(), Request{})
	if !res.Success {
		t.Fatal("exhausted script should repeat the last step")
	}
	if e.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", e.Calls())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewScriptedExecutor("alpha"))
	r.Register(NewScriptedExecutor("beta"))

	if _, err := r.Get("alpha"); err != nil {
		t.Fatalf("Get(alpha): %v", err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("Get(missing) should fail")
	}
	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 entries", names)
	}
}

func TestProcessTrackerKillAll(t *testing.T) {
	tracker := NewProcessTracker()
	e := shExecutor("sleep 30", tracker)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Execute(context.Background(), Request{TaskID: "t1"})
	}()

	// Wait for the subprocess to register.
	deadline := time.Now().Add(2 * time.Second)
	for tracker.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subprocess never tracked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := tracker.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Execute did not return after KillAll")
	}
	if tracker.Count() != 0 {
		t.Errorf("tracker still holds %d processes", tracker.Count())
	}
}
