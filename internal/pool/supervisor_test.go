package pool

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/corvid-labs/autopilot/internal/executor"
	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/task"
)

// fastRetry keeps scripted failures from sitting in backoff sleeps.
func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         time.Millisecond,
		MaxElapsedTime:      20 * time.Millisecond,
		Multiplier:          1,
		RandomizationFactor: 0,
	}
}

type supFixture struct {
	st   *store.SQLiteStore
	pool *Pool
	reg  *executor.Registry
	esc  *Escalator
}

func newSupFixture(t *testing.T, escCfg EscalatorConfig) *supFixture {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return &supFixture{
		st:   st,
		pool: New(1, Capability{}, nil),
		reg:  executor.NewRegistry(),
		esc:  NewEscalator(escCfg, st, nil, nil),
	}
}

func (f *supFixture) supervisor(t *testing.T, cfg SupervisorConfig) *Supervisor {
	t.Helper()
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = fastRetry()
	}
	return NewSupervisor(cfg, f.pool, f.st, f.reg, f.esc, nil, nil)
}

// startTask creates a task, moves it to in_progress, and reserves the
// single agent for it, mirroring what the scheduler does before Run.
func (f *supFixture) startTask(t *testing.T, id string) (*Agent, *task.Task) {
	t.Helper()
	ctx := context.Background()
	if err := f.st.CreateTask(ctx, &task.Task{ID: id, Title: "work", Status: task.StatusPending}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	tk, err := f.st.Transition(ctx, id, task.StatusInProgress, store.TransitionOptions{Reason: "scheduled"})
	if err != nil {
		t.Fatalf("transition to in_progress: %v", err)
	}
	agent := f.pool.TryReserve(tk)
	if agent == nil {
		t.Fatal("no agent available")
	}
	return agent, tk
}

func TestSupervisorSuccess(t *testing.T) {
	f := newSupFixture(t, DefaultEscalatorConfig())
	f.reg.Register(executor.NewScriptedExecutor("claude", executor.ScriptStep{
		Result: executor.Result{Success: true, Output: "done"},
	}))
	sup := f.supervisor(t, SupervisorConfig{Providers: []string{"claude"}})

	agent, tk := f.startTask(t, "t1")
	out := sup.Run(context.Background(), agent, tk)

	if out.Final != task.StatusNeedsReview {
		t.Fatalf("final = %s, want needs_review", out.Final)
	}
	got, err := f.st.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusNeedsReview {
		t.Errorf("stored status = %s, want needs_review", got.Status)
	}
	if f.pool.Available() != 1 {
		t.Error("agent not released after success")
	}
	if f.esc.Attempts("t1") != 0 {
		t.Error("escalator state not reset after success")
	}

	attempts, err := f.st.RecentAttempts(context.Background(), "t1", time.Hour, 10)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Errorf("recorded %d attempts, want 1", len(attempts))
	}
}

func TestSupervisorTaskFailureRetriesWithBackoff(t *testing.T) {
	f := newSupFixture(t, DefaultEscalatorConfig())
	f.reg.Register(executor.NewScriptedExecutor("claude", executor.ScriptStep{
		Result: executor.Result{Success: false, Error: "tests failed"},
	}))
	sup := f.supervisor(t, SupervisorConfig{Providers: []string{"claude"}})

	agent, tk := f.startTask(t, "t1")
	out := sup.Run(context.Background(), agent, tk)

	if out.Final != task.StatusPending {
		t.Fatalf("final = %s, want pending", out.Final)
	}
	got, _ := f.st.GetTask(context.Background(), "t1")
	if got.Status != task.StatusPending {
		t.Errorf("stored status = %s, want pending", got.Status)
	}
	if got.BackoffUntil == nil || !got.BackoffUntil.After(time.Now().UTC()) {
		t.Error("expected a future backoff window")
	}
	if len(got.Blockers) == 0 || !strings.Contains(got.Blockers[0], "tests failed") {
		t.Errorf("blockers = %v, want the failure recorded", got.Blockers)
	}
	if f.pool.Available() != 1 {
		t.Error("agent not released after failure")
	}
}

func TestSupervisorFailoverOnCapacity(t *testing.T) {
	f := newSupFixture(t, DefaultEscalatorConfig())
	primary := executor.NewScriptedExecutor("claude", executor.ScriptStep{
		Err: executor.ErrCapacityExhausted,
	})
	secondary := executor.NewScriptedExecutor("codex", executor.ScriptStep{
		Result: executor.Result{Success: true, Output: "done via fallback"},
	})
	f.reg.Register(primary)
	f.reg.Register(secondary)
	sup := f.supervisor(t, SupervisorConfig{Providers: []string{"claude", "codex"}})

	agent, tk := f.startTask(t, "t1")
	out := sup.Run(context.Background(), agent, tk)

	if out.Final != task.StatusNeedsReview {
		t.Fatalf("final = %s, want needs_review", out.Final)
	}
	if primary.Calls() == 0 || secondary.Calls() == 0 {
		t.Errorf("failover did not reach both providers: claude=%d codex=%d",
			primary.Calls(), secondary.Calls())
	}

	n, err := f.st.CountContextEntries(context.Background(), "t1", task.EntryCapacity, "claude")
	if err != nil {
		t.Fatalf("CountContextEntries: %v", err)
	}
	if n != 1 {
		t.Errorf("capacity entries for claude = %d, want 1", n)
	}
}

func TestSupervisorAllProvidersExhausted(t *testing.T) {
	f := newSupFixture(t, DefaultEscalatorConfig())
	f.reg.Register(executor.NewScriptedExecutor("claude", executor.ScriptStep{Err: executor.ErrCapacityExhausted}))
	f.reg.Register(executor.NewScriptedExecutor("codex", executor.ScriptStep{Err: executor.ErrCapacityExhausted}))
	sup := f.supervisor(t, SupervisorConfig{Providers: []string{"claude", "codex"}})

	agent, tk := f.startTask(t, "t1")
	out := sup.Run(context.Background(), agent, tk)

	if out.Final != task.StatusBlocked {
		t.Fatalf("final = %s, want blocked", out.Final)
	}
	got, _ := f.st.GetTask(context.Background(), "t1")
	if len(got.Blockers) != 1 || got.Blockers[0] != BlockerAllProvidersExhausted {
		t.Errorf("blockers = %v, want [%s]", got.Blockers, BlockerAllProvidersExhausted)
	}
	if f.pool.Available() != 1 {
		t.Error("agent not released")
	}
}

func TestSupervisorTimeout(t *testing.T) {
	f := newSupFixture(t, DefaultEscalatorConfig())
	f.reg.Register(executor.NewScriptedExecutor("claude", executor.ScriptStep{
		Delay:  5 * time.Second,
		Result: executor.Result{Success: true},
	}))
	sup := f.supervisor(t, SupervisorConfig{
		Providers: []string{"claude"},
		Timeout:   50 * time.Millisecond,
	})

	agent, tk := f.startTask(t, "t1")
	start := time.Now()
	out := sup.Run(context.Background(), agent, tk)

	if !out.TimedOut {
		t.Fatal("expected TimedOut outcome")
	}
	if out.Final != task.StatusPending {
		t.Fatalf("final = %s, want pending", out.Final)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout enforcement took %s", elapsed)
	}
	got, _ := f.st.GetTask(context.Background(), "t1")
	if got.BackoffUntil == nil {
		t.Error("timed-out task must carry a backoff window")
	}
}

func TestSupervisorCircuitBreak(t *testing.T) {
	f := newSupFixture(t, EscalatorConfig{IdenticalFailures: 1, MaxAttempts: 1})
	f.reg.Register(executor.NewScriptedExecutor("claude", executor.ScriptStep{
		Result: executor.Result{Success: false, Error: "unrecoverable"},
	}))
	sup := f.supervisor(t, SupervisorConfig{Providers: []string{"claude"}})

	agent, tk := f.startTask(t, "t1")
	out := sup.Run(context.Background(), agent, tk)

	if out.Final != task.StatusFailed {
		t.Fatalf("final = %s, want failed", out.Final)
	}
	got, _ := f.st.GetTask(context.Background(), "t1")
	if got.Status != task.StatusFailed {
		t.Errorf("stored status = %s, want failed", got.Status)
	}
	if f.pool.Available() != 1 {
		t.Error("agent not released after circuit break")
	}
}

func TestSupervisorUnknownProviderSkipped(t *testing.T) {
	f := newSupFixture(t, DefaultEscalatorConfig())
	f.reg.Register(executor.NewScriptedExecutor("codex", executor.ScriptStep{
		Result: executor.Result{Success: true},
	}))
	sup := f.supervisor(t, SupervisorConfig{Providers: []string{"ghost", "codex"}})

	agent, tk := f.startTask(t, "t1")
	out := sup.Run(context.Background(), agent, tk)

	if out.Final != task.StatusNeedsReview {
		t.Fatalf("final = %s, want needs_review", out.Final)
	}
}
