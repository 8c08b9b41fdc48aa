package loopdetect

import (
	"context"
	"testing"
	"time"

	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/task"
)

func TestApplyNotLoopingIsNoop(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	r := NewRecovery(st, nil, nil)

	applied, err := r.Apply(context.Background(), Verdict{TaskID: "t1", Looping: false})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied != RecommendNone {
		t.Errorf("applied = %s, want none", applied)
	}
	trail, err := st.ContextTrail(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ContextTrail: %v", err)
	}
	if len(trail) != 1 { // creation entry only
		t.Errorf("trail has %d entries, want 1", len(trail))
	}
}

func TestApplyForceNextOnDoneTask(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	markDone(t, st, "t1")
	recordAttempts(t, st, "t1", 3, nil, "redoing finished work")
	r := NewRecovery(st, nil, nil)

	applied, err := r.Apply(context.Background(), Verdict{
		TaskID:         "t1",
		Looping:        true,
		LoopType:       LoopCompletedRevisit,
		Recommendation: RecommendForceNext,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied != RecommendForceNext {
		t.Fatalf("applied = %s, want force_next", applied)
	}

	got, err := st.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusDone {
		t.Errorf("status = %s, want done", got.Status)
	}
	if got.Meta(task.MetaForceSkipped) != string(LoopCompletedRevisit) {
		t.Errorf("force-skip marker = %q, want %q", got.Meta(task.MetaForceSkipped), LoopCompletedRevisit)
	}

	attempts, err := st.RecentAttempts(context.Background(), "t1", time.Hour, 10)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("attempt history not cleared: %d records remain", len(attempts))
	}
}

func TestApplyForceNextSealsPendingTask(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	recordAttempts(t, st, "t1", 5, nil, "same summary")
	r := NewRecovery(st, nil, nil)

	applied, err := r.Apply(context.Background(), Verdict{
		TaskID:         "t1",
		Looping:        true,
		LoopType:       LoopNoProgress,
		Recommendation: RecommendForceNext,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied != RecommendForceNext {
		t.Fatalf("applied = %s, want force_next", applied)
	}

	got, _ := st.GetTask(context.Background(), "t1")
	if got.Status != task.StatusDone {
		t.Errorf("status = %s, want done", got.Status)
	}
	if got.Meta(task.MetaForceSkipped) == "" {
		t.Error("force-skip marker missing")
	}
}

func TestApplyUnblockAuthorityThenEscalate(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	ctx := context.Background()
	if _, err := st.Transition(ctx, "t1", task.StatusBlocked, store.TransitionOptions{
		Reason:   "stuck",
		Blockers: []string{"missing API key"},
	}); err != nil {
		t.Fatalf("transition to blocked: %v", err)
	}
	r := NewRecovery(st, nil, nil)

	verdict := Verdict{
		TaskID:         "t1",
		Looping:        true,
		LoopType:       LoopBlockedSpin,
		Recommendation: RecommendUnblockAuthority,
		Detail:         "identical blocker set across 3 attempts",
	}

	// First occurrence grants authority and unblocks the task.
	applied, err := r.Apply(ctx, verdict)
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if applied != RecommendUnblockAuthority {
		t.Fatalf("first applied = %s, want unblock_authority", applied)
	}
	got, _ := st.GetTask(ctx, "t1")
	if got.Status != task.StatusPending {
		t.Errorf("status after grant = %s, want pending", got.Status)
	}
	if got.Meta(task.MetaUnblockAuthority) != "granted" {
		t.Errorf("authority marker = %q, want granted", got.Meta(task.MetaUnblockAuthority))
	}

	// The grant is one-shot: a recurrence escalates instead.
	applied, err = r.Apply(ctx, verdict)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if applied != RecommendEscalate {
		t.Fatalf("second applied = %s, want escalate", applied)
	}
	got, _ = st.GetTask(ctx, "t1")
	if got.Status != task.StatusBlocked {
		t.Errorf("status after escalation = %s, want blocked", got.Status)
	}
	if got.BackoffUntil == nil || !got.BackoffUntil.After(time.Now().UTC()) {
		t.Error("escalated task must carry a recheck window")
	}

	n, err := st.CountContextEntries(ctx, "t1", task.EntryRecovery, "unblock_authority_granted")
	if err != nil {
		t.Fatalf("CountContextEntries: %v", err)
	}
	if n != 1 {
		t.Errorf("authority granted %d times, want exactly 1", n)
	}
	n, err = st.CountContextEntries(ctx, "t1", task.EntryRecovery, "escalated")
	if err != nil {
		t.Fatalf("CountContextEntries: %v", err)
	}
	if n != 1 {
		t.Errorf("escalation directives = %d, want 1", n)
	}
}

func TestApplyUnblockAuthorityOnPendingTask(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	r := NewRecovery(st, nil, nil)

	applied, err := r.Apply(context.Background(), Verdict{
		TaskID:         "t1",
		Looping:        true,
		LoopType:       LoopBlockedSpin,
		Recommendation: RecommendUnblockAuthority,
		Detail:         "spin",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied != RecommendUnblockAuthority {
		t.Fatalf("applied = %s, want unblock_authority", applied)
	}
	got, _ := st.GetTask(context.Background(), "t1")
	if got.Status != task.StatusPending {
		t.Errorf("pending task must stay pending after grant, got %s", got.Status)
	}
}
