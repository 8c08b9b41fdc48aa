package loopdetect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/task"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createTask(t *testing.T, st *store.SQLiteStore, id string) {
	t.Helper()
	if err := st.CreateTask(context.Background(), &task.Task{ID: id, Title: "work", Status: task.StatusPending}); err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func recordAttempts(t *testing.T, st *store.SQLiteStore, taskID string, n int, blockers []string, summary string) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := st.RecordAttempt(context.Background(), &task.AttemptRecord{
			TaskID:          taskID,
			StatusAtAttempt: task.StatusInProgress,
			Blockers:        blockers,
			Summary:         summary,
			SessionID:       fmt.Sprintf("session-%d", i),
		})
		if err != nil {
			t.Fatalf("record attempt %d: %v", i, err)
		}
	}
}

func markDone(t *testing.T, st *store.SQLiteStore, id string) {
	t.Helper()
	ctx := context.Background()
	for _, s := range []task.Status{task.StatusInProgress, task.StatusNeedsReview, task.StatusDone} {
		if _, err := st.Transition(ctx, id, s, store.TransitionOptions{Reason: "test"}); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestDetectCompletedRevisit(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	markDone(t, st, "t1")
	recordAttempts(t, st, "t1", 1, nil, "touched files again")

	d := NewDetector(st, DefaultConfig())
	v, err := d.Detect(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !v.Looping || v.LoopType != LoopCompletedRevisit {
		t.Fatalf("verdict = %+v, want completed_task_revisit", v)
	}
	if v.Recommendation != RecommendForceNext {
		t.Errorf("recommendation = %s, want force_next", v.Recommendation)
	}
}

func TestDetectBlockedSpin(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	recordAttempts(t, st, "t1", 3, []string{"missing API key", "no network"}, "")

	d := NewDetector(st, DefaultConfig())
	v, err := d.Detect(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !v.Looping || v.LoopType != LoopBlockedSpin {
		t.Fatalf("verdict = %+v, want blocked_task_spin", v)
	}
	if v.Recommendation != RecommendUnblockAuthority {
		t.Errorf("recommendation = %s, want unblock_authority", v.Recommendation)
	}
}

func TestDetectBlockedSpinIgnoresBlockerOrder(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	recordAttempts(t, st, "t1", 1, []string{"a", "b"}, "")
	recordAttempts(t, st, "t1", 1, []string{"b", "a"}, "")
	recordAttempts(t, st, "t1", 1, []string{"a", "b"}, "")

	d := NewDetector(st, DefaultConfig())
	v, err := d.Detect(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !v.Looping || v.LoopType != LoopBlockedSpin {
		t.Fatalf("verdict = %+v, want blocked_task_spin regardless of blocker order", v)
	}
}

func TestDetectNoProgressRepeat(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	recordAttempts(t, st, "t1", 5, nil, "modified main.go, tests still red")

	d := NewDetector(st, DefaultConfig())
	v, err := d.Detect(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !v.Looping || v.LoopType != LoopNoProgress {
		t.Fatalf("verdict = %+v, want no_progress_repeat", v)
	}
	if v.Recommendation != RecommendForceNext {
		t.Errorf("recommendation = %s, want force_next", v.Recommendation)
	}
}

func TestDetectNotLoopingWhenAttemptsDiffer(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	recordAttempts(t, st, "t1", 1, []string{"blocker one"}, "step one")
	recordAttempts(t, st, "t1", 1, []string{"blocker two"}, "step two")
	recordAttempts(t, st, "t1", 1, []string{"blocker three"}, "step three")

	d := NewDetector(st, DefaultConfig())
	v, err := d.Detect(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if v.Looping {
		t.Fatalf("differing attempts classified as loop: %+v", v)
	}
}

func TestDetectBelowThresholdIsNotLooping(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	recordAttempts(t, st, "t1", 2, []string{"same blocker"}, "")

	d := NewDetector(st, DefaultConfig())
	v, err := d.Detect(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if v.Looping {
		t.Fatalf("two identical attempts should be under the spin threshold: %+v", v)
	}
}

func TestDetectCustomThresholds(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")
	recordAttempts(t, st, "t1", 2, []string{"same blocker"}, "")

	d := NewDetector(st, Config{BlockerThreshold: 2, Window: time.Hour})
	v, err := d.Detect(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !v.Looping || v.LoopType != LoopBlockedSpin {
		t.Fatalf("verdict = %+v, want blocked_task_spin at threshold 2", v)
	}
}

func TestDetectNoHistory(t *testing.T) {
	st := newTestStore(t)
	createTask(t, st, "t1")

	d := NewDetector(st, DefaultConfig())
	v, err := d.Detect(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if v.Looping || v.Recommendation != RecommendNone {
		t.Fatalf("fresh task classified as loop: %+v", v)
	}
}
