package task

import (
	"testing"
	"time"
)

// TestCanTransition tests the status graph edge by edge.
func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to in_progress", StatusPending, StatusInProgress, true},
		{"pending to blocked", StatusPending, StatusBlocked, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"pending to done skips review", StatusPending, StatusDone, false},
		{"pending to needs_review", StatusPending, StatusNeedsReview, false},
		{"in_progress to needs_review", StatusInProgress, StatusNeedsReview, true},
		{"in_progress to blocked", StatusInProgress, StatusBlocked, true},
		{"in_progress to pending", StatusInProgress, StatusPending, true},
		{"in_progress to done skips review", StatusInProgress, StatusDone, false},
		{"blocked to pending", StatusBlocked, StatusPending, true},
		{"blocked to in_progress", StatusBlocked, StatusInProgress, false},
		{"blocked to done", StatusBlocked, StatusDone, false},
		{"needs_review to done", StatusNeedsReview, StatusDone, true},
		{"needs_review to pending", StatusNeedsReview, StatusPending, true},
		{"needs_review to failed", StatusNeedsReview, StatusFailed, true},
		{"done is terminal", StatusDone, StatusPending, false},
		{"failed is terminal", StatusFailed, StatusPending, false},
		{"self transition rejected", StatusPending, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusInProgress, StatusBlocked, StatusNeedsReview} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusDone, StatusFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestPriorityWeight(t *testing.T) {
	order := []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Weight() <= order[i-1].Weight() {
			t.Errorf("%s weight %v should exceed %s weight %v",
				order[i], order[i].Weight(), order[i-1], order[i-1].Weight())
		}
	}
	if Priority("bogus").Weight() != PriorityNormal.Weight() {
		t.Errorf("unknown priority should score as normal")
	}
}

func TestInBackoff(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	if (&Task{}).InBackoff(now) {
		t.Error("task without backoff should not be in backoff")
	}
	if !(&Task{BackoffUntil: &future}).InBackoff(now) {
		t.Error("task with future backoff should be in backoff")
	}
	if (&Task{BackoffUntil: &past}).InBackoff(now) {
		t.Error("task with expired backoff should not be in backoff")
	}
}

func TestClone(t *testing.T) {
	until := time.Now().Add(time.Hour)
	orig := &Task{
		ID:           "t1",
		Dependencies: []string{"a", "b"},
		Blockers:     []string{"x"},
		Metadata:     map[string]string{"k": "v"},
		BackoffUntil: &until,
	}

	cp := orig.Clone()
	cp.Dependencies[0] = "changed"
	cp.Blockers[0] = "changed"
	cp.Metadata["k"] = "changed"
	*cp.BackoffUntil = time.Time{}

	if orig.Dependencies[0] != "a" || orig.Blockers[0] != "x" || orig.Metadata["k"] != "v" {
		t.Error("mutating clone leaked into original")
	}
	if orig.BackoffUntil.IsZero() {
		t.Error("mutating clone backoff leaked into original")
	}
	if (*Task)(nil).Clone() != nil {
		t.Error("nil clone should stay nil")
	}
}

func TestMetaHelpers(t *testing.T) {
	tk := &Task{Metadata: map[string]string{MetaDomain: "backend"}}
	if tk.Domain() != "backend" {
		t.Errorf("Domain() = %q, want backend", tk.Domain())
	}
	if (&Task{}).Meta(MetaDomain) != "" {
		t.Error("Meta on nil map should return empty string")
	}
}
