package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corvid-labs/autopilot/internal/task"
)

func pending(id string) *task.Task {
	return &task.Task{ID: id, Status: task.StatusPending}
}

func TestReserveImmediateGrant(t *testing.T) {
	p := New(2, Capability{}, nil)

	r := p.Reserve(pending("t1"))
	agent, err := r.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if agent == nil || agent.CurrentTaskID != "t1" {
		t.Fatalf("unexpected grant: %+v", agent)
	}
	if p.Available() != 1 {
		t.Errorf("Available = %d, want 1", p.Available())
	}
}

func TestReserveQueuesFIFO(t *testing.T) {
	p := New(1, Capability{}, nil)

	first, err := p.Reserve(pending("t1")).Await(context.Background())
	if err != nil {
		t.Fatalf("first Await: %v", err)
	}

	r2 := p.Reserve(pending("t2"))
	r3 := p.Reserve(pending("t3"))

	p.Release(first.ID)
	agent2, err := r2.Await(context.Background())
	if err != nil {
		t.Fatalf("second Await: %v", err)
	}
	if agent2.CurrentTaskID != "t2" {
		t.Errorf("queue order violated: agent holds %s, want t2", agent2.CurrentTaskID)
	}

	p.Release(agent2.ID)
	agent3, err := r3.Await(context.Background())
	if err != nil {
		t.Fatalf("third Await: %v", err)
	}
	if agent3.CurrentTaskID != "t3" {
		t.Errorf("queue order violated: agent holds %s, want t3", agent3.CurrentTaskID)
	}
}

func TestReserveAtMostOneAgentPerTask(t *testing.T) {
	p := New(2, Capability{}, nil)

	if _, err := p.Reserve(pending("t1")).Await(context.Background()); err != nil {
		t.Fatalf("first Await: %v", err)
	}
	_, err := p.Reserve(pending("t1")).Await(context.Background())
	if err == nil {
		t.Fatal("second reservation for the same task must fail")
	}
}

func TestAwaitContextExpiryCancelsReservation(t *testing.T) {
	p := New(1, Capability{}, nil)
	holder, _ := p.Reserve(pending("t1")).Await(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Reserve(pending("t2")).Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	// The expired reservation must not consume the released agent.
	p.Release(holder.ID)
	if p.Available() != 1 {
		t.Errorf("agent leaked to an expired reservation: available = %d", p.Available())
	}
}

func TestCancelResolvesQueuedReservation(t *testing.T) {
	p := New(1, Capability{}, nil)
	p.Reserve(pending("t1"))

	r := p.Reserve(pending("t2"))
	r.Cancel()
	_, err := r.Await(context.Background())
	if !errors.Is(err, ErrReservationCancelled) {
		t.Fatalf("expected ErrReservationCancelled, got %v", err)
	}
}

func TestCapabilityAccepts(t *testing.T) {
	tests := []struct {
		name string
		cap  Capability
		task *task.Task
		want bool
	}{
		{"unlimited accepts anything", Capability{}, &task.Task{EstimatedComplexity: 100}, true},
		{"complexity within limit", Capability{MaxComplexity: 5}, &task.Task{EstimatedComplexity: 5}, true},
		{"complexity over limit", Capability{MaxComplexity: 5}, &task.Task{EstimatedComplexity: 6}, false},
		{"domain match", Capability{Domains: []string{"backend"}},
			&task.Task{Metadata: map[string]string{task.MetaDomain: "backend"}}, true},
		{"domain mismatch", Capability{Domains: []string{"backend"}},
			&task.Task{Metadata: map[string]string{task.MetaDomain: "frontend"}}, false},
		{"untagged task matches any domain", Capability{Domains: []string{"backend"}}, &task.Task{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cap.Accepts(tt.task); got != tt.want {
				t.Errorf("Accepts = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueueSkipsUnservableReservations(t *testing.T) {
	p := NewWithAgents([]Agent{
		{ID: "backend-1", Capability: Capability{Domains: []string{"backend"}}},
	}, nil)

	holder, _ := p.Reserve(&task.Task{ID: "t1",
		Metadata: map[string]string{task.MetaDomain: "backend"}}).Await(context.Background())

	// Head of queue needs a frontend agent that does not exist; the
	// backend task behind it must still be served on release.
	frontend := p.Reserve(&task.Task{ID: "t2",
		Metadata: map[string]string{task.MetaDomain: "frontend"}})
	backend := p.Reserve(&task.Task{ID: "t3",
		Metadata: map[string]string{task.MetaDomain: "backend"}})

	p.Release(holder.ID)

	agent, err := backend.Await(context.Background())
	if err != nil {
		t.Fatalf("backend Await: %v", err)
	}
	if agent.CurrentTaskID != "t3" {
		t.Errorf("agent holds %s, want t3", agent.CurrentTaskID)
	}
	frontend.Cancel()
}

func TestTryReserve(t *testing.T) {
	p := New(1, Capability{}, nil)

	a := p.TryReserve(pending("t1"))
	if a == nil {
		t.Fatal("TryReserve should grant the idle agent")
	}
	if p.TryReserve(pending("t2")) != nil {
		t.Fatal("TryReserve with no idle agent should return nil")
	}
	if p.TryReserve(pending("t1")) != nil {
		t.Fatal("TryReserve must not double-assign a task")
	}

	p.Release(a.ID)
	if p.TryReserve(pending("t2")) == nil {
		t.Fatal("TryReserve should grant after release")
	}
}

func TestUtilizationAndSnapshot(t *testing.T) {
	p := New(2, Capability{}, nil)
	if p.Utilization() != 0 {
		t.Errorf("idle pool utilization = %v, want 0", p.Utilization())
	}

	p.TryReserve(pending("t1"))
	if p.Utilization() != 0.5 {
		t.Errorf("utilization = %v, want 0.5", p.Utilization())
	}

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d agents, want 2", len(snap))
	}
	busy := 0
	for _, s := range snap {
		if s.Busy {
			busy++
			if s.CurrentTaskID != "t1" {
				t.Errorf("busy agent holds %q, want t1", s.CurrentTaskID)
			}
		}
	}
	if busy != 1 {
		t.Errorf("snapshot shows %d busy agents, want 1", busy)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p := New(1, Capability{}, nil)
	a := p.TryReserve(pending("t1"))

	p.Release(a.ID)
	p.Release(a.ID)
	if p.Available() != 1 {
		t.Errorf("Available = %d, want 1", p.Available())
	}
}
