package graph

import (
	"strings"
	"testing"

	"github.com/corvid-labs/autopilot/internal/task"
)

func mk(id string, status task.Status, deps ...string) *task.Task {
	return &task.Task{ID: id, Status: status, Dependencies: deps}
}

// TestBuild tests graph validation with various structures.
func TestBuild(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []*task.Task
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			tasks: []*task.Task{
				mk("a", task.StatusPending),
				mk("b", task.StatusPending, "a"),
				mk("c", task.StatusPending, "b"),
			},
		},
		{
			name: "valid diamond",
			tasks: []*task.Task{
				mk("a", task.StatusPending),
				mk("b", task.StatusPending, "a"),
				mk("c", task.StatusPending, "a"),
				mk("d", task.StatusPending, "b", "c"),
			},
		},
		{
			name:  "empty snapshot",
			tasks: nil,
		},
		{
			name: "unknown dependency",
			tasks: []*task.Task{
				mk("a", task.StatusPending, "ghost"),
			},
			wantErr:     true,
			errContains: "unknown task",
		},
		{
			name: "duplicate id",
			tasks: []*task.Task{
				mk("a", task.StatusPending),
				mk("a", task.StatusPending),
			},
			wantErr:     true,
			errContains: "duplicate",
		},
		{
			name: "direct cycle",
			tasks: []*task.Task{
				mk("a", task.StatusPending, "b"),
				mk("b", task.StatusPending, "a"),
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			tasks: []*task.Task{
				mk("a", task.StatusPending, "c"),
				mk("b", task.StatusPending, "a"),
				mk("c", task.StatusPending, "b"),
			},
			wantErr:     true,
			errContains: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.tasks)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
		})
	}
}

func TestOrderRespectsDependencies(t *testing.T) {
	g, err := Build([]*task.Task{
		mk("a", task.StatusPending),
		mk("b", task.StatusPending, "a"),
		mk("c", task.StatusPending, "a"),
		mk("d", task.StatusPending, "b", "c"),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	order, err := g.Order()
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("order lost tasks: %v", order)
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, pair := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		if pos[pair[0]] >= pos[pair[1]] {
			t.Errorf("%s should precede %s in %v", pair[0], pair[1], order)
		}
	}
}

func TestUnblockCount(t *testing.T) {
	g, err := Build([]*task.Task{
		mk("root", task.StatusPending),
		mk("mid", task.StatusPending, "root"),
		mk("leaf1", task.StatusPending, "mid"),
		mk("leaf2", task.StatusPending, "mid"),
		mk("solo", task.StatusPending),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if got := g.UnblockCount("root"); got != 3 {
		t.Errorf("UnblockCount(root) = %d, want 3", got)
	}
	if got := g.UnblockCount("mid"); got != 2 {
		t.Errorf("UnblockCount(mid) = %d, want 2", got)
	}
	if got := g.UnblockCount("solo"); got != 0 {
		t.Errorf("UnblockCount(solo) = %d, want 0", got)
	}
}

func TestDependenciesDone(t *testing.T) {
	g, err := Build([]*task.Task{
		mk("done-dep", task.StatusDone),
		mk("open-dep", task.StatusInProgress),
		mk("ready", task.StatusPending, "done-dep"),
		mk("waiting", task.StatusPending, "done-dep", "open-dep"),
		mk("free", task.StatusPending),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !g.DependenciesDone("ready") {
		t.Error("ready has all deps done")
	}
	if g.DependenciesDone("waiting") {
		t.Error("waiting still has an open dep")
	}
	if !g.DependenciesDone("free") {
		t.Error("dependency-free task is always satisfied")
	}
	if g.DependenciesDone("unknown") {
		t.Error("unknown task cannot be satisfied")
	}
}
