// Package policy decides which task runs next. It is pure computation over
// a graph snapshot: readiness filtering, deterministic ranking, and
// WIP-capped selection. It holds no mutable state of its own.
package policy

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/corvid-labs/autopilot/internal/graph"
	"github.com/corvid-labs/autopilot/internal/task"
)

// IdleReason explains why no task was selected. The engine's backoff logic
// keys off these values.
type IdleReason string

const (
	IdleNone            IdleReason = ""
	IdleNoPendingTasks  IdleReason = "no_pending_tasks"
	IdleAllBlocked      IdleReason = "all_blocked"
	IdleWIPLimitReached IdleReason = "wip_limit_reached"
)

// ScoreWeights tunes the ranking function. Alternate scheduling
// philosophies are weight presets, not new components.
type ScoreWeights struct {
	Priority   float64 // multiplier on the priority tag weight
	Age        float64 // points per hour since creation
	Blocking   float64 // points per transitive dependent unblocked
	Complexity float64 // penalty per complexity unit (prefers small tasks when positive)
}

// DefaultWeights favors unblocking downstream work, with priority tags as
// the primary signal.
func DefaultWeights() ScoreWeights {
	return ScoreWeights{Priority: 10, Age: 1, Blocking: 5, Complexity: 0.5}
}

// ResourceChecker reports whether a required external path is present.
// Injected so tests don't touch the filesystem.
type ResourceChecker func(path string) bool

// FileExists is the default ResourceChecker.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Policy computes ready sets and rankings for one engine instance.
type Policy struct {
	weights ScoreWeights
	check   ResourceChecker
}

// New creates a Policy. A nil checker falls back to FileExists.
func New(weights ScoreWeights, check ResourceChecker) *Policy {
	if check == nil {
		check = FileExists
	}
	return &Policy{weights: weights, check: check}
}

// ComputeReady filters the snapshot to tasks that may run now: pending, not
// force-skipped, dependencies done, required paths present, and outside any
// backoff window. When the result is empty, the IdleReason distinguishes an
// empty backlog from a fully blocked one.
func (p *Policy) ComputeReady(g *graph.Graph, tasks []*task.Task, now time.Time) ([]*task.Task, IdleReason) {
	var ready []*task.Task
	pending := 0

	for _, t := range tasks {
		if t.Status != task.StatusPending || t.Meta(task.MetaForceSkipped) != "" {
			continue
		}
		pending++

		if !g.DependenciesDone(t.ID) {
			continue
		}
		if t.InBackoff(now) {
			continue
		}
		if !p.resourcesPresent(t) {
			continue
		}
		ready = append(ready, t)
	}

	if len(ready) > 0 {
		return ready, IdleNone
	}
	if pending == 0 {
		return nil, IdleNoPendingTasks
	}
	return nil, IdleAllBlocked
}

func (p *Policy) resourcesPresent(t *task.Task) bool {
	requires := t.Meta(task.MetaRequires)
	if requires == "" {
		return true
	}
	for _, path := range strings.Split(requires, ",") {
		path = strings.TrimSpace(path)
		if path != "" && !p.check(path) {
			return false
		}
	}
	return true
}

// Score computes a task's rank score. Higher runs first.
func (p *Policy) Score(g *graph.Graph, t *task.Task, now time.Time) float64 {
	score := p.weights.Priority * t.Priority.Weight()
	score += p.weights.Age * now.Sub(t.CreatedAt).Hours()
	score += p.weights.Blocking * float64(g.UnblockCount(t.ID))
	score -= p.weights.Complexity * float64(t.EstimatedComplexity)
	return score
}

// Rank orders ready tasks by descending score, task ID ascending as the
// tiebreak so the ordering is deterministic for a fixed snapshot.
func (p *Policy) Rank(g *graph.Graph, ready []*task.Task, now time.Time) []*task.Task {
	ranked := append([]*task.Task(nil), ready...)
	scores := make(map[string]float64, len(ranked))
	for _, t := range ranked {
		scores[t.ID] = p.Score(g, t, now)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].ID], scores[ranked[j].ID]
		if si != sj {
			return si > sj
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// SelectNext picks the head of the ranked list, enforcing the WIP limit:
// no selection while the number of in-progress tasks has reached the cap.
func (p *Policy) SelectNext(ranked []*task.Task, inProgress, wipLimit int) (*task.Task, IdleReason) {
	if inProgress >= wipLimit {
		return nil, IdleWIPLimitReached
	}
	if len(ranked) == 0 {
		return nil, IdleNoPendingTasks
	}
	return ranked[0], IdleNone
}

// CountInProgress counts tasks currently in progress in a snapshot.
func CountInProgress(tasks []*task.Task) int {
	n := 0
	for _, t := range tasks {
		if t.Status == task.StatusInProgress {
			n++
		}
	}
	return n
}
