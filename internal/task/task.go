package task

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusBlocked     Status = "blocked"
	StatusNeedsReview Status = "needs_review"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
)

// IsTerminal reports whether no further automatic transitions exist from s.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// allowedTransitions is the status graph. A transition not listed here is
// rejected with ErrInvalidTransition.
var allowedTransitions = map[Status][]Status{
	StatusPending:     {StatusInProgress, StatusBlocked, StatusFailed},
	StatusInProgress:  {StatusBlocked, StatusNeedsReview, StatusPending, StatusFailed},
	StatusBlocked:     {StatusPending},
	StatusNeedsReview: {StatusDone, StatusPending, StatusFailed},
	StatusDone:        {},
	StatusFailed:      {},
}

// CanTransition reports whether the edge from -> to is in the status graph.
func CanTransition(from, to Status) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Priority is a coarse scheduling hint. Weight converts it to a numeric
// score component.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the numeric score contribution of a priority tag.
// Unknown tags score as normal.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 4
	case PriorityCritical:
		return 8
	default:
		return 2
	}
}

// Well-known metadata keys. Metadata is an open bag; these are the keys the
// engine itself interprets.
const (
	// MetaDomain selects which agent capability domains may run the task.
	MetaDomain = "domain"
	// MetaRequires is a comma-separated list of filesystem paths that must
	// exist before the task is considered ready.
	MetaRequires = "requires"
	// MetaUnblockAuthority marks that the executor has been granted scoped
	// permission to work around the task's named blockers.
	MetaUnblockAuthority = "unblock_authority"
	// MetaForceSkipped marks a task the scheduler must never reselect.
	MetaForceSkipped = "force_skipped"
	// MetaRemediates links a remediation task back to the task whose gate
	// failure spawned it.
	MetaRemediates = "remediates"
)

// Task is the unit of work. It is owned exclusively by the store; every
// other component reads snapshots and requests mutations through the store.
type Task struct {
	ID                  string
	Title               string
	Description         string
	Status              Status
	Dependencies        []string
	Priority            Priority
	EstimatedComplexity int
	Metadata            map[string]string
	AssignedAgentID     string
	Blockers            []string
	BackoffUntil        *time.Time
	Attempts            int
	CreatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	UpdatedAt           time.Time
}

// Meta returns the metadata value for key, or "" when absent.
func (t *Task) Meta(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}

// Domain returns the task's capability domain tag ("" means any agent).
func (t *Task) Domain() string {
	return t.Meta(MetaDomain)
}

// InBackoff reports whether the task is inside a backoff window at now.
func (t *Task) InBackoff(now time.Time) bool {
	return t.BackoffUntil != nil && now.Before(*t.BackoffUntil)
}

// Clone returns a deep copy so callers can hold a task across scheduler
// ticks without observing store mutations.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Blockers != nil {
		cp.Blockers = append([]string(nil), t.Blockers...)
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.BackoffUntil != nil {
		u := *t.BackoffUntil
		cp.BackoffUntil = &u
	}
	if t.StartedAt != nil {
		u := *t.StartedAt
		cp.StartedAt = &u
	}
	if t.CompletedAt != nil {
		u := *t.CompletedAt
		cp.CompletedAt = &u
	}
	return &cp
}
