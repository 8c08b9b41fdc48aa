package task

import (
	"time"
)

// EntryType classifies a ContextEntry.
type EntryType string

const (
	EntryTransition EntryType = "transition"
	EntryDecision   EntryType = "decision"
	EntryRecovery   EntryType = "recovery"
	EntryEscalation EntryType = "escalation"
	EntryGate       EntryType = "gate"
	EntryCapacity   EntryType = "capacity"
	EntryAdmin      EntryType = "admin"
)

// ContextEntry is an append-only audit record. Entries are write-once: the
// store never updates or deletes them. The trail for a task must be enough
// to reconstruct the decision chain without re-running anything.
type ContextEntry struct {
	ID         int64
	TaskID     string
	EntryType  EntryType
	Topic      string
	Content    string
	Confidence float64
	Metadata   map[string]string
	Timestamp  time.Time
}

// AttemptRecord is the per-task history entry the loop detector analyzes.
// Attempts older than the detection window may be pruned without affecting
// store correctness.
type AttemptRecord struct {
	ID              string
	TaskID          string
	StatusAtAttempt Status
	Blockers        []string
	Summary         string
	SessionID       string
	Timestamp       time.Time
}
