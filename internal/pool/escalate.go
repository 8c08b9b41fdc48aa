package pool

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corvid-labs/autopilot/internal/events"
	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/task"
)

// Level is a task's position in the escalation state machine:
// normal -> escalate_model -> escalate_authority -> circuit_break.
type Level int

const (
	LevelNormal Level = iota
	LevelEscalateModel
	LevelEscalateAuthority
	LevelCircuitBreak
)

func (l Level) String() string {
	switch l {
	case LevelEscalateModel:
		return "escalate_model"
	case LevelEscalateAuthority:
		return "escalate_authority"
	case LevelCircuitBreak:
		return "circuit_break"
	default:
		return "normal"
	}
}

// Fingerprint reduces a failure message to a stable identity so that
// "the same failure again" is a computable predicate. Whitespace runs are
// collapsed; casing is ignored.
func Fingerprint(failure string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(failure), " "))
	h := fnv.New64a()
	h.Write([]byte(normalized))
	return fmt.Sprintf("%016x", h.Sum64())
}

type escalationState struct {
	level           Level
	attempts        int
	lastFingerprint string
	identicalRun    int
}

// EscalatorConfig tunes the state machine thresholds.
type EscalatorConfig struct {
	IdenticalFailures int // consecutive identical failures per level step (default 3)
	MaxAttempts       int // total attempts before circuit break (default 8)
}

// DefaultEscalatorConfig returns the documented defaults.
func DefaultEscalatorConfig() EscalatorConfig {
	return EscalatorConfig{IdenticalFailures: 3, MaxAttempts: 8}
}

// Escalator tracks per-task failure history and advances the escalation
// level. Every level change is written as a ContextEntry carrying the
// failure fingerprint, so repeated escalation without new information is
// itself visible in the trail.
type Escalator struct {
	mu     sync.Mutex
	states map[string]*escalationState
	cfg    EscalatorConfig
	store  store.TaskStore
	bus    *events.Bus
	log    *logrus.Entry
}

// NewEscalator creates an escalator. bus may be nil in tests.
func NewEscalator(cfg EscalatorConfig, st store.TaskStore, bus *events.Bus, log *logrus.Entry) *Escalator {
	if cfg.IdenticalFailures <= 0 {
		cfg.IdenticalFailures = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Escalator{
		states: make(map[string]*escalationState),
		cfg:    cfg,
		store:  st,
		bus:    bus,
		log:    log,
	}
}

// Level returns the task's current escalation level.
func (e *Escalator) Level(taskID string) Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[taskID]; ok {
		return s.level
	}
	return LevelNormal
}

// Attempts returns the recorded attempt count for a task.
func (e *Escalator) Attempts(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[taskID]; ok {
		return s.attempts
	}
	return 0
}

// RecordFailure registers a failed attempt and returns the (possibly
// advanced) escalation level. The machine advances one level per run of
// IdenticalFailures consecutive identical fingerprints, and jumps to
// circuit break once MaxAttempts total attempts are reached.
func (e *Escalator) RecordFailure(ctx context.Context, taskID, failure string) (Level, error) {
	fp := Fingerprint(failure)

	e.mu.Lock()
	s, ok := e.states[taskID]
	if !ok {
		s = &escalationState{}
		e.states[taskID] = s
	}
	s.attempts++
	if fp == s.lastFingerprint {
		s.identicalRun++
	} else {
		s.lastFingerprint = fp
		s.identicalRun = 1
	}

	from := s.level
	switch {
	case s.attempts >= e.cfg.MaxAttempts:
		s.level = LevelCircuitBreak
	case s.identicalRun >= e.cfg.IdenticalFailures && s.level < LevelEscalateAuthority:
		s.level++
		s.identicalRun = 0
	}
	to := s.level
	e.mu.Unlock()

	if to == from {
		return to, nil
	}

	e.log.WithFields(logrus.Fields{
		"task":        taskID,
		"from":        from.String(),
		"to":          to.String(),
		"fingerprint": fp,
	}).Warn("escalation level changed")

	entry := &task.ContextEntry{
		TaskID:     taskID,
		EntryType:  task.EntryEscalation,
		Topic:      to.String(),
		Content:    fmt.Sprintf("escalated %s -> %s after repeated failure: %s", from, to, failure),
		Confidence: 1,
		Metadata:   map[string]string{"fingerprint": fp, "from": from.String(), "to": to.String()},
	}
	if err := e.store.AddContextEntry(ctx, entry); err != nil {
		return to, fmt.Errorf("recording escalation: %w", err)
	}

	if e.bus != nil {
		e.bus.Publish(events.TopicRecovery, events.EscalationChangedEvent{
			ID:          taskID,
			From:        from.String(),
			To:          to.String(),
			Fingerprint: fp,
			Timestamp:   time.Now(),
		})
	}
	return to, nil
}

// Reset clears a task's escalation state after a successful run.
func (e *Escalator) Reset(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, taskID)
}
