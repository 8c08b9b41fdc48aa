package events

import (
	"time"
)

// Event is the base interface for all engine events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicEngine   = "engine"
	TopicRecovery = "recovery"
)

// Event type constants
const (
	EventTypeTaskScheduled     = "task.scheduled"
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskFinished      = "task.finished"
	EventTypeTaskFailed        = "task.failed"
	EventTypeGateEvaluated     = "task.gate_evaluated"
	EventTypeLoopDetected      = "recovery.loop_detected"
	EventTypeEscalationChanged = "recovery.escalation_changed"
	EventTypeCapacity          = "engine.capacity"
	EventTypeTick              = "engine.tick"
	EventTypeAgents            = "engine.agents"
)

// TaskScheduledEvent is published when the policy selects a task and an
// agent is reserved for it.
type TaskScheduledEvent struct {
	ID        string
	AgentID   string
	Score     float64
	Timestamp time.Time
}

func (e TaskScheduledEvent) EventType() string { return EventTypeTaskScheduled }
func (e TaskScheduledEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when an executor begins running a task.
type TaskStartedEvent struct {
	ID        string
	AgentID   string
	Provider  string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskFinishedEvent is published when a task reaches a post-execution
// status (needs_review, done, pending-with-backoff, blocked).
type TaskFinishedEvent struct {
	ID        string
	Status    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published on terminal failure.
type TaskFailedEvent struct {
	ID        string
	Reason    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// GateEvaluatedEvent is published per quality-gate verdict.
type GateEvaluatedEvent struct {
	ID        string
	Gate      string
	Passed    bool
	Retryable bool
	Timestamp time.Time
}

func (e GateEvaluatedEvent) EventType() string { return EventTypeGateEvaluated }
func (e GateEvaluatedEvent) TaskID() string    { return e.ID }

// LoopDetectedEvent is published when the loop detector classifies a task
// as looping.
type LoopDetectedEvent struct {
	ID             string
	LoopType       string
	Recommendation string
	Timestamp      time.Time
}

func (e LoopDetectedEvent) EventType() string { return EventTypeLoopDetected }
func (e LoopDetectedEvent) TaskID() string    { return e.ID }

// EscalationChangedEvent is published on every escalation level change,
// carrying the failure fingerprint so repeated escalation without new
// information is itself detectable.
type EscalationChangedEvent struct {
	ID          string
	From        string
	To          string
	Fingerprint string
	Timestamp   time.Time
}

func (e EscalationChangedEvent) EventType() string { return EventTypeEscalationChanged }
func (e EscalationChangedEvent) TaskID() string    { return e.ID }

// CapacityEvent is published when a provider reports capacity exhaustion.
type CapacityEvent struct {
	ID        string
	Provider  string
	Timestamp time.Time
}

func (e CapacityEvent) EventType() string { return EventTypeCapacity }
func (e CapacityEvent) TaskID() string    { return e.ID }

// TickEvent summarizes one scheduler tick.
type TickEvent struct {
	Tick      uint64
	Idle      string // empty when work was scheduled
	Ready     int
	Running   int
	Interval  time.Duration
	Timestamp time.Time
}

func (e TickEvent) EventType() string { return EventTypeTick }
func (e TickEvent) TaskID() string    { return "" }

// AgentSnapshot is one agent's state inside an AgentsEvent.
type AgentSnapshot struct {
	AgentID       string
	Busy          bool
	CurrentTaskID string
}

// AgentsEvent carries the pool's current slot assignments for monitors.
type AgentsEvent struct {
	Agents    []AgentSnapshot
	Timestamp time.Time
}

func (e AgentsEvent) EventType() string { return EventTypeAgents }
func (e AgentsEvent) TaskID() string    { return "" }
