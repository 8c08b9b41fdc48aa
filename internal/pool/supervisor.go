package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/corvid-labs/autopilot/internal/events"
	"github.com/corvid-labs/autopilot/internal/executor"
	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/task"
)

// BlockerAllProvidersExhausted is the blocker reason left on a task when
// every configured provider reported capacity exhaustion.
const BlockerAllProvidersExhausted = "all_providers_exhausted"

// SupervisorConfig tunes one supervisor.
type SupervisorConfig struct {
	Timeout        time.Duration     // hard per-execution limit (default 600s)
	Providers      []string          // failover order; head is preferred
	Models         map[string]string // escalation level name -> model override
	Retry          RetryConfig
	BackoffInitial time.Duration // first retry-blocker window (default 30s)
	BackoffMax     time.Duration // cap on retry-blocker windows (default 30m)
	WorkDir        string
}

func (c *SupervisorConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 600 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Minute
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = DefaultRetryConfig()
	}
}

// Outcome is what the supervisor reports back to the scheduler loop.
type Outcome struct {
	TaskID   string
	Final    task.Status // task status after supervision
	Result   executor.Result
	TimedOut bool
	Err      error // infrastructure error, not task failure
}

// Supervisor runs one reserved task to completion or failure. It owns
// timeout enforcement, provider failover, and the escalation machine, and
// it guarantees the agent is released on every path.
type Supervisor struct {
	pool      *Pool
	store     store.TaskStore
	registry  *executor.Registry
	breakers  *BreakerRegistry
	escalator *Escalator
	bus       *events.Bus
	cfg       SupervisorConfig
	log       *logrus.Entry
}

// NewSupervisor wires a supervisor. bus may be nil in tests.
func NewSupervisor(cfg SupervisorConfig, p *Pool, st store.TaskStore, reg *executor.Registry, esc *Escalator, bus *events.Bus, log *logrus.Entry) *Supervisor {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		pool:      p,
		store:     st,
		registry:  reg,
		breakers:  NewBreakerRegistry(log),
		escalator: esc,
		bus:       bus,
		cfg:       cfg,
		log:       log,
	}
}

// Run executes the task on the reserved agent. The agent release is
// deferred before anything else can fail: leaking an agent on timeout,
// crash, or error is a correctness bug.
func (s *Supervisor) Run(ctx context.Context, agent *Agent, t *task.Task) Outcome {
	defer s.pool.Release(agent.ID)

	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"task": t.ID, "panic": r}).Error("panic during task execution")
			s.transition(ctx, t.ID, task.StatusFailed, store.TransitionOptions{
				Reason:   fmt.Sprintf("executor panicked: %v", r),
				Blockers: []string{fmt.Sprintf("panic: %v", r)},
			})
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	level := s.escalator.Level(t.ID)
	req := executor.Request{
		TaskID:    t.ID,
		SessionID: uuid.NewString(),
		Model:     s.modelFor(level),
		Payload:   payloadFor(t),
		WorkDir:   s.cfg.WorkDir,
	}

	start := time.Now()
	exhausted := true
	var lastFailure string
	var lastResult executor.Result

	for _, provider := range s.cfg.Providers {
		exec, err := s.registry.Get(provider)
		if err != nil {
			s.log.WithField("provider", provider).Warn("provider not registered, skipping")
			continue
		}

		s.publish(events.TopicTask, events.TaskStartedEvent{
			ID: t.ID, AgentID: agent.ID, Provider: provider, Timestamp: time.Now(),
		})

		res, err := executeWithRetry(execCtx, exec, req, s.breakers.Get(provider), s.cfg.Retry)
		switch {
		case err == nil && res.Success:
			return s.succeed(ctx, agent, t, res, start)

		case err == nil:
			// The backend ran and reported task-level failure. Not a
			// provider problem: stop failing over and escalate.
			return s.fail(ctx, agent, t, res, res.Error, start)

		case errors.Is(err, executor.ErrCapacityExhausted),
			errors.Is(err, gobreaker.ErrOpenState),
			errors.Is(err, gobreaker.ErrTooManyRequests):
			s.recordCapacity(ctx, t.ID, provider, err)
			continue // failover to the next provider

		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return s.timeout(ctx, agent, t, start)

		case ctx.Err() != nil:
			// Engine shutdown: put the task back without penalty.
			s.transition(ctx, t.ID, task.StatusPending, store.TransitionOptions{
				Reason: "execution interrupted by shutdown",
			})
			return Outcome{TaskID: t.ID, Final: task.StatusPending, Err: ctx.Err()}

		default:
			exhausted = false
			lastFailure = err.Error()
			lastResult = res
		}
		if !exhausted {
			break
		}
	}

	if exhausted {
		// Every provider is out of capacity. Leave the task blocked
		// rather than busy-retrying against dead backends.
		s.transition(ctx, t.ID, task.StatusBlocked, store.TransitionOptions{
			Reason:   "all providers reported capacity exhaustion",
			Blockers: []string{BlockerAllProvidersExhausted},
		})
		s.publish(events.TopicTask, events.TaskFinishedEvent{
			ID: t.ID, Status: string(task.StatusBlocked), Duration: time.Since(start), Timestamp: time.Now(),
		})
		return Outcome{TaskID: t.ID, Final: task.StatusBlocked}
	}

	return s.fail(ctx, agent, t, lastResult, lastFailure, start)
}

func (s *Supervisor) succeed(ctx context.Context, agent *Agent, t *task.Task, res executor.Result, start time.Time) Outcome {
	s.escalator.Reset(t.ID)
	s.recordAttempt(ctx, t, nil, res.Output)

	s.transition(ctx, t.ID, task.StatusNeedsReview, store.TransitionOptions{
		Reason: "execution finished, awaiting quality gates",
	})
	s.publish(events.TopicTask, events.TaskFinishedEvent{
		ID: t.ID, Status: string(task.StatusNeedsReview), Duration: time.Since(start), Timestamp: time.Now(),
	})
	return Outcome{TaskID: t.ID, Final: task.StatusNeedsReview, Result: res}
}

// fail runs the failure through the escalation machine and applies the
// resulting policy: backoff retry, authority grant, or circuit break.
func (s *Supervisor) fail(ctx context.Context, agent *Agent, t *task.Task, res executor.Result, failure string, start time.Time) Outcome {
	if failure == "" {
		failure = "executor reported failure without detail"
	}
	s.recordAttempt(ctx, t, []string{failure}, res.Output)

	level, err := s.escalator.RecordFailure(ctx, t.ID, failure)
	if err != nil {
		s.log.WithError(err).WithField("task", t.ID).Error("recording escalation failed")
	}

	switch level {
	case LevelCircuitBreak:
		s.transition(ctx, t.ID, task.StatusFailed, store.TransitionOptions{
			Reason:   fmt.Sprintf("circuit break after %d attempts; manual attention required", s.escalator.Attempts(t.ID)),
			Blockers: []string{"circuit break: retries halted, needs manual intervention", failure},
		})
		s.publish(events.TopicTask, events.TaskFailedEvent{
			ID: t.ID, Reason: failure, Duration: time.Since(start), Timestamp: time.Now(),
		})
		return Outcome{TaskID: t.ID, Final: task.StatusFailed, Result: res}

	case LevelEscalateAuthority:
		until := s.backoffUntil(t)
		s.transition(ctx, t.ID, task.StatusPending, store.TransitionOptions{
			Reason:       "retrying with widened remediation authority",
			Blockers:     []string{failure},
			BackoffUntil: &until,
			Metadata:     map[string]string{task.MetaUnblockAuthority: "escalation"},
		})

	default:
		until := s.backoffUntil(t)
		reason := "retrying after failure"
		if level == LevelEscalateModel {
			reason = "retrying on escalated model"
		}
		s.transition(ctx, t.ID, task.StatusPending, store.TransitionOptions{
			Reason:       reason,
			Blockers:     []string{failure},
			BackoffUntil: &until,
		})
	}

	s.publish(events.TopicTask, events.TaskFinishedEvent{
		ID: t.ID, Status: string(task.StatusPending), Duration: time.Since(start), Timestamp: time.Now(),
	})
	return Outcome{TaskID: t.ID, Final: task.StatusPending, Result: res}
}

func (s *Supervisor) timeout(ctx context.Context, agent *Agent, t *task.Task, start time.Time) Outcome {
	until := s.backoffUntil(t)
	blocker := fmt.Sprintf("execution exceeded %s and was terminated; backing off until %s",
		s.cfg.Timeout, until.Format(time.RFC3339))
	s.recordAttempt(ctx, t, []string{blocker}, "")

	if _, err := s.escalator.RecordFailure(ctx, t.ID, "execution timeout"); err != nil {
		s.log.WithError(err).WithField("task", t.ID).Error("recording timeout escalation failed")
	}

	s.transition(ctx, t.ID, task.StatusPending, store.TransitionOptions{
		Reason:       "execution timed out, process terminated",
		Blockers:     []string{blocker},
		BackoffUntil: &until,
	})
	s.publish(events.TopicTask, events.TaskFinishedEvent{
		ID: t.ID, Status: string(task.StatusPending), Duration: time.Since(start), Timestamp: time.Now(),
	})
	return Outcome{TaskID: t.ID, Final: task.StatusPending, TimedOut: true}
}

func (s *Supervisor) recordCapacity(ctx context.Context, taskID, provider string, cause error) {
	s.log.WithFields(logrus.Fields{"task": taskID, "provider": provider}).
		Warn("provider capacity exhausted, failing over")

	entry := &task.ContextEntry{
		TaskID:     taskID,
		EntryType:  task.EntryCapacity,
		Topic:      provider,
		Content:    fmt.Sprintf("provider %s capacity exhausted: %v", provider, cause),
		Confidence: 1,
	}
	if err := s.store.AddContextEntry(ctx, entry); err != nil {
		s.log.WithError(err).Error("recording capacity event failed")
	}
	s.publish(events.TopicEngine, events.CapacityEvent{ID: taskID, Provider: provider, Timestamp: time.Now()})
}

func (s *Supervisor) recordAttempt(ctx context.Context, t *task.Task, blockers []string, output string) {
	a := &task.AttemptRecord{
		TaskID:          t.ID,
		StatusAtAttempt: t.Status,
		Blockers:        blockers,
		Summary:         truncate(output, 400),
		SessionID:       uuid.NewString(),
	}
	if err := s.store.RecordAttempt(ctx, a); err != nil {
		s.log.WithError(err).WithField("task", t.ID).Error("recording attempt failed")
	}
}

func (s *Supervisor) transition(ctx context.Context, taskID string, to task.Status, opts store.TransitionOptions) {
	if _, err := s.store.Transition(ctx, taskID, to, opts); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"task": taskID, "to": to}).
			Error("status transition failed")
	}
}

// backoffUntil doubles the blocker window per recorded attempt, capped.
func (s *Supervisor) backoffUntil(t *task.Task) time.Time {
	window := s.cfg.BackoffInitial
	for i := 0; i < t.Attempts && window < s.cfg.BackoffMax; i++ {
		window *= 2
	}
	if window > s.cfg.BackoffMax {
		window = s.cfg.BackoffMax
	}
	return time.Now().UTC().Add(window)
}

// WorkDir exposes the working directory executors run in.
func (s *Supervisor) WorkDir() string {
	return s.cfg.WorkDir
}

func (s *Supervisor) modelFor(level Level) string {
	if m, ok := s.cfg.Models[level.String()]; ok {
		return m
	}
	return ""
}

func (s *Supervisor) publish(topic string, e events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, e)
	}
}

func payloadFor(t *task.Task) string {
	var b strings.Builder
	b.WriteString(t.Title)
	if t.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(t.Description)
	}
	if t.Meta(task.MetaUnblockAuthority) != "" && len(t.Blockers) > 0 {
		b.WriteString("\n\nYou are authorized to work around these blockers: ")
		b.WriteString(strings.Join(t.Blockers, "; "))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
