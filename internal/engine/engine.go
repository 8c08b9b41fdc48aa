// Package engine runs the scheduler loop: the single authority that moves
// tasks from pending into execution. One tick snapshots the store, filters
// and ranks ready tasks, reserves agents, and hands work to supervisors.
// Everything else in the system reacts; only the engine initiates.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corvid-labs/autopilot/internal/events"
	"github.com/corvid-labs/autopilot/internal/gates"
	"github.com/corvid-labs/autopilot/internal/graph"
	"github.com/corvid-labs/autopilot/internal/idempotency"
	"github.com/corvid-labs/autopilot/internal/loopdetect"
	"github.com/corvid-labs/autopilot/internal/policy"
	"github.com/corvid-labs/autopilot/internal/pool"
	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/task"
)

// Config tunes the loop itself. Component-level tuning lives with the
// components.
type Config struct {
	WIPLimit      int
	TickInterval  time.Duration // base interval, doubles while idle
	MaxIdle       time.Duration // idle interval cap
	StopAfterIdle int           // consecutive empty-backlog ticks before auto-stop; 0 disables
}

func (c *Config) applyDefaults() {
	if c.WIPLimit <= 0 {
		c.WIPLimit = 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 5 * time.Minute
	}
}

// Status is a point-in-time snapshot of the loop for CLIs and monitors.
type Status struct {
	Running              bool
	TickCount            uint64
	ConsecutiveIdleTicks int
	CurrentTickInterval  time.Duration
	AgentUtilization     float64
}

// Engine owns the scheduler loop. All dependencies are injected; the
// engine holds no global state and two engines over different stores can
// coexist in one process.
type Engine struct {
	cfg        Config
	store      store.TaskStore
	pool       *pool.Pool
	policy     *policy.Policy
	supervisor *pool.Supervisor
	detector   *loopdetect.Detector
	recovery   *loopdetect.Recovery
	pipeline   *gates.Pipeline
	cache      *idempotency.Cache
	bus        *events.Bus
	log        *logrus.Entry

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	forceCh   chan struct{}
	doneCh    chan struct{}
	tickCount uint64
	idleTicks int
	interval  time.Duration

	completions chan pool.Outcome
	workers     sync.WaitGroup
}

// New wires an engine from its components. The idempotency cache may be
// nil, which disables execution dedup.
func New(cfg Config, st store.TaskStore, p *pool.Pool, pol *policy.Policy, sup *pool.Supervisor,
	det *loopdetect.Detector, rec *loopdetect.Recovery, pipe *gates.Pipeline,
	cache *idempotency.Cache, bus *events.Bus, log *logrus.Entry) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		cfg:         cfg,
		store:       st,
		pool:        p,
		policy:      pol,
		supervisor:  sup,
		detector:    det,
		recovery:    rec,
		pipeline:    pipe,
		cache:       cache,
		bus:         bus,
		log:         log,
		interval:    cfg.TickInterval,
		completions: make(chan pool.Outcome, 64),
	}
}

// Start launches the loop. Calling Start on a running engine is a no-op;
// a stopped engine can be started again.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.idleTicks = 0
	e.interval = e.cfg.TickInterval
	e.stopCh = make(chan struct{})
	e.forceCh = make(chan struct{}, 1)
	e.doneCh = make(chan struct{})
	go e.loop(ctx, e.stopCh, e.forceCh, e.doneCh)
}

// Stop halts the loop and waits for in-flight workers to finish handing
// their tasks back to the store. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Done returns a channel closed when the current run's loop has exited,
// whether by Stop, context cancellation, or auto-stop. Returns a closed
// channel when the engine is not running.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doneCh == nil || !e.running {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return e.doneCh
}

// ForceTick requests an immediate tick, resetting the idle backoff. Safe
// to call whether or not the engine is running.
func (e *Engine) ForceTick() {
	e.mu.Lock()
	forceCh := e.forceCh
	e.mu.Unlock()
	if forceCh == nil {
		return
	}
	select {
	case forceCh <- struct{}{}:
	default:
	}
}

// Status reports the loop's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:              e.running,
		TickCount:            e.tickCount,
		ConsecutiveIdleTicks: e.idleTicks,
		CurrentTickInterval:  e.interval,
		AgentUtilization:     e.pool.Utilization(),
	}
}

func (e *Engine) loop(ctx context.Context, stopCh, forceCh chan struct{}, doneCh chan struct{}) {
	defer func() {
		e.workers.Wait()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(doneCh)
	}()

	// First tick runs immediately so a fresh start doesn't sit out a
	// full interval.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case out := <-e.completions:
			e.handleCompletion(out)
			// A freed agent may make the next ranked task runnable.
			e.resetTimer(timer, 0)
			continue
		case <-forceCh:
			e.mu.Lock()
			e.interval = e.cfg.TickInterval
			e.mu.Unlock()
		case <-timer.C:
		}

		stop := e.safeTick(ctx)
		if stop {
			e.log.Info("backlog drained, stopping")
			return
		}

		e.mu.Lock()
		interval := e.interval
		e.mu.Unlock()
		e.resetTimer(timer, interval)
	}
}

func (e *Engine) resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

// safeTick contains panics at the tick boundary. A panicking tick is
// logged and skipped; the loop keeps running.
func (e *Engine) safeTick(ctx context.Context) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("scheduler tick panicked")
			stop = false
		}
	}()
	return e.tick(ctx)
}

// tick runs one scheduling pass and returns true when the engine should
// auto-stop: the backlog has been empty with nothing running for the
// configured number of consecutive ticks.
func (e *Engine) tick(ctx context.Context) bool {
	e.mu.Lock()
	e.tickCount++
	tickNum := e.tickCount
	e.mu.Unlock()

	now := time.Now().UTC()
	tasks, err := e.store.ListTasks(ctx, store.Filter{})
	if err != nil {
		e.log.WithError(err).Error("listing tasks failed, skipping tick")
		return false
	}

	g, err := graph.Build(tasks)
	if err != nil {
		// A cycle or dangling dependency poisons the whole snapshot.
		// Nothing can be scheduled safely until an operator fixes it.
		e.log.WithError(err).Error("dependency graph invalid, skipping tick")
		return false
	}

	inProgress := policy.CountInProgress(tasks)
	ready, idleReason := e.policy.ComputeReady(g, tasks, now)
	ready = e.filterLooping(ctx, ready)
	ranked := e.policy.Rank(g, ready, now)

	scheduled := 0
	for len(ranked) > 0 {
		next, reason := e.policy.SelectNext(ranked, inProgress, e.cfg.WIPLimit)
		if next == nil {
			idleReason = reason
			break
		}
		agent := e.pool.TryReserve(next)
		if agent == nil {
			// No idle agent can serve this task. A lower-ranked task may
			// still match a different capability profile.
			ranked = ranked[1:]
			continue
		}
		if err := e.launch(ctx, g, agent, next, now); err != nil {
			e.log.WithError(err).WithField("task", next.ID).Error("launching task failed")
			e.pool.Release(agent.ID)
			ranked = ranked[1:]
			continue
		}
		scheduled++
		inProgress++
		ranked = ranked[1:]
	}
	if scheduled > 0 {
		idleReason = policy.IdleNone
	}

	e.publishTick(tickNum, idleReason, len(ready), inProgress)
	return e.applyIdlePolicy(idleReason, inProgress)
}

// filterLooping runs pre-execution loop detection over the ready set.
// A candidate classified as looping gets its recovery applied instead of
// an execution slot this tick.
func (e *Engine) filterLooping(ctx context.Context, ready []*task.Task) []*task.Task {
	if e.detector == nil || e.recovery == nil {
		return ready
	}
	kept := ready[:0]
	for _, t := range ready {
		v, err := e.detector.Detect(ctx, t.ID)
		if err != nil {
			e.log.WithError(err).WithField("task", t.ID).Warn("loop detection failed")
			kept = append(kept, t)
			continue
		}
		if !v.Looping {
			kept = append(kept, t)
			continue
		}
		if _, err := e.recovery.Apply(ctx, v); err != nil {
			e.log.WithError(err).WithField("task", t.ID).Error("loop recovery failed")
		}
	}
	return kept
}

// launch moves a task into execution on a reserved agent. The supervisor
// owns the agent from here and releases it on every path.
func (e *Engine) launch(ctx context.Context, g *graph.Graph, agent *pool.Agent, t *task.Task, now time.Time) error {
	updated, err := e.store.Transition(ctx, t.ID, task.StatusInProgress, store.TransitionOptions{
		Reason:  fmt.Sprintf("scheduled on %s", agent.ID),
		AgentID: agent.ID,
	})
	if err != nil {
		return fmt.Errorf("marking in progress: %w", err)
	}

	if e.bus != nil {
		e.bus.Publish(events.TopicTask, events.TaskScheduledEvent{
			ID:        t.ID,
			AgentID:   agent.ID,
			Score:     e.policy.Score(g, t, now),
			Timestamp: now,
		})
		e.bus.Publish(events.TopicEngine, events.AgentsEvent{
			Agents:    e.pool.Snapshot(),
			Timestamp: now,
		})
	}

	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		out := e.execute(ctx, agent, updated)
		select {
		case e.completions <- out:
		case <-ctx.Done():
		}
	}()
	return nil
}

// execute runs the supervisor for one task, deduplicated through the
// idempotency cache: a retried launch for the same task attempt observes
// the recorded outcome instead of executing again.
func (e *Engine) execute(ctx context.Context, agent *pool.Agent, t *task.Task) pool.Outcome {
	if e.cache == nil {
		return e.runSupervised(ctx, agent, t)
	}

	res, err := e.cache.StartRequest(ctx, "task.execute", map[string]any{
		"task_id": t.ID,
		"attempt": t.Attempts,
	})
	if err != nil {
		e.log.WithError(err).WithField("task", t.ID).Warn("idempotency check failed, executing anyway")
		return e.runSupervised(ctx, agent, t)
	}
	if !res.IsNew {
		// A previous launch already ran this attempt. Hand the agent back
		// and report the recorded state without re-executing.
		e.pool.Release(agent.ID)
		e.log.WithFields(logrus.Fields{"task": t.ID, "state": res.Existing.State}).
			Info("duplicate execution suppressed")
		return pool.Outcome{TaskID: t.ID, Final: task.StatusInProgress}
	}

	out := e.runSupervised(ctx, agent, t)
	if out.Err != nil || !out.Result.Success {
		msg := out.Result.Error
		if out.Err != nil {
			msg = out.Err.Error()
		}
		if recErr := e.cache.RecordFailure(ctx, res.Key, msg); recErr != nil {
			e.log.WithError(recErr).WithField("task", t.ID).Warn("recording execution failure failed")
		}
	} else {
		if recErr := e.cache.RecordSuccess(ctx, res.Key, out.Result.Output); recErr != nil {
			e.log.WithError(recErr).WithField("task", t.ID).Warn("recording execution success failed")
		}
	}
	return out
}

func (e *Engine) runSupervised(ctx context.Context, agent *pool.Agent, t *task.Task) pool.Outcome {
	out := e.supervisor.Run(ctx, agent, t)

	// Post-execution loop detection: the attempt just recorded may have
	// completed a revisit or spin pattern.
	if e.detector != nil && e.recovery != nil {
		if v, err := e.detector.Detect(ctx, out.TaskID); err == nil && v.Looping {
			if _, err := e.recovery.Apply(ctx, v); err != nil {
				e.log.WithError(err).WithField("task", out.TaskID).Error("loop recovery failed")
			}
			// Recovery may have rerouted the task away from review.
			if cur, err := e.store.GetTask(ctx, out.TaskID); err == nil {
				out.Final = cur.Status
			}
		}
	}

	if out.Final == task.StatusNeedsReview && e.pipeline != nil {
		cur, err := e.store.GetTask(ctx, out.TaskID)
		if err != nil {
			e.log.WithError(err).WithField("task", out.TaskID).Error("loading task for gate review failed")
			return out
		}
		if cur.Status == task.StatusNeedsReview {
			verdict, err := e.pipeline.Run(ctx, cur, &gates.Artifact{
				TaskID:  cur.ID,
				Output:  out.Result.Output,
				WorkDir: e.supervisor.WorkDir(),
			})
			if err != nil {
				e.log.WithError(err).WithField("task", out.TaskID).Error("gate pipeline failed")
				return out
			}
			out.Final = verdict.FinalStatus
		}
	}
	return out
}

func (e *Engine) handleCompletion(out pool.Outcome) {
	fields := logrus.Fields{"task": out.TaskID, "status": string(out.Final)}
	if out.Err != nil {
		e.log.WithError(out.Err).WithFields(fields).Warn("task completed with infrastructure error")
		return
	}
	e.log.WithFields(fields).Info("task completed")
}

// applyIdlePolicy updates the backoff interval and decides auto-stop. The
// interval doubles only while the loop is truly idle; any scheduling or
// running work snaps it back to the base interval.
func (e *Engine) applyIdlePolicy(idle policy.IdleReason, inProgress int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idle == policy.IdleNone || inProgress > 0 {
		e.interval = e.cfg.TickInterval
		e.idleTicks = 0
		return false
	}

	e.interval *= 2
	if e.interval > e.cfg.MaxIdle {
		e.interval = e.cfg.MaxIdle
	}

	if idle == policy.IdleNoPendingTasks {
		e.idleTicks++
		if e.cfg.StopAfterIdle > 0 && e.idleTicks >= e.cfg.StopAfterIdle {
			return true
		}
	} else {
		e.idleTicks = 0
	}
	return false
}

func (e *Engine) publishTick(tick uint64, idle policy.IdleReason, ready, running int) {
	if e.bus == nil {
		return
	}
	e.mu.Lock()
	interval := e.interval
	e.mu.Unlock()
	e.bus.Publish(events.TopicEngine, events.TickEvent{
		Tick:      tick,
		Idle:      string(idle),
		Ready:     ready,
		Running:   running,
		Interval:  interval,
		Timestamp: time.Now().UTC(),
	})
}
