package gates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/corvid-labs/autopilot/internal/events"
	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/task"
)

// Pipeline runs gates in order against a task in needs_review and routes
// it to its next status. In normal mode the first failure short-circuits;
// diagnostic mode runs every gate so one pass surfaces all problems.
type Pipeline struct {
	gates      []Gate
	store      store.TaskStore
	bus        *events.Bus
	log        *logrus.Entry
	diagnostic bool
	backoff    time.Duration
}

// NewPipeline builds a pipeline. backoff is the retry delay applied when a
// retryable gate fails; zero defaults to one minute.
func NewPipeline(gs []Gate, st store.TaskStore, bus *events.Bus, log *logrus.Entry, diagnostic bool, backoff time.Duration) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if backoff <= 0 {
		backoff = time.Minute
	}
	return &Pipeline{
		gates:      gs,
		store:      st,
		bus:        bus,
		log:        log,
		diagnostic: diagnostic,
		backoff:    backoff,
	}
}

// Verdict is the pipeline's aggregate outcome for one task.
type Verdict struct {
	Results     []Result
	FinalStatus task.Status
	Remediation string // ID of the spawned remediation task, if any
}

// Passed reports whether every gate passed.
func (v *Verdict) Passed() bool {
	for _, r := range v.Results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Run evaluates the gates for a task currently in needs_review and applies
// the resulting transition. With no gates configured the task goes
// straight to done.
func (p *Pipeline) Run(ctx context.Context, t *task.Task, artifact *Artifact) (*Verdict, error) {
	v := &Verdict{}

	var firstRetryable, firstFatal *Result
	for _, g := range p.gates {
		res := g.Check(ctx, t, artifact)
		v.Results = append(v.Results, res)
		p.record(ctx, t.ID, res)

		if res.Passed {
			continue
		}
		if res.Retryable {
			if firstRetryable == nil {
				r := res
				firstRetryable = &r
			}
		} else if firstFatal == nil {
			r := res
			firstFatal = &r
		}
		if !p.diagnostic {
			break
		}
	}

	switch {
	case firstFatal != nil:
		return p.fail(ctx, t, v, firstFatal)
	case firstRetryable != nil:
		return p.retry(ctx, t, v, firstRetryable)
	default:
		return p.approve(ctx, t, v)
	}
}

func (p *Pipeline) approve(ctx context.Context, t *task.Task, v *Verdict) (*Verdict, error) {
	_, err := p.store.Transition(ctx, t.ID, task.StatusDone, store.TransitionOptions{
		Reason: fmt.Sprintf("all %d quality gates passed", len(v.Results)),
	})
	if err != nil {
		return v, fmt.Errorf("approving task %s: %w", t.ID, err)
	}
	v.FinalStatus = task.StatusDone
	return v, nil
}

func (p *Pipeline) retry(ctx context.Context, t *task.Task, v *Verdict, res *Result) (*Verdict, error) {
	until := time.Now().UTC().Add(p.backoff)
	_, err := p.store.Transition(ctx, t.ID, task.StatusPending, store.TransitionOptions{
		Reason:       fmt.Sprintf("gate %s failed, retrying: %s", res.Name, res.Details),
		Blockers:     []string{fmt.Sprintf("gate %s: %s", res.Name, res.Details)},
		BackoffUntil: &until,
	})
	if err != nil {
		return v, fmt.Errorf("requeueing task %s after gate failure: %w", t.ID, err)
	}
	v.FinalStatus = task.StatusPending
	return v, nil
}

func (p *Pipeline) fail(ctx context.Context, t *task.Task, v *Verdict, res *Result) (*Verdict, error) {
	_, err := p.store.Transition(ctx, t.ID, task.StatusFailed, store.TransitionOptions{
		Reason:   fmt.Sprintf("gate %s failed fatally: %s", res.Name, res.Details),
		Blockers: []string{fmt.Sprintf("gate %s: %s", res.Name, res.Details)},
	})
	if err != nil {
		return v, fmt.Errorf("failing task %s: %w", t.ID, err)
	}
	v.FinalStatus = task.StatusFailed

	remID, err := p.spawnRemediation(ctx, t, res)
	if err != nil {
		p.log.WithError(err).WithField("task", t.ID).Error("spawning remediation task failed")
		return v, nil
	}
	v.Remediation = remID
	return v, nil
}

// spawnRemediation creates a follow-up task targeting the fatal gate
// failure. It runs with no dependencies and a bumped priority so the
// scheduler picks it up ahead of routine work.
func (p *Pipeline) spawnRemediation(ctx context.Context, t *task.Task, res *Result) (string, error) {
	rem := &task.Task{
		ID:          fmt.Sprintf("%s-remediate-%s", t.ID, uuid.NewString()[:8]),
		Title:       fmt.Sprintf("Remediate %s failure on %s", res.Name, t.ID),
		Description: remediationBrief(t, res),
		Status:      task.StatusPending,
		Priority:    bumpPriority(t.Priority),
		Metadata: map[string]string{
			task.MetaRemediates: t.ID,
		},
	}
	if d := t.Domain(); d != "" {
		rem.Metadata[task.MetaDomain] = d
	}
	if err := p.store.CreateTask(ctx, rem); err != nil {
		return "", err
	}
	p.log.WithFields(logrus.Fields{"task": t.ID, "remediation": rem.ID, "gate": res.Name}).
		Info("remediation task created")
	return rem.ID, nil
}

func (p *Pipeline) record(ctx context.Context, taskID string, res Result) {
	content := fmt.Sprintf("gate %s passed", res.Name)
	if !res.Passed {
		verdict := "fatal"
		if res.Retryable {
			verdict = "retryable"
		}
		content = fmt.Sprintf("gate %s failed (%s): %s", res.Name, verdict, res.Details)
	}
	err := p.store.AddContextEntry(ctx, &task.ContextEntry{
		TaskID:    taskID,
		EntryType: task.EntryGate,
		Topic:     res.Name,
		Content:   content,
		Metadata: map[string]string{
			"passed":    fmt.Sprintf("%t", res.Passed),
			"retryable": fmt.Sprintf("%t", res.Retryable),
		},
	})
	if err != nil {
		p.log.WithError(err).WithField("task", taskID).Error("recording gate verdict failed")
	}
	if p.bus != nil {
		p.bus.Publish(events.TopicTask, events.GateEvaluatedEvent{
			ID:        taskID,
			Gate:      res.Name,
			Passed:    res.Passed,
			Retryable: res.Retryable,
			Timestamp: time.Now().UTC(),
		})
	}
}

func remediationBrief(t *task.Task, res *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s (%s) failed quality gate %s.\n\n", t.ID, t.Title, res.Name)
	fmt.Fprintf(&b, "Gate details:\n%s\n\n", res.Details)
	b.WriteString("Diagnose the root cause and fix it so the original work can be redone cleanly.")
	return b.String()
}

func bumpPriority(p task.Priority) task.Priority {
	switch p {
	case task.PriorityLow:
		return task.PriorityNormal
	case task.PriorityNormal:
		return task.PriorityHigh
	default:
		return task.PriorityCritical
	}
}
