package loopdetect

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corvid-labs/autopilot/internal/events"
	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/task"
)

// Topic values for recovery context entries. The authority-granted topic
// doubles as the one-shot marker: a second blocked_task_spin on a task
// that already carries it escalates instead of granting authority twice.
const (
	topicForceNext        = "force_next"
	topicAuthorityGranted = "unblock_authority_granted"
	topicEscalated        = "escalated"
)

// Recovery applies detector verdicts. Every action starts with a directive
// ContextEntry; a task under recovery either completes, is deferred with a
// bounded recheck, or is escalated. It is never retried indefinitely.
type Recovery struct {
	store   store.TaskStore
	bus     *events.Bus
	log     *logrus.Entry
	recheck time.Duration // backoff window before an escalated task is looked at again
}

// NewRecovery wires a recovery executor. bus may be nil in tests.
func NewRecovery(st store.TaskStore, bus *events.Bus, log *logrus.Entry) *Recovery {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Recovery{store: st, bus: bus, log: log, recheck: 15 * time.Minute}
}

// Apply executes a verdict's recommendation. Returns the recommendation
// actually applied, which differs from the verdict's when authority was
// already granted once and the task escalates instead.
func (r *Recovery) Apply(ctx context.Context, v Verdict) (Recommendation, error) {
	if !v.Looping {
		return RecommendNone, nil
	}

	r.log.WithFields(logrus.Fields{
		"task":           v.TaskID,
		"loop_type":      v.LoopType,
		"recommendation": v.Recommendation,
	}).Warn("loop detected")

	if r.bus != nil {
		r.bus.Publish(events.TopicRecovery, events.LoopDetectedEvent{
			ID:             v.TaskID,
			LoopType:       string(v.LoopType),
			Recommendation: string(v.Recommendation),
			Timestamp:      time.Now(),
		})
	}

	switch v.Recommendation {
	case RecommendForceNext:
		return RecommendForceNext, r.forceNext(ctx, v)
	case RecommendUnblockAuthority:
		return r.unblockOrEscalate(ctx, v)
	default:
		return RecommendNone, nil
	}
}

// forceNext marks the task done if it isn't already, flags it so the
// scheduler never reselects it, and clears its attempt history.
func (r *Recovery) forceNext(ctx context.Context, v Verdict) error {
	if err := r.directive(ctx, v, topicForceNext,
		"forcing progression past this task; it will not be reselected"); err != nil {
		return err
	}

	t, err := r.store.GetTask(ctx, v.TaskID)
	if err != nil {
		return fmt.Errorf("loading task for force-next: %w", err)
	}

	if t.Status == task.StatusDone {
		if err := r.store.AnnotateTask(ctx, v.TaskID,
			map[string]string{task.MetaForceSkipped: string(v.LoopType)},
			"force-next recovery: marked never-reselect"); err != nil {
			return err
		}
	} else {
		// needs_review is the only legal edge into done; walk there along
		// legal edges from wherever the loop was caught.
		for t.Status != task.StatusNeedsReview {
			next := stepTowardReview(t.Status)
			if next == "" {
				return fmt.Errorf("force-next: no path to done from status %s", t.Status)
			}
			t, err = r.store.Transition(ctx, v.TaskID, next, store.TransitionOptions{
				Reason: "force-next recovery: sealing repeated attempts",
			})
			if err != nil {
				return fmt.Errorf("force-next transition: %w", err)
			}
		}
		if _, err := r.store.Transition(ctx, v.TaskID, task.StatusDone, store.TransitionOptions{
			Reason:   "force-next recovery: marked done to break repetition",
			Metadata: map[string]string{task.MetaForceSkipped: string(v.LoopType)},
		}); err != nil {
			return fmt.Errorf("force-next transition to done: %w", err)
		}
	}

	if err := r.store.ClearAttempts(ctx, v.TaskID); err != nil {
		return fmt.Errorf("clearing attempts after force-next: %w", err)
	}
	return nil
}

// unblockOrEscalate grants scoped authority to work around the blockers,
// exactly once. A recurrence of the same loop after the grant means the
// authority didn't help; granting it twice would loop the recovery itself.
func (r *Recovery) unblockOrEscalate(ctx context.Context, v Verdict) (Recommendation, error) {
	granted, err := r.store.CountContextEntries(ctx, v.TaskID, task.EntryRecovery, topicAuthorityGranted)
	if err != nil {
		return RecommendNone, fmt.Errorf("checking prior authority grant: %w", err)
	}

	if granted > 0 {
		if err := r.directive(ctx, v, topicEscalated,
			"unblock authority already granted once without effect; escalating for manual attention"); err != nil {
			return RecommendNone, err
		}
		until := time.Now().UTC().Add(r.recheck)
		if _, err := r.store.Transition(ctx, v.TaskID, task.StatusBlocked, store.TransitionOptions{
			Reason:       "escalated: repeated blocker spin after authority grant",
			Blockers:     []string{"escalated: needs manual attention (" + v.Detail + ")"},
			BackoffUntil: &until,
		}); err != nil {
			// Already blocked is fine; the directive entry is the part
			// that must not be lost.
			r.log.WithError(err).WithField("task", v.TaskID).Debug("escalation transition skipped")
		}
		return RecommendEscalate, nil
	}

	if err := r.directive(ctx, v, topicAuthorityGranted,
		"granting scoped authority to work around blockers: "+v.Detail); err != nil {
		return RecommendNone, err
	}

	if err := r.store.AnnotateTask(ctx, v.TaskID,
		map[string]string{task.MetaUnblockAuthority: "granted"},
		"unblock authority granted; next attempt may work around the named blockers"); err != nil {
		return RecommendNone, err
	}

	t, err := r.store.GetTask(ctx, v.TaskID)
	if err != nil {
		return RecommendNone, fmt.Errorf("loading task for authority grant: %w", err)
	}
	if t.Status == task.StatusBlocked {
		if _, err := r.store.Transition(ctx, v.TaskID, task.StatusPending, store.TransitionOptions{
			Reason: "unblocked for retry under granted authority",
		}); err != nil {
			return RecommendNone, fmt.Errorf("authority-grant transition: %w", err)
		}
	}
	return RecommendUnblockAuthority, nil
}

// stepTowardReview returns the next legal status on the shortest path
// from the given status to needs_review.
func stepTowardReview(s task.Status) task.Status {
	switch s {
	case task.StatusBlocked:
		return task.StatusPending
	case task.StatusPending:
		return task.StatusInProgress
	case task.StatusInProgress:
		return task.StatusNeedsReview
	default:
		return ""
	}
}

func (r *Recovery) directive(ctx context.Context, v Verdict, topic, content string) error {
	entry := &task.ContextEntry{
		TaskID:     v.TaskID,
		EntryType:  task.EntryRecovery,
		Topic:      topic,
		Content:    content,
		Confidence: 1,
		Metadata: map[string]string{
			"loop_type":      string(v.LoopType),
			"recommendation": string(v.Recommendation),
		},
	}
	if err := r.store.AddContextEntry(ctx, entry); err != nil {
		return fmt.Errorf("writing recovery directive: %w", err)
	}
	return nil
}
