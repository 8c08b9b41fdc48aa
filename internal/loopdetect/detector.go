// Package loopdetect inspects recent attempt history to catch the three
// ways an autonomous scheduler wastes work: re-attempting finished tasks,
// spinning on an identical blocker set, and repeating attempts that make
// no new progress.
package loopdetect

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/task"
)

// LoopType classifies a detected loop.
type LoopType string

const (
	LoopNone             LoopType = ""
	LoopCompletedRevisit LoopType = "completed_task_revisit"
	LoopBlockedSpin      LoopType = "blocked_task_spin"
	LoopNoProgress       LoopType = "no_progress_repeat"
)

// Recommendation is the recovery action a verdict carries.
type Recommendation string

const (
	RecommendNone             Recommendation = "none"
	RecommendForceNext        Recommendation = "force_next"
	RecommendUnblockAuthority Recommendation = "unblock_authority"
	RecommendEscalate         Recommendation = "escalate"
)

// Verdict is the detector's classification of one task.
type Verdict struct {
	TaskID         string
	Looping        bool
	LoopType       LoopType
	Recommendation Recommendation
	Detail         string
}

// Config tunes the sliding window. A done task being re-attempted has no
// threshold: a single wasted attempt is already a loop.
type Config struct {
	Window           time.Duration // attempt lookback (default 1h)
	BlockerThreshold int           // identical blocker sets (default 3)
	RepeatThreshold  int           // identical summaries (default 5)
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:           time.Hour,
		BlockerThreshold: 3,
		RepeatThreshold:  5,
	}
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.BlockerThreshold <= 0 {
		c.BlockerThreshold = 3
	}
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = 5
	}
}

// Detector classifies tasks against their recent attempt history.
type Detector struct {
	store store.TaskStore
	cfg   Config
}

// NewDetector creates a detector over the given store.
func NewDetector(st store.TaskStore, cfg Config) *Detector {
	cfg.applyDefaults()
	return &Detector{store: st, cfg: cfg}
}

// Detect classifies one task. A task with too little history, or whose
// recent attempts differ from each other, is not looping: differences mean
// progress is being made.
func (d *Detector) Detect(ctx context.Context, taskID string) (Verdict, error) {
	verdict := Verdict{TaskID: taskID, Recommendation: RecommendNone}

	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return verdict, fmt.Errorf("loading task for loop check: %w", err)
	}

	limit := d.cfg.RepeatThreshold
	if d.cfg.BlockerThreshold > limit {
		limit = d.cfg.BlockerThreshold
	}
	attempts, err := d.store.RecentAttempts(ctx, taskID, d.cfg.Window, limit)
	if err != nil {
		return verdict, fmt.Errorf("loading attempts for loop check: %w", err)
	}

	// A finished task being attempted again is the cheapest loop to break.
	if t.Status == task.StatusDone && len(attempts) > 0 {
		verdict.Looping = true
		verdict.LoopType = LoopCompletedRevisit
		verdict.Recommendation = RecommendForceNext
		verdict.Detail = fmt.Sprintf("task is already done but has %d recent attempts", len(attempts))
		return verdict, nil
	}

	if n := identicalBlockerRun(attempts); n >= d.cfg.BlockerThreshold {
		verdict.Looping = true
		verdict.LoopType = LoopBlockedSpin
		verdict.Recommendation = RecommendUnblockAuthority
		verdict.Detail = fmt.Sprintf("identical blocker set across %d attempts: %s",
			n, strings.Join(attempts[0].Blockers, "; "))
		return verdict, nil
	}

	if n := identicalSummaryRun(attempts); n >= d.cfg.RepeatThreshold {
		verdict.Looping = true
		verdict.LoopType = LoopNoProgress
		verdict.Recommendation = RecommendForceNext
		verdict.Detail = fmt.Sprintf("identical work summary across %d attempts", n)
		return verdict, nil
	}

	return verdict, nil
}

// identicalBlockerRun counts how many of the newest attempts share the
// newest attempt's blocker set. Order within the set is irrelevant.
func identicalBlockerRun(attempts []task.AttemptRecord) int {
	if len(attempts) == 0 || len(attempts[0].Blockers) == 0 {
		return 0
	}
	head := blockerKey(attempts[0].Blockers)
	n := 0
	for _, a := range attempts {
		if blockerKey(a.Blockers) != head {
			break
		}
		n++
	}
	return n
}

// identicalSummaryRun counts how many of the newest attempts share the
// newest attempt's non-empty work summary.
func identicalSummaryRun(attempts []task.AttemptRecord) int {
	if len(attempts) == 0 || strings.TrimSpace(attempts[0].Summary) == "" {
		return 0
	}
	head := attempts[0].Summary
	n := 0
	for _, a := range attempts {
		if a.Summary != head {
			break
		}
		n++
	}
	return n
}

func blockerKey(blockers []string) string {
	sorted := append([]string(nil), blockers...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}
