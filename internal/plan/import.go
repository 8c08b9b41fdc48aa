package plan

import (
	"context"
	"errors"
	"fmt"

	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/task"
)

// Import seeds a plan's tasks into the store. Tasks whose IDs already
// exist are skipped, so re-importing an amended plan only adds the new
// entries. Returns the number of tasks created.
func Import(ctx context.Context, st store.TaskStore, p *Plan) (int, error) {
	created := 0
	for _, t := range p.Materialize() {
		// Dependencies on tasks skipped as duplicates still resolve: the
		// store verifies them against its own contents.
		if err := st.CreateTask(ctx, t); err != nil {
			if errors.Is(err, task.ErrDuplicateID) {
				continue
			}
			return created, fmt.Errorf("importing task %s: %w", t.ID, err)
		}
		created++
	}
	return created, nil
}
