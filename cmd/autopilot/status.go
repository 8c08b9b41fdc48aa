package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/task"
)

var statusFlags struct {
	trail string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the backlog and each task's state",
	RunE:  showStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFlags.trail, "trail", "", "print the full context trail for one task")
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.Open(ctx, filepath.Join(cfg.DataDir, "autopilot.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if statusFlags.trail != "" {
		return printTrail(ctx, st, statusFlags.trail, cmd)
	}

	tasks, err := st.ListTasks(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	if len(tasks) == 0 {
		cmd.Println("no tasks")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tATTEMPTS\tDEPS\tBLOCKERS")
	counts := map[task.Status]int{}
	for _, t := range tasks {
		counts[t.Status]++
		blockers := strings.Join(t.Blockers, "; ")
		if t.InBackoff(time.Now().UTC()) {
			blockers += fmt.Sprintf(" [backoff until %s]", t.BackoffUntil.Format("15:04:05"))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			t.ID, t.Status, t.Priority, t.Attempts, len(t.Dependencies),
			strings.TrimSpace(blockers))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	cmd.Printf("\n%d total: %d pending, %d in progress, %d blocked, %d in review, %d done, %d failed\n",
		len(tasks), counts[task.StatusPending], counts[task.StatusInProgress],
		counts[task.StatusBlocked], counts[task.StatusNeedsReview],
		counts[task.StatusDone], counts[task.StatusFailed])
	return nil
}

func printTrail(ctx context.Context, st store.TaskStore, taskID string, cmd *cobra.Command) error {
	t, err := st.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	trail, err := st.ContextTrail(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading trail for %s: %w", taskID, err)
	}

	cmd.Printf("%s (%s) %s\n\n", t.ID, t.Status, t.Title)
	for _, e := range trail {
		cmd.Printf("%s  [%s/%s]  %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.EntryType, e.Topic, e.Content)
	}
	return nil
}
