package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/autopilot/internal/plan"
	"github.com/corvid-labs/autopilot/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import <plan.yaml>",
	Short: "Import a task plan into the backlog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		return importPlan(ctx, st, args[0], cmd.OutOrStdout())
	},
}

func importPlan(ctx context.Context, st store.TaskStore, path string, out io.Writer) error {
	p, err := plan.Load(path)
	if err != nil {
		return fmt.Errorf("loading plan: %w", err)
	}
	created, err := plan.Import(ctx, st, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "imported %d of %d tasks from %s\n", created, len(p.Tasks), path)
	return nil
}
