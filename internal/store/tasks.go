package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/corvid-labs/autopilot/internal/task"
)

const taskColumns = `id, title, description, status, priority, complexity, metadata,
	assigned_agent_id, blockers, backoff_until, attempts, created_at, started_at, completed_at, updated_at`

// CreateTask inserts a new task and its dependency edges, writing the
// creation ContextEntry in the same transaction. Dependencies must already
// exist; the dependency set is immutable afterwards except through
// SetDependencies.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, t.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("creating task %s: %w", t.ID, task.ErrDuplicateID)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("checking task existence: %w", err)
	}

	metadata, err := encodeMap(t.Metadata)
	if err != nil {
		return err
	}
	blockers, err := encodeList(t.Blockers)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, complexity, metadata,
			assigned_agent_id, blockers, backoff_until, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, t.ID, t.Title, t.Description, string(t.Status), string(priorityOrDefault(t.Priority)),
		t.EstimatedComplexity, metadata, t.AssignedAgentID, blockers, nullTime(t.BackoffUntil), t.Attempts)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	for _, depID := range t.Dependencies {
		var depExists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&depExists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("task %s depends on unknown task %s: %w", t.ID, depID, task.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking dependency %s: %w", depID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		`, t.ID, depID)
		if err != nil {
			return fmt.Errorf("inserting dependency %s -> %s: %w", t.ID, depID, err)
		}
	}

	if err := insertContextEntry(ctx, tx, &task.ContextEntry{
		TaskID:     t.ID,
		EntryType:  task.EntryTransition,
		Topic:      "created",
		Content:    fmt.Sprintf("task created in %s with %d dependencies", t.Status, len(t.Dependencies)),
		Confidence: 1,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// GetTask retrieves a task by ID, including its dependency list.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task %s: %w", id, err)
	}

	deps, err := s.Dependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Dependencies = deps
	return t, nil
}

// ListTasks returns all tasks matching the filter, with dependencies,
// ordered by creation time.
func (s *SQLiteStore) ListTasks(ctx context.Context, f Filter) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}

	for _, t := range tasks {
		deps, err := s.Dependencies(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.Dependencies = deps
	}
	return tasks, nil
}

// Transition moves a task along the status graph. The status check, the
// dependency check for done, the row update, and the ContextEntry are one
// transaction; either all of it is observable after commit or none of it.
func (s *SQLiteStore) Transition(ctx context.Context, id string, to task.Status, opts TransitionOptions) (*task.Task, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transition task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task %s: %w", id, err)
	}
	from := t.Status

	if !task.CanTransition(from, to) {
		return nil, &task.TransitionError{TaskID: id, From: from, To: to}
	}

	if to == task.StatusDone {
		if err := checkDependenciesDone(ctx, tx, id); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	t.Status = to
	t.UpdatedAt = now

	switch to {
	case task.StatusInProgress:
		t.AssignedAgentID = opts.AgentID
		t.StartedAt = &now
		t.BackoffUntil = nil
	case task.StatusDone, task.StatusFailed:
		t.AssignedAgentID = ""
		t.CompletedAt = &now
		t.BackoffUntil = nil
	default:
		t.AssignedAgentID = ""
	}

	if opts.Blockers != nil {
		t.Blockers = opts.Blockers
	}
	if to == task.StatusDone {
		t.Blockers = nil
	}
	if opts.BackoffUntil != nil {
		t.BackoffUntil = opts.BackoffUntil
	}
	if opts.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(opts.Metadata))
		}
		for k, v := range opts.Metadata {
			t.Metadata[k] = v
		}
	}

	metadata, err := encodeMap(t.Metadata)
	if err != nil {
		return nil, err
	}
	blockers, err := encodeList(t.Blockers)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, metadata = ?, assigned_agent_id = ?, blockers = ?,
			backoff_until = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, string(to), metadata, t.AssignedAgentID, blockers,
		nullTime(t.BackoffUntil), nullTime(t.StartedAt), nullTime(t.CompletedAt), now, id)
	if err != nil {
		return nil, fmt.Errorf("updating task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("transition task %s: %w", id, task.ErrNotFound)
	}

	content := opts.Reason
	if content == "" {
		content = fmt.Sprintf("status %s -> %s", from, to)
	}
	entryMeta := map[string]string{"from": string(from), "to": string(to)}
	if len(t.Blockers) > 0 {
		entryMeta["blockers"] = strings.Join(t.Blockers, "; ")
	}
	if err := insertContextEntry(ctx, tx, &task.ContextEntry{
		TaskID:     id,
		EntryType:  task.EntryTransition,
		Topic:      string(to),
		Content:    content,
		Confidence: 1,
		Metadata:   entryMeta,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition: %w", err)
	}

	deps, err := s.Dependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Dependencies = deps
	return t, nil
}

// checkDependenciesDone rejects a transition to done while any dependency
// is not done. Invariant (a).
func checkDependenciesDone(ctx context.Context, tx *sql.Tx, id string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT d.depends_on_id, t.status
		FROM task_dependencies d JOIN tasks t ON t.id = d.depends_on_id
		WHERE d.task_id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("querying dependency statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var depID, status string
		if err := rows.Scan(&depID, &status); err != nil {
			return fmt.Errorf("scanning dependency status: %w", err)
		}
		if task.Status(status) != task.StatusDone {
			return &task.DependencyError{TaskID: id, DependencyID: depID, DepStatus: task.Status(status)}
		}
	}
	return rows.Err()
}

// AnnotateTask merges metadata into a task without a status change, with
// the explaining ContextEntry in the same transaction. Recovery uses this
// to attach authority grants and skip flags.
func (s *SQLiteStore) AnnotateTask(ctx context.Context, id string, metadata map[string]string, reason string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("annotate task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying task %s: %w", id, err)
	}

	if t.Metadata == nil {
		t.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		t.Metadata[k] = v
	}
	encoded, err := encodeMap(t.Metadata)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET metadata = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, encoded, id); err != nil {
		return fmt.Errorf("updating metadata for %s: %w", id, err)
	}

	if err := insertContextEntry(ctx, tx, &task.ContextEntry{
		TaskID:     id,
		EntryType:  task.EntryDecision,
		Topic:      "annotated",
		Content:    reason,
		Confidence: 1,
		Metadata:   metadata,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetDependencies replaces a task's dependency set. This is the explicit
// administrative edit the model allows; it always leaves an admin entry.
func (s *SQLiteStore) SetDependencies(ctx context.Context, id string, deps []string, reason string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("set dependencies on %s: %w", id, task.ErrNotFound)
		}
		return fmt.Errorf("checking task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("deleting old dependencies: %w", err)
	}
	for _, depID := range deps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		`, id, depID); err != nil {
			return fmt.Errorf("inserting dependency %s -> %s: %w", id, depID, err)
		}
	}

	if err := insertContextEntry(ctx, tx, &task.ContextEntry{
		TaskID:     id,
		EntryType:  task.EntryAdmin,
		Topic:      "dependencies_edited",
		Content:    reason,
		Confidence: 1,
		Metadata:   map[string]string{"dependencies": strings.Join(deps, ",")},
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// Dependencies returns the IDs the given task depends on.
func (s *SQLiteStore) Dependencies(ctx context.Context, id string) ([]string, error) {
	return s.queryIDs(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id`, id)
}

// Dependents returns the IDs of tasks that depend on the given task.
func (s *SQLiteStore) Dependents(ctx context.Context, id string) ([]string, error) {
	return s.queryIDs(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on_id = ? ORDER BY task_id`, id)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("querying edges for %s: %w", id, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var out string
		if err := rows.Scan(&out); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		ids = append(ids, out)
	}
	return ids, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	t := &task.Task{}
	var status, priority, metadata, blockers string
	var backoffUntil, startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &t.EstimatedComplexity,
		&metadata, &t.AssignedAgentID, &blockers, &backoffUntil, &t.Attempts,
		&t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(blockers), &t.Blockers); err != nil {
		return nil, fmt.Errorf("decoding blockers for %s: %w", t.ID, err)
	}
	if backoffUntil.Valid {
		t.BackoffUntil = &backoffUntil.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func encodeMap(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(data), nil
}

func encodeList(l []string) (string, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("encoding list: %w", err)
	}
	return string(data), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func priorityOrDefault(p task.Priority) task.Priority {
	if p == "" {
		return task.PriorityNormal
	}
	return p
}
