package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/autopilot/internal/task"
)

// insertContextEntry appends an entry inside an existing transaction so it
// commits atomically with the write it documents.
func insertContextEntry(ctx context.Context, tx *sql.Tx, e *task.ContextEntry) error {
	metadata, err := encodeMap(e.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO context_entries (task_id, entry_type, topic, content, confidence, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.TaskID, string(e.EntryType), e.Topic, e.Content, e.Confidence, metadata)
	if err != nil {
		return fmt.Errorf("inserting context entry: %w", err)
	}
	return nil
}

// AddContextEntry appends a standalone entry (decisions, recovery actions,
// capacity events). Entries are write-once; there is no update or delete.
func (s *SQLiteStore) AddContextEntry(ctx context.Context, e *task.ContextEntry) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertContextEntry(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

// ContextTrail returns all entries for a task in append order. This is the
// audit trail: it must be enough to reconstruct the decision chain.
func (s *SQLiteStore) ContextTrail(ctx context.Context, taskID string) ([]task.ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, entry_type, topic, content, confidence, metadata, timestamp
		FROM context_entries
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying context trail: %w", err)
	}
	defer rows.Close()

	var trail []task.ContextEntry
	for rows.Next() {
		var e task.ContextEntry
		var entryType, metadata string
		if err := rows.Scan(&e.ID, &e.TaskID, &entryType, &e.Topic, &e.Content, &e.Confidence, &metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning context entry: %w", err)
		}
		e.EntryType = task.EntryType(entryType)
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding entry metadata: %w", err)
		}
		trail = append(trail, e)
	}
	return trail, rows.Err()
}

// CountContextEntries counts a task's entries of a given type and topic.
// The loop detector uses this to check whether unblock authority was
// already granted.
func (s *SQLiteStore) CountContextEntries(ctx context.Context, taskID string, entryType task.EntryType, topic string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM context_entries
		WHERE task_id = ? AND entry_type = ? AND topic = ?
	`, taskID, string(entryType), topic).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting context entries: %w", err)
	}
	return n, nil
}

// RecordAttempt appends an attempt record and bumps the task's attempt
// counter in the same transaction.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a *task.AttemptRecord) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	blockers, err := encodeList(a.Blockers)
	if err != nil {
		return err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (id, task_id, status_at_attempt, blockers, summary, session_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.TaskID, string(a.StatusAtAttempt), blockers, a.Summary, a.SessionID)
	if err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET attempts = attempts + 1 WHERE id = ?`, a.TaskID)
	if err != nil {
		return fmt.Errorf("bumping attempt counter: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("record attempt for %s: %w", a.TaskID, task.ErrNotFound)
	}

	return tx.Commit()
}

// RecentAttempts returns up to limit attempts for a task within the window,
// newest first.
func (s *SQLiteStore) RecentAttempts(ctx context.Context, taskID string, window time.Duration, limit int) ([]task.AttemptRecord, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, status_at_attempt, blockers, summary, session_id, timestamp
		FROM attempts
		WHERE task_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, taskID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var attempts []task.AttemptRecord
	for rows.Next() {
		var a task.AttemptRecord
		var status, blockers string
		if err := rows.Scan(&a.ID, &a.TaskID, &status, &blockers, &a.Summary, &a.SessionID, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		a.StatusAtAttempt = task.Status(status)
		if err := json.Unmarshal([]byte(blockers), &a.Blockers); err != nil {
			return nil, fmt.Errorf("decoding attempt blockers: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ClearAttempts drops a task's attempt history. Used by force-advance
// recovery; store correctness does not depend on attempts.
func (s *SQLiteStore) ClearAttempts(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("clearing attempts for %s: %w", taskID, err)
	}
	return nil
}

// PruneAttempts deletes attempts older than the cutoff across all tasks.
func (s *SQLiteStore) PruneAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE timestamp < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning attempts: %w", err)
	}
	return res.RowsAffected()
}
