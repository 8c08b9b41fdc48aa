package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/corvid-labs/autopilot/internal/task"
)

// Filter narrows ListTasks results. Zero value matches everything.
type Filter struct {
	Statuses []task.Status
}

// TransitionOptions carries the side data of a status transition. Reason is
// mandatory metadata for the audit trail; the rest is applied to the task
// row in the same transaction.
type TransitionOptions struct {
	Reason       string
	Blockers     []string // replaces the task's blocker list; nil leaves it unchanged
	AgentID      string
	BackoffUntil *time.Time
	Metadata     map[string]string // merged into the task's metadata bag
}

// TaskStore is the persistence contract for the orchestration core. All
// writes are atomic with their ContextEntry; reads reflect the latest
// committed write.
type TaskStore interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, f Filter) ([]*task.Task, error)
	Transition(ctx context.Context, id string, to task.Status, opts TransitionOptions) (*task.Task, error)
	AnnotateTask(ctx context.Context, id string, metadata map[string]string, reason string) error
	SetDependencies(ctx context.Context, id string, deps []string, reason string) error
	Dependencies(ctx context.Context, id string) ([]string, error)
	Dependents(ctx context.Context, id string) ([]string, error)

	AddContextEntry(ctx context.Context, e *task.ContextEntry) error
	ContextTrail(ctx context.Context, taskID string) ([]task.ContextEntry, error)
	CountContextEntries(ctx context.Context, taskID string, entryType task.EntryType, topic string) (int, error)

	RecordAttempt(ctx context.Context, a *task.AttemptRecord) error
	RecentAttempts(ctx context.Context, taskID string, window time.Duration, limit int) ([]task.AttemptRecord, error)
	ClearAttempts(ctx context.Context, taskID string) error
	PruneAttempts(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// SQLiteStore implements TaskStore on SQLite. Safe for concurrent use;
// Close is idempotent.
type SQLiteStore struct {
	db        *sql.DB
	closeOnce sync.Once
	closeErr  error
}

// Open creates a SQLite-backed store at dbPath, creating parent directories
// as needed. WAL mode and a busy timeout keep concurrent workers from
// tripping over each other; synchronous=NORMAL is safe under WAL.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	// modernc.org/sqlite only understands the _pragma=name(value) form;
	// the _journal_mode style keys other drivers accept are ignored.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// OpenMemory creates an in-memory store for tests. A shared cache lets
// multiple connections see the same database.
func OpenMemory(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, "file::memory:?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Two connections: one for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the database. A second call is a no-op returning the first
// call's result.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// begin starts a write transaction. Serializable isolation maps to BEGIN
// IMMEDIATE under the sqlite driver, taking the write lock up front.
func (s *SQLiteStore) begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}
