// Package idempotency guarantees at-most-one-effective-execution for
// mutating operations. A retried call observes the first call's recorded
// outcome instead of re-running the side effect.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// State is an entry's lifecycle phase. Once completed or failed, an entry
// is immutable until TTL expiry.
type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ErrFinalized rejects a second RecordSuccess/RecordFailure for a key.
var ErrFinalized = errors.New("idempotency entry already finalized")

// ErrUnknownKey rejects finalization of a key that was never started.
var ErrUnknownKey = errors.New("idempotency key not found")

// Entry is one recorded logical request.
type Entry struct {
	Key       string    `json:"key"`
	State     State     `json:"state"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Backend is the storage behind the cache: an in-process map for one-node
// operation or a shared keyed store for multi-process deployments. Callers
// never see which is active.
type Backend interface {
	// Get returns the live entry for key, nil when absent or expired.
	Get(ctx context.Context, key string) (*Entry, error)
	// PutIfAbsent atomically inserts entry when no live entry exists for
	// its key. It returns the surviving entry and whether the insert won.
	PutIfAbsent(ctx context.Context, entry *Entry) (*Entry, bool, error)
	// Finalize moves a processing entry to completed or failed. A second
	// finalization returns ErrFinalized.
	Finalize(ctx context.Context, key string, state State, response, errMsg string) error
	Close() error
}

// Key derives the deterministic idempotency key for an operation and its
// input. hashstructure walks maps order-independently, so two inputs that
// differ only in map ordering produce the same key.
func Key(op string, input any) (string, error) {
	h, err := hashstructure.Hash(struct {
		Op    string
		Input any
	}{Op: op, Input: input}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing idempotency input: %w", err)
	}
	return fmt.Sprintf("%s:%016x", op, h), nil
}

// StartResult is what StartRequest tells the caller.
type StartResult struct {
	Key      string
	IsNew    bool
	Existing *Entry // nil when IsNew
}

// Cache is the caller-facing API over a Backend.
type Cache struct {
	backend Backend
	ttl     time.Duration
}

// New creates a cache. ttl <= 0 defaults to one hour.
func New(backend Backend, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{backend: backend, ttl: ttl}
}

// StartRequest begins (or short-circuits) a logical mutating request.
// When IsNew is true the caller must perform the side effect and then call
// exactly one of RecordSuccess or RecordFailure with the returned key.
// When IsNew is false the caller must NOT re-execute: Existing carries the
// recorded outcome, or the in-flight processing marker.
func (c *Cache) StartRequest(ctx context.Context, op string, input any) (StartResult, error) {
	key, err := Key(op, input)
	if err != nil {
		return StartResult{}, err
	}

	now := time.Now().UTC()
	candidate := &Entry{
		Key:       key,
		State:     StateProcessing,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	surviving, inserted, err := c.backend.PutIfAbsent(ctx, candidate)
	if err != nil {
		return StartResult{}, fmt.Errorf("registering request %s: %w", key, err)
	}
	if inserted {
		return StartResult{Key: key, IsNew: true}, nil
	}
	return StartResult{Key: key, IsNew: false, Existing: surviving}, nil
}

// RecordSuccess finalizes a request with its response.
func (c *Cache) RecordSuccess(ctx context.Context, key, response string) error {
	return c.backend.Finalize(ctx, key, StateCompleted, response, "")
}

// RecordFailure finalizes a request with its error.
func (c *Cache) RecordFailure(ctx context.Context, key, errMsg string) error {
	return c.backend.Finalize(ctx, key, StateFailed, "", errMsg)
}

// Do wraps a side effect in the full start/finalize protocol. Retried
// calls with identical input observe the first call's outcome.
func (c *Cache) Do(ctx context.Context, op string, input any, fn func() (string, error)) (string, error) {
	res, err := c.StartRequest(ctx, op, input)
	if err != nil {
		return "", err
	}
	if !res.IsNew {
		if res.Existing.State == StateFailed {
			return "", fmt.Errorf("previous attempt failed: %s", res.Existing.Error)
		}
		return res.Existing.Response, nil
	}

	out, fnErr := fn()
	if fnErr != nil {
		if recErr := c.RecordFailure(ctx, res.Key, fnErr.Error()); recErr != nil {
			return "", fmt.Errorf("recording failure: %w (original: %s)", recErr, fnErr)
		}
		return "", fnErr
	}
	if err := c.RecordSuccess(ctx, res.Key, out); err != nil {
		return "", fmt.Errorf("recording success: %w", err)
	}
	return out, nil
}

// Close releases the backend. Idempotent because the backends are.
func (c *Cache) Close() error {
	return c.backend.Close()
}
