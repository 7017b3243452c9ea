package storage

import (
	"context"
	"errors"

	"github.com/goodtune/sitetime/internal/policy"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the agent's durable key-value store. It holds exactly
// two values: the accounting snapshot and the filter policy.
type Store interface {
	Close() error
	Snapshots() SnapshotStore
	Filters() FilterStore
}

// SnapshotStore loads and saves the full accounting snapshot.
type SnapshotStore interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// FilterStore loads and saves the filter policy settings.
type FilterStore interface {
	Load(ctx context.Context) (*policy.Settings, error)
	Save(ctx context.Context, settings policy.Settings) error
}

// CollectorStore persists sessions received by the collector.
type CollectorStore interface {
	// RecordSession stores a session and adds its buckets to the running
	// totals. It returns false without touching the totals when a session
	// with the same ID was already recorded.
	RecordSession(ctx context.Context, session SessionRecord, buckets []TimeBucket) (bool, error)
	// ListBuckets returns the buckets of host, or of every host when host
	// is empty.
	ListBuckets(ctx context.Context, host string) ([]TimeBucket, error)
	// DeleteBuckets removes all accumulated buckets. Recorded session IDs
	// are kept so re-sent sessions are still recognized.
	DeleteBuckets(ctx context.Context) error
	Close() error
}
