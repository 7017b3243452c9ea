package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goodtune/sitetime/internal/storage"
)

// CollectorStore implements storage.CollectorStore on SQLite.
type CollectorStore struct {
	db *DB
}

// NewCollectorStore wraps an open database.
func NewCollectorStore(db *DB) *CollectorStore {
	return &CollectorStore{db: db}
}

// Open opens the database at path and returns a collector store over it.
func Open(path string) (*CollectorStore, error) {
	db, err := New(path)
	if err != nil {
		return nil, err
	}
	return NewCollectorStore(db), nil
}

// RecordSession stores session and adds buckets to the running totals in
// one transaction. A session ID seen before leaves everything untouched.
func (s *CollectorStore) RecordSession(ctx context.Context, session storage.SessionRecord, buckets []storage.TimeBucket) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	hostID, err := upsertHost(ctx, tx, session.Host)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, host_id, started_at, ended_at, seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		session.ID,
		hostID,
		session.Start.UTC().Format(time.RFC3339Nano),
		session.End.UTC().Format(time.RFC3339Nano),
		int64(session.Duration()/time.Second),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert session: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check session insert: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO time_buckets (host_id, period_type, period_start, seconds)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(host_id, period_type, period_start)
			DO UPDATE SET seconds = seconds + excluded.seconds
		`, hostID, string(b.Period), b.PeriodStart, b.Seconds); err != nil {
			return false, fmt.Errorf("failed to upsert %s bucket: %w", b.Period, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit session: %w", err)
	}
	return true, nil
}

func upsertHost(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO hosts (name) VALUES (?) ON CONFLICT(name) DO NOTHING", name); err != nil {
		return 0, fmt.Errorf("failed to insert host: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM hosts WHERE name = ?", name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up host: %w", err)
	}
	return id, nil
}

// ListBuckets returns buckets ordered by host, period and start.
func (s *CollectorStore) ListBuckets(ctx context.Context, host string) ([]storage.TimeBucket, error) {
	query := `
		SELECT h.name, b.period_type, b.period_start, b.seconds
		FROM time_buckets b
		JOIN hosts h ON h.id = b.host_id
	`
	var args []interface{}
	if host != "" {
		query += " WHERE h.name = ?"
		args = append(args, host)
	}
	query += " ORDER BY h.name, b.period_type, b.period_start"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	buckets := []storage.TimeBucket{}
	for rows.Next() {
		var (
			b      storage.TimeBucket
			period string
		)
		if err := rows.Scan(&b.Host, &period, &b.PeriodStart, &b.Seconds); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		b.Period = storage.Period(period)
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate buckets: %w", err)
	}
	return buckets, nil
}

// DeleteBuckets implements storage.CollectorStore.
func (s *CollectorStore) DeleteBuckets(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM time_buckets"); err != nil {
		return fmt.Errorf("failed to delete buckets: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *CollectorStore) Close() error {
	return s.db.Close()
}
