package bolt

import (
	"context"

	"github.com/goodtune/sitetime/internal/policy"
	"github.com/goodtune/sitetime/internal/storage"
	"go.etcd.io/bbolt"
)

type snapshotStore struct {
	db *bbolt.DB
}

func (s *snapshotStore) Load(ctx context.Context) (*storage.Snapshot, error) {
	return getBucketValue[storage.Snapshot](ctx, s.db, bucketState, keySnapshot)
}

func (s *snapshotStore) Save(ctx context.Context, snapshot *storage.Snapshot) error {
	return putBucketValue(ctx, s.db, bucketState, keySnapshot, snapshot)
}

type filterStore struct {
	db *bbolt.DB
}

func (s *filterStore) Load(ctx context.Context) (*policy.Settings, error) {
	return getBucketValue[policy.Settings](ctx, s.db, bucketState, keyFilters)
}

func (s *filterStore) Save(ctx context.Context, settings policy.Settings) error {
	return putBucketValue(ctx, s.db, bucketState, keyFilters, settings)
}
