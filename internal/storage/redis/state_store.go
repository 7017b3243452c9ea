package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/sitetime/internal/policy"
	"github.com/goodtune/sitetime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type snapshotStore struct {
	client *redis.Client
	key    string
}

// Load retrieves the accounting snapshot
func (s *snapshotStore) Load(ctx context.Context) (*storage.Snapshot, error) {
	var snapshot storage.Snapshot
	if err := getJSON(ctx, s.client, s.key, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Save writes the snapshot and records when it was written, atomically
func (s *snapshotStore) Save(ctx context.Context, snapshot *storage.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key, data, 0)
		pipe.Set(ctx, s.key+":saved_at", time.Now().UTC().Format(time.RFC3339Nano), 0)
		return nil
	})
	return err
}

type filterStore struct {
	client *redis.Client
	key    string
}

// Load retrieves the filter policy settings
func (s *filterStore) Load(ctx context.Context) (*policy.Settings, error) {
	var settings policy.Settings
	if err := getJSON(ctx, s.client, s.key, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// Save writes the filter policy settings
func (s *filterStore) Save(ctx context.Context, settings policy.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	return s.client.Set(ctx, s.key, data, 0).Err()
}

func getJSON(ctx context.Context, client *redis.Client, key string, out any) error {
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return nil
}
