package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/sitetime/internal/config"
	"github.com/goodtune/sitetime/internal/policy"
	"github.com/goodtune/sitetime/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so the port is left unset
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
		KeyPrefix:    "test",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestSnapshotStore_SaveLoad(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	if _, err := store.Snapshots().Load(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	start := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	snapshot := storage.NewSnapshot()
	snapshot.ActiveHost = "github.com"
	snapshot.ActiveStart = &start
	snapshot.Totals["github.com"] = 3 * time.Minute
	snapshot.Outbox = []storage.SessionRecord{
		{ID: "r1", Host: "github.com", Start: start.Add(-3 * time.Minute), End: start},
	}

	if err := store.Snapshots().Save(ctx, snapshot); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if !mr.Exists("test:state") {
		t.Fatal("Expected test:state key to exist")
	}
	if !mr.Exists("test:state:saved_at") {
		t.Fatal("Expected test:state:saved_at key to exist")
	}

	loaded, err := store.Snapshots().Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.ActiveHost != "github.com" {
		t.Errorf("Expected ActiveHost github.com, got %s", loaded.ActiveHost)
	}
	if loaded.Totals["github.com"] != 3*time.Minute {
		t.Errorf("Expected 3m total, got %v", loaded.Totals["github.com"])
	}
	if len(loaded.Outbox) != 1 || loaded.Outbox[0].ID != "r1" {
		t.Errorf("Expected outbox [r1], got %+v", loaded.Outbox)
	}
}

func TestSnapshotStore_Malformed(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	if err := mr.Set("test:state", "not-json"); err != nil {
		t.Fatalf("miniredis set: %v", err)
	}

	_, err := store.Snapshots().Load(context.Background())
	if err == nil {
		t.Fatal("Expected error for malformed snapshot")
	}
	if errors.Is(err, storage.ErrNotFound) {
		t.Fatal("Malformed snapshot must not be reported as not found")
	}
}

func TestFilterStore_SaveLoad(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	settings := policy.Settings{Mode: policy.ModeWhitelist, List: []string{"a.com", "b.com"}}
	if err := store.Filters().Save(ctx, settings); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Filters().Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Mode != policy.ModeWhitelist || len(loaded.List) != 2 {
		t.Errorf("Unexpected settings: %+v", loaded)
	}
}

func TestOpen_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(config.RedisConfig{
		Host:         addr,
		DialTimeout:  "200ms",
		ReadTimeout:  "200ms",
		WriteTimeout: "200ms",
	})
	if err == nil {
		t.Fatal("Expected error connecting to a closed server")
	}
}
