package accounting

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/sitetime/internal/storage"
)

func TestRecover(t *testing.T) {
	tests := []struct {
		name       string
		host       string
		openedAgo  time.Duration
		wantRecord bool
		wantDur    time.Duration
	}{
		{name: "capped after long outage", host: "a.com", openedAgo: 20 * time.Minute, wantRecord: true, wantDur: 15 * time.Minute},
		{name: "short outage credited in full", host: "a.com", openedAgo: 2 * time.Minute, wantRecord: true, wantDur: 2 * time.Minute},
		{name: "below noise floor", host: "a.com", openedAgo: 300 * time.Millisecond},
		{name: "start without host", host: "", openedAgo: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := storage.NewSnapshot()
			state.ActiveHost = tt.host
			start := epoch.Add(-tt.openedAgo)
			state.ActiveStart = &start

			a, _, store := newTestAccountant(t, trackAll, state)

			recovered, err := a.Recover(context.Background())
			if err != nil {
				t.Fatalf("Recover: %v", err)
			}
			if recovered != tt.wantRecord {
				t.Fatalf("recovered = %v, want %v", recovered, tt.wantRecord)
			}

			snap := a.Snapshot()
			if snap.ActiveStart != nil {
				t.Fatal("recovery must always clear the open interval")
			}
			if !tt.wantRecord {
				if len(snap.Outbox) != 0 || snap.Totals[tt.host] != 0 {
					t.Fatalf("expected nothing recorded, got %+v", snap)
				}
				return
			}

			if len(snap.Outbox) != 1 {
				t.Fatalf("expected 1 record, got %d", len(snap.Outbox))
			}
			rec := snap.Outbox[0]
			if rec.Duration() != tt.wantDur || !rec.Start.Equal(start) {
				t.Fatalf("unexpected record %+v", rec)
			}
			if snap.Totals[tt.host] != tt.wantDur {
				t.Fatalf("expected total %s, got %s", tt.wantDur, snap.Totals[tt.host])
			}
			if store.saved == nil || store.saved.ActiveStart != nil {
				t.Fatal("expected recovered state to be persisted")
			}
		})
	}
}

func TestRecoverWithoutOpenInterval(t *testing.T) {
	a, _, store := newTestAccountant(t, trackAll, nil)

	recovered, err := a.Recover(context.Background())
	if err != nil || recovered {
		t.Fatalf("expected no-op, got %v, %v", recovered, err)
	}
	if store.saves != 0 {
		t.Fatal("nothing to persist")
	}
}
