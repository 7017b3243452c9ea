package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/sitetime/internal/accounting"
	"github.com/goodtune/sitetime/internal/flush"
	"github.com/goodtune/sitetime/internal/hosts"
	"github.com/goodtune/sitetime/internal/notify"
	"github.com/goodtune/sitetime/internal/policy"
	"github.com/goodtune/sitetime/internal/storage"
)

var epoch = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	state   *storage.Snapshot
	filters *policy.Settings
}

func (m *memStore) Load(ctx context.Context) (*storage.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, storage.ErrNotFound
	}
	return m.state.Clone(), nil
}

func (m *memStore) Save(ctx context.Context, s *storage.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s.Clone()
	return nil
}

func (m *memStore) snapshot() *storage.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

type filterStore struct {
	mu    sync.Mutex
	saved *policy.Settings
}

func (f *filterStore) Load(ctx context.Context) (*policy.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		return nil, storage.ErrNotFound
	}
	s := *f.saved
	return &s, nil
}

func (f *filterStore) Save(ctx context.Context, s policy.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = &s
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	err     error
	batches []flush.Batch
}

func (f *fakeSink) Send(ctx context.Context, b flush.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	return f.err
}

func (f *fakeSink) sent() []flush.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]flush.Batch(nil), f.batches...)
}

type recorder struct {
	mu      sync.Mutex
	updates []notify.Update
}

func (r *recorder) Notify(u notify.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type harness struct {
	engine  *Engine
	clock   *accounting.TestClock
	store   *memStore
	filters *filterStore
	sink    *fakeSink
	notes   *recorder
	errc    chan error
	cancel  context.CancelFunc
}

func start(t *testing.T, state *storage.Snapshot, settings policy.Settings, currentURL string) *harness {
	t.Helper()

	pol, err := policy.New(settings)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	classifier, err := hosts.NewClassifier(16)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	h := &harness{
		clock:   accounting.NewTestClock(epoch),
		store:   &memStore{},
		filters: &filterStore{},
		sink:    &fakeSink{},
		notes:   &recorder{},
		errc:    make(chan error, 1),
	}

	acct := accounting.New(state, h.store, pol, accounting.Config{
		Clock:    h.clock,
		Notifier: h.notes,
	}, zerolog.Nop())
	queue := flush.NewQueue(acct, h.sink, "UTC", zerolog.Nop())

	cfg := Config{TickInterval: time.Hour, FlushInterval: time.Hour}
	if currentURL != "" {
		cfg.CurrentHost = func(context.Context) string { return currentURL }
	}
	h.engine = New(acct, queue, classifier, h.filters, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.engine.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.engine.stopped
	})
	return h
}

func (h *harness) submit(t *testing.T, ev Event) {
	t.Helper()
	if err := h.engine.Submit(context.Background(), ev); err != nil {
		t.Fatalf("Submit(%s): %v", ev.Kind, err)
	}
}

func (h *harness) state(t *testing.T) *storage.Snapshot {
	t.Helper()
	var snap *storage.Snapshot
	if err := h.engine.Do(context.Background(), func(a *accounting.Accountant) {
		snap = a.Snapshot()
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	return snap
}

var trackAll = policy.Settings{Mode: policy.ModeAll}

func TestHostEventsAreSerialized(t *testing.T) {
	h := start(t, nil, trackAll, "")

	h.submit(t, Event{Kind: HostChanged, URL: "https://www.github.com/goodtune"})
	_ = h.state(t)
	h.clock.Advance(30 * time.Second)
	h.submit(t, Event{Kind: HostChanged, URL: "https://news.ycombinator.com/"})
	h.submit(t, Event{Kind: FocusLost})

	snap := h.state(t)
	if len(snap.Outbox) != 1 {
		t.Fatalf("expected 1 record, got %+v", snap.Outbox)
	}
	if rec := snap.Outbox[0]; rec.Host != "github.com" || rec.Duration() != 30*time.Second {
		t.Fatalf("unexpected record %+v", rec)
	}
	if snap.ActiveHost != "ycombinator.com" || snap.ActiveStart != nil {
		t.Fatalf("expected ycombinator.com closed after focus loss, got %+v", snap)
	}
}

func TestFocusGainedReopens(t *testing.T) {
	h := start(t, nil, trackAll, "")

	h.submit(t, Event{Kind: FocusGained, URL: "https://example.com/a"})
	if snap := h.state(t); snap.ActiveHost != "example.com" || snap.ActiveStart == nil {
		t.Fatalf("expected example.com open, got %+v", snap)
	}

	h.submit(t, Event{Kind: HostChanged, URL: "about:blank"})
	if snap := h.state(t); snap.ActiveHost != "" || snap.ActiveStart != nil {
		t.Fatalf("expected no host for about:blank, got %+v", snap)
	}
}

func TestStartupRecoversThenFlushes(t *testing.T) {
	state := storage.NewSnapshot()
	state.ActiveHost = "a.com"
	opened := epoch.Add(-20 * time.Minute)
	state.ActiveStart = &opened

	h := start(t, state, trackAll, "https://b.com/")
	snap := h.state(t)

	batches := h.sink.sent()
	if len(batches) != 1 || batches[0].Total != 1 {
		t.Fatalf("expected the recovered session to be flushed eagerly, got %+v", batches)
	}
	if rec := batches[0].Sessions[0]; rec.Host != "a.com" || rec.Duration() != 15*time.Minute {
		t.Fatalf("unexpected recovered session %+v", rec)
	}
	if snap.Totals["a.com"] != 15*time.Minute {
		t.Fatalf("expected 15m credited, got %s", snap.Totals["a.com"])
	}
	if len(snap.Outbox) != 0 {
		t.Fatalf("expected empty outbox, got %+v", snap.Outbox)
	}
	if snap.ActiveHost != "b.com" || snap.ActiveStart == nil {
		t.Fatalf("expected the current host to be opened, got %+v", snap)
	}
}

func TestRecoveredHostReopensOnFirstReport(t *testing.T) {
	state := storage.NewSnapshot()
	state.ActiveHost = "a.com"
	opened := epoch.Add(-2 * time.Minute)
	state.ActiveStart = &opened

	// Without a current host source the loop stays closed after recovery
	// until the observer reports its tab.
	h := start(t, state, trackAll, "")
	snap := h.state(t)
	if snap.ActiveHost != "a.com" || snap.ActiveStart != nil {
		t.Fatalf("expected a.com closed after recovery, got %+v", snap)
	}
	if snap.Totals["a.com"] != 2*time.Minute {
		t.Fatalf("expected 2m credited, got %s", snap.Totals["a.com"])
	}

	h.submit(t, Event{Kind: HostChanged, URL: "https://a.com/inbox"})
	snap = h.state(t)
	if snap.ActiveHost != "a.com" || snap.ActiveStart == nil || !snap.ActiveStart.Equal(epoch) {
		t.Fatalf("expected a.com reopened at %s, got %+v", epoch, snap)
	}
}

func TestFlushEventAndFailureRetry(t *testing.T) {
	h := start(t, nil, trackAll, "")
	h.sink.mu.Lock()
	h.sink.err = errors.New("503")
	h.sink.mu.Unlock()

	h.submit(t, Event{Kind: HostChanged, Host: "a.com"})
	_ = h.state(t)
	h.clock.Advance(10 * time.Second)
	h.submit(t, Event{Kind: Flush})

	snap := h.state(t)
	if len(snap.Outbox) != 1 {
		t.Fatalf("failed flush must keep the record, got %+v", snap.Outbox)
	}
	if snap.ActiveStart == nil || !snap.ActiveStart.Equal(h.clock.Now()) {
		t.Fatal("interval must be reopened after the flush")
	}

	h.sink.mu.Lock()
	h.sink.err = nil
	h.sink.mu.Unlock()

	result, err := h.engine.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Sent != 1 {
		t.Fatalf("expected the retained record to be sent, got %+v", result)
	}
}

func TestPolicyChangedPersistsFilters(t *testing.T) {
	h := start(t, nil, trackAll, "")

	h.submit(t, Event{Kind: HostChanged, Host: "a.com"})
	_ = h.state(t)
	h.clock.Advance(10 * time.Second)
	h.submit(t, Event{Kind: PolicyChanged, Settings: policy.Settings{
		Mode: policy.ModeWhitelist,
		List: []string{"b.com"},
	}})

	snap := h.state(t)
	if len(snap.Outbox) != 1 || snap.Outbox[0].Duration() != 10*time.Second {
		t.Fatalf("expected 10s finalized under the old mode, got %+v", snap.Outbox)
	}
	if snap.ActiveStart != nil {
		t.Fatal("a.com must stay closed under the new mode")
	}

	saved, err := h.filters.Load(context.Background())
	if err != nil {
		t.Fatalf("filters.Load: %v", err)
	}
	if saved.Mode != policy.ModeWhitelist || len(saved.List) != 1 || saved.List[0] != "b.com" {
		t.Fatalf("unexpected persisted filters %+v", saved)
	}
}

func TestTickNotifiesOnlyWhileOpen(t *testing.T) {
	h := start(t, nil, policy.Settings{Mode: policy.ModeWhitelist, List: []string{"a.com"}}, "")

	h.submit(t, Event{Kind: HostChanged, Host: "b.com"})
	_ = h.state(t)
	before := h.notes.count()
	h.submit(t, Event{Kind: Tick})
	_ = h.state(t)
	if h.notes.count() != before {
		t.Fatal("no tick updates expected without an open interval")
	}

	h.submit(t, Event{Kind: HostChanged, Host: "a.com"})
	_ = h.state(t)
	before = h.notes.count()
	h.submit(t, Event{Kind: Tick})
	h.submit(t, Event{Kind: Connect})
	_ = h.state(t)
	if got := h.notes.count() - before; got != 2 {
		t.Fatalf("expected 2 updates, got %d", got)
	}
}

func TestShutdownFinalizesAndPersists(t *testing.T) {
	h := start(t, nil, trackAll, "")

	h.submit(t, Event{Kind: HostChanged, Host: "a.com"})
	_ = h.state(t)
	h.clock.Advance(45 * time.Second)
	h.submit(t, Event{Kind: Shutdown})

	select {
	case err := <-h.errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	saved := h.store.snapshot()
	if saved.ActiveStart != nil || saved.Totals["a.com"] != 45*time.Second {
		t.Fatalf("expected finalized state on disk, got %+v", saved)
	}

	if err := h.engine.Submit(context.Background(), Event{Kind: Tick}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestCancelFinalizes(t *testing.T) {
	h := start(t, nil, trackAll, "")

	h.submit(t, Event{Kind: HostChanged, Host: "a.com"})
	_ = h.state(t)
	h.clock.Advance(5 * time.Second)
	h.cancel()

	if err := <-h.errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if saved := h.store.snapshot(); saved.Totals["a.com"] != 5*time.Second {
		t.Fatalf("expected 5s persisted on cancel, got %+v", saved)
	}
}

func TestKindString(t *testing.T) {
	if HostChanged.String() != "host_changed" || Kind(99).String() != "unknown" {
		t.Fatal("unexpected kind names")
	}
}
