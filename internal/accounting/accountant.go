// Package accounting turns foreground-host transitions into finalized
// sessions. An Accountant owns the single accounting snapshot; callers must
// serialize access to it (see internal/engine).
package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitetime/internal/metrics"
	"github.com/goodtune/sitetime/internal/notify"
	"github.com/goodtune/sitetime/internal/policy"
	"github.com/goodtune/sitetime/internal/storage"
)

const (
	// DefaultMaxSessionDuration caps a single interval, e.g. a laptop left open.
	DefaultMaxSessionDuration = 15 * time.Minute

	// DefaultMinSessionDuration is the noise floor below which intervals are dropped
	DefaultMinSessionDuration = time.Second
)

// Config holds accountant configuration
type Config struct {
	MaxSessionDuration time.Duration
	MinSessionDuration time.Duration
	Clock              Clock
	Notifier           notify.Notifier
}

// Accountant applies host transitions to the accounting snapshot.
type Accountant struct {
	state      *storage.Snapshot
	store      storage.SnapshotStore
	policy     *policy.Policy
	clock      Clock
	notifier   notify.Notifier
	maxSession time.Duration
	minSession time.Duration
	logger     zerolog.Logger
}

// New creates an accountant over state. A nil state starts empty.
func New(state *storage.Snapshot, store storage.SnapshotStore, pol *policy.Policy, config Config, logger zerolog.Logger) *Accountant {
	if config.MaxSessionDuration == 0 {
		config.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if config.MinSessionDuration == 0 {
		config.MinSessionDuration = DefaultMinSessionDuration
	}
	if config.Clock == nil {
		config.Clock = RealClock{}
	}
	if state == nil {
		state = storage.NewSnapshot()
	}
	if state.Totals == nil {
		state.Totals = make(map[string]time.Duration)
	}

	return &Accountant{
		state:      state,
		store:      store,
		policy:     pol,
		clock:      config.Clock,
		notifier:   config.Notifier,
		maxSession: config.MaxSessionDuration,
		minSession: config.MinSessionDuration,
		logger:     logger.With().Str("component", "accountant").Logger(),
	}
}

// LoadState reads the persisted snapshot. An absent or unreadable snapshot
// is a cold start, never an error.
func LoadState(ctx context.Context, store storage.SnapshotStore, logger zerolog.Logger) *storage.Snapshot {
	state, err := store.Load(ctx)
	switch {
	case err == nil:
		if state.Totals == nil {
			state.Totals = make(map[string]time.Duration)
		}
		return state
	case errors.Is(err, storage.ErrNotFound):
		logger.Info().Msg("No persisted accounting state, starting empty")
	default:
		logger.Warn().Err(err).Msg("Discarding unreadable accounting state")
	}
	return storage.NewSnapshot()
}

// SwitchTo makes host the foreground host. Refocusing the host whose
// tracked interval is already open is a no-op; anything else closes the
// current interval and opens a new one if host is tracked.
func (a *Accountant) SwitchTo(ctx context.Context, host string) error {
	tracked := a.policy.IsTracked(host)

	if host == a.state.ActiveHost && a.state.ActiveStart != nil && tracked {
		return nil
	}

	a.Finalize()

	a.state.ActiveHost = host
	a.state.ActiveStart = nil
	if tracked {
		now := a.clock.Now()
		a.state.ActiveStart = &now
	}

	a.logger.Debug().
		Str("host", host).
		Bool("tracked", tracked).
		Msg("Switched foreground host")

	err := a.Persist(ctx)
	a.NotifyLive()
	return err
}

// Finalize closes the open interval, if any, and reports whether it
// produced a session. Repeated calls without an open interval do nothing.
func (a *Accountant) Finalize() bool {
	if !a.state.IsOpen() {
		return false
	}
	return a.closeInterval(a.clock.Now()) != nil
}

// closeInterval folds the open interval ending at now into totals and the
// outbox. The interval is always cleared; the record is nil when the
// interval fell below the noise floor.
func (a *Accountant) closeInterval(now time.Time) *storage.SessionRecord {
	host := a.state.ActiveHost
	start := *a.state.ActiveStart
	a.state.ActiveStart = nil

	elapsed := now.Sub(start)
	if elapsed > a.maxSession {
		metrics.SessionsCapped.Inc()
		a.logger.Debug().
			Str("host", host).
			Dur("raw_elapsed", elapsed).
			Dur("max", a.maxSession).
			Msg("Capping session")
		elapsed = a.maxSession
	}

	if elapsed < a.minSession {
		metrics.SessionsDiscarded.Inc()
		a.logger.Debug().
			Str("host", host).
			Dur("elapsed", elapsed).
			Msg("Discarding session below minimum duration")
		return nil
	}

	record := storage.SessionRecord{
		ID:    uuid.NewString(),
		Host:  host,
		Start: start,
		End:   start.Add(elapsed),
	}
	a.state.Totals[host] += elapsed
	a.state.Outbox = append(a.state.Outbox, record)

	metrics.SessionsFinalized.Inc()
	metrics.TrackedSeconds.WithLabelValues(host).Add(elapsed.Seconds())
	metrics.OutboxSize.Set(float64(len(a.state.Outbox)))

	a.logger.Debug().
		Str("session_id", record.ID).
		Str("host", host).
		Dur("elapsed", elapsed).
		Msg("Finalized session")

	return &record
}

// Persist writes the snapshot. The in-memory state stays authoritative when
// the write fails.
func (a *Accountant) Persist(ctx context.Context) error {
	if err := a.store.Save(ctx, a.state); err != nil {
		metrics.PersistErrors.Inc()
		return fmt.Errorf("failed to persist accounting state: %w", err)
	}
	return nil
}

// FocusLost closes the open interval and persists.
func (a *Accountant) FocusLost(ctx context.Context) error {
	a.Finalize()
	return a.Persist(ctx)
}

// ChangePolicy finalizes the current interval under the old rules, applies
// settings, then re-evaluates the same host under the new rules.
func (a *Accountant) ChangePolicy(ctx context.Context, settings policy.Settings) error {
	if settings.Mode != "" {
		if _, err := policy.ParseMode(string(settings.Mode)); err != nil {
			return err
		}
	}

	a.Finalize()
	if err := a.policy.Update(settings); err != nil {
		return err
	}

	a.logger.Info().
		Str("mode", string(a.policy.Mode())).
		Int("hosts", len(a.policy.Settings().List)).
		Msg("Tracking policy changed")

	return a.SwitchTo(ctx, a.state.ActiveHost)
}

// Pause finalizes a tracked open interval ahead of a flush and reports
// whether one was closed and must be resumed.
func (a *Accountant) Pause() bool {
	if !a.state.IsOpen() || !a.policy.IsTracked(a.state.ActiveHost) {
		return false
	}
	a.Finalize()
	return true
}

// Resume reopens the interval of the current host at the current time.
func (a *Accountant) Resume() {
	if a.state.ActiveHost == "" {
		return
	}
	now := a.clock.Now()
	a.state.ActiveStart = &now
}

// Pending returns a copy of the outbox.
func (a *Accountant) Pending() []storage.SessionRecord {
	pending := make([]storage.SessionRecord, len(a.state.Outbox))
	copy(pending, a.state.Outbox)
	return pending
}

// Acknowledge removes delivered sessions from the outbox.
func (a *Accountant) Acknowledge(sent []storage.SessionRecord) {
	delivered := make(map[string]struct{}, len(sent))
	for _, r := range sent {
		delivered[r.ID] = struct{}{}
	}

	kept := make([]storage.SessionRecord, 0, len(a.state.Outbox))
	for _, r := range a.state.Outbox {
		if _, ok := delivered[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	a.state.Outbox = kept
	metrics.OutboxSize.Set(float64(len(kept)))
}

// Live returns the current view of the foreground host.
func (a *Accountant) Live() notify.Update {
	host := a.state.ActiveHost
	elapsed := a.state.Totals[host]
	if a.state.IsOpen() {
		elapsed += a.clock.Now().Sub(*a.state.ActiveStart)
	}
	return notify.Update{
		Site:      host,
		ElapsedMs: elapsed.Milliseconds(),
		IsTracked: a.policy.IsTracked(host),
	}
}

// NotifyLive pushes the live view when there is a foreground host.
func (a *Accountant) NotifyLive() {
	if a.notifier == nil || a.state.ActiveHost == "" {
		return
	}
	a.notifier.Notify(a.Live())
}

// IsOpen reports whether an interval is open.
func (a *Accountant) IsOpen() bool {
	return a.state.IsOpen()
}

// Policy returns the current filter settings.
func (a *Accountant) Policy() policy.Settings {
	return a.policy.Settings()
}

// Snapshot returns a copy of the accounting state.
func (a *Accountant) Snapshot() *storage.Snapshot {
	return a.state.Clone()
}
