// Package engine serializes every accounting input (host changes, focus,
// ticks, flushes, policy edits) into one goroutine so the accounting
// snapshot is never mutated concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/sitetime/internal/accounting"
	"github.com/goodtune/sitetime/internal/flush"
	"github.com/goodtune/sitetime/internal/hosts"
	"github.com/goodtune/sitetime/internal/metrics"
	"github.com/goodtune/sitetime/internal/storage"
)

// ErrStopped is returned when submitting to an engine that is not running.
var ErrStopped = errors.New("engine: stopped")

const (
	DefaultTickInterval  = time.Second
	DefaultFlushInterval = 30 * time.Second
	DefaultQueueSize     = 64
)

// Config holds engine configuration
type Config struct {
	TickInterval  time.Duration
	FlushInterval time.Duration
	QueueSize     int

	// CurrentHost, when set, is asked for the foreground URL once recovery
	// has run so a fresh interval can be opened at startup.
	CurrentHost func(ctx context.Context) string
}

type request struct {
	event Event
	fn    func(*accounting.Accountant)
	done  chan struct{}
}

// Engine is the single consumer of accounting events.
type Engine struct {
	accountant *accounting.Accountant
	queue      *flush.Queue
	classifier *hosts.Classifier
	filters    storage.FilterStore
	config     Config
	requests   chan request
	stopped    chan struct{}
	logger     zerolog.Logger
}

// New creates an engine. filters may be nil, in which case policy changes
// are applied but not persisted.
func New(accountant *accounting.Accountant, queue *flush.Queue, classifier *hosts.Classifier, filters storage.FilterStore, config Config, logger zerolog.Logger) *Engine {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}

	return &Engine{
		accountant: accountant,
		queue:      queue,
		classifier: classifier,
		filters:    filters,
		config:     config,
		requests:   make(chan request, config.QueueSize),
		stopped:    make(chan struct{}),
		logger:     logger.With().Str("component", "engine").Logger(),
	}
}

// Submit enqueues an event. It blocks while the queue is full.
func (e *Engine) Submit(ctx context.Context, ev Event) error {
	return e.enqueue(ctx, request{event: ev})
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (e *Engine) Do(ctx context.Context, fn func(*accounting.Accountant)) error {
	done := make(chan struct{})
	if err := e.enqueue(ctx, request{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush runs a flush on the loop and returns its outcome.
func (e *Engine) Flush(ctx context.Context) (flush.Result, error) {
	var (
		result   flush.Result
		flushErr error
	)
	err := e.Do(ctx, func(*accounting.Accountant) {
		result, flushErr = e.queue.Flush(ctx)
	})
	if err != nil {
		return flush.Result{}, err
	}
	return result, flushErr
}

func (e *Engine) enqueue(ctx context.Context, req request) error {
	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}

	select {
	case e.requests <- req:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run recovers any interrupted interval, flushes once, then processes
// events until ctx is cancelled or a Shutdown event arrives. The open
// interval is finalized and persisted before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	if _, err := e.accountant.Recover(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist recovered state")
	}

	e.flush(ctx)

	if e.config.CurrentHost != nil {
		if url := e.config.CurrentHost(ctx); url != "" {
			e.switchTo(ctx, e.classifier.FromURL(url))
		}
	}

	tick := time.NewTicker(e.config.TickInterval)
	defer tick.Stop()
	flushTicker := time.NewTicker(e.config.FlushInterval)
	defer flushTicker.Stop()

	e.logger.Info().
		Dur("tick_interval", e.config.TickInterval).
		Dur("flush_interval", e.config.FlushInterval).
		Msg("Accounting loop started")

	for {
		select {
		case <-ctx.Done():
			return e.shutdown(context.WithoutCancel(ctx))

		case <-tick.C:
			e.tick()

		case <-flushTicker.C:
			e.flush(ctx)

		case req := <-e.requests:
			if req.fn != nil {
				req.fn(e.accountant)
				close(req.done)
				continue
			}
			if req.event.Kind == Shutdown {
				metrics.EventsProcessed.WithLabelValues(Shutdown.String()).Inc()
				return e.shutdown(ctx)
			}
			e.handle(ctx, req.event)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev Event) {
	metrics.EventsProcessed.WithLabelValues(ev.Kind.String()).Inc()

	switch ev.Kind {
	case HostChanged, FocusGained:
		e.switchTo(ctx, e.hostOf(ev))

	case FocusLost:
		if err := e.accountant.FocusLost(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to persist after focus loss")
		}

	case Tick:
		e.tick()

	case Flush:
		e.flush(ctx)

	case PolicyChanged:
		e.changePolicy(ctx, ev)

	case Connect:
		e.accountant.NotifyLive()

	default:
		e.logger.Warn().Int("kind", int(ev.Kind)).Msg("Ignoring unknown event")
	}
}

func (e *Engine) hostOf(ev Event) string {
	if ev.Host != "" {
		return hosts.Canonicalize(ev.Host)
	}
	return e.classifier.FromURL(ev.URL)
}

func (e *Engine) switchTo(ctx context.Context, host string) {
	if err := e.accountant.SwitchTo(ctx, host); err != nil {
		e.logger.Error().Err(err).Str("host", host).Msg("Failed to persist host switch")
	}
}

func (e *Engine) tick() {
	if e.accountant.IsOpen() {
		e.accountant.NotifyLive()
	}
}

func (e *Engine) flush(ctx context.Context) {
	// Failures are logged by the queue; the outbox is retried next period.
	_, _ = e.queue.Flush(ctx)
}

func (e *Engine) changePolicy(ctx context.Context, ev Event) {
	if err := e.accountant.ChangePolicy(ctx, ev.Settings); err != nil {
		e.logger.Error().Err(err).Msg("Failed to apply policy change")
		return
	}
	if e.filters == nil {
		return
	}
	if err := e.filters.Save(ctx, e.accountant.Policy()); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist tracking policy")
	}
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Accounting loop stopping")
	if err := e.accountant.FocusLost(ctx); err != nil {
		return fmt.Errorf("failed to persist state on shutdown: %w", err)
	}
	return nil
}
