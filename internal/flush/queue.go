// Package flush delivers the outbox of finalized sessions to the remote
// collector.
package flush

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/sitetime/internal/metrics"
	"github.com/goodtune/sitetime/internal/storage"
)

// ErrInFlight is returned when a flush is requested while another one is
// still delivering.
var ErrInFlight = errors.New("flush: delivery already in flight")

// Batch is the payload posted to the collector.
type Batch struct {
	Total    int                     `json:"total"`
	Timezone string                  `json:"timezone"`
	Sessions []storage.SessionRecord `json:"sessions"`
}

// Sink delivers a batch. A nil error means the collector accepted every
// session in it.
type Sink interface {
	Send(ctx context.Context, batch Batch) error
}

// Outbox is the accounting state a flush drains.
type Outbox interface {
	Pause() bool
	Resume()
	Pending() []storage.SessionRecord
	Acknowledge(sent []storage.SessionRecord)
	Persist(ctx context.Context) error
}

// Result describes a completed flush.
type Result struct {
	Sent   int  `json:"sent"`
	Paused bool `json:"paused"`
}

// Queue flushes an outbox to a sink, at most one delivery at a time.
type Queue struct {
	outbox   Outbox
	sink     Sink
	timezone string
	inFlight atomic.Bool
	logger   zerolog.Logger
}

// NewQueue creates a flush queue. An empty timezone is detected from the host.
func NewQueue(outbox Outbox, sink Sink, timezone string, logger zerolog.Logger) *Queue {
	if timezone == "" {
		timezone = LocalTimezone()
	}
	return &Queue{
		outbox:   outbox,
		sink:     sink,
		timezone: timezone,
		logger:   logger.With().Str("component", "flush").Logger(),
	}
}

// Flush folds the open interval into the outbox, delivers the whole outbox
// and clears it only if the sink accepted it. A failed delivery leaves the
// outbox untouched. The interval is reopened whatever the outcome.
func (q *Queue) Flush(ctx context.Context) (Result, error) {
	if !q.inFlight.CompareAndSwap(false, true) {
		metrics.FlushAttempts.WithLabelValues("skipped").Inc()
		q.logger.Debug().Msg("Flush already in flight, skipping")
		return Result{}, ErrInFlight
	}
	defer q.inFlight.Store(false)

	result := Result{Paused: q.outbox.Pause()}
	deliverErr := q.deliver(ctx, &result)

	if result.Paused {
		q.outbox.Resume()
	}
	if result.Sent > 0 || result.Paused {
		if err := q.outbox.Persist(ctx); err != nil {
			q.logger.Error().Err(err).Msg("Failed to persist state after flush")
		}
	}

	return result, deliverErr
}

func (q *Queue) deliver(ctx context.Context, result *Result) error {
	pending := q.outbox.Pending()
	if len(pending) == 0 {
		metrics.FlushAttempts.WithLabelValues("empty").Inc()
		return nil
	}

	batch := Batch{
		Total:    len(pending),
		Timezone: q.timezone,
		Sessions: pending,
	}

	start := time.Now()
	err := q.sink.Send(ctx, batch)
	metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.FlushAttempts.WithLabelValues("failure").Inc()
		q.logger.Warn().
			Err(err).
			Int("sessions", len(pending)).
			Msg("Flush failed, keeping outbox for retry")
		return fmt.Errorf("failed to deliver %d sessions: %w", len(pending), err)
	}

	q.outbox.Acknowledge(pending)
	result.Sent = len(pending)

	metrics.FlushAttempts.WithLabelValues("success").Inc()
	metrics.SessionsDelivered.Add(float64(len(pending)))
	q.logger.Info().Int("sessions", len(pending)).Msg("Flushed sessions")
	return nil
}
