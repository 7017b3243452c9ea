package accounting

import (
	"context"

	"github.com/goodtune/sitetime/internal/metrics"
)

// Recover closes an interval left open by an unclean shutdown. The true end
// is unknown, so the session is bounded by the maximum session duration.
// It must run before any live event is applied and reports whether a
// session was synthesized.
func (a *Accountant) Recover(ctx context.Context) (bool, error) {
	if !a.state.IsOpen() {
		// A stray start without a host carries no time.
		a.state.ActiveStart = nil
		return false, nil
	}

	host := a.state.ActiveHost
	start := *a.state.ActiveStart
	record := a.closeInterval(a.clock.Now())

	if record != nil {
		metrics.SessionsRecovered.Inc()
		a.logger.Info().
			Str("host", host).
			Time("start", start).
			Dur("credited", record.Duration()).
			Msg("Recovered interrupted session")
	} else {
		a.logger.Info().Str("host", host).Msg("Dropped interrupted interval below minimum duration")
	}

	return record != nil, a.Persist(ctx)
}
