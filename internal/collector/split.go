package collector

import (
	"time"

	"github.com/goodtune/sitetime/internal/storage"
)

const dateLayout = "2006-01-02"

type period struct {
	kind  storage.Period
	start func(t time.Time) time.Time
	next  func(t time.Time) time.Time
}

var periods = []period{
	{storage.PeriodDay, dayStart, func(t time.Time) time.Time { return dayStart(t).AddDate(0, 0, 1) }},
	{storage.PeriodWeek, weekStart, func(t time.Time) time.Time { return weekStart(t).AddDate(0, 0, 7) }},
	{storage.PeriodMonth, monthStart, func(t time.Time) time.Time { return monthStart(t).AddDate(0, 1, 0) }},
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// weekStart returns the preceding Monday.
func weekStart(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return dayStart(t).AddDate(0, 0, -offset)
}

func monthStart(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// SplitIntoBuckets divides [start, end) into day, week and month buckets
// using calendar boundaries in loc. Each period kind covers the whole
// session, so the seconds of every kind sum to the session's length.
// Segments shorter than a second are dropped.
func SplitIntoBuckets(host string, start, end time.Time, loc *time.Location) []storage.TimeBucket {
	if loc == nil {
		loc = time.UTC
	}
	start = start.In(loc)
	end = end.In(loc)

	var buckets []storage.TimeBucket
	for _, p := range periods {
		for current := start; current.Before(end); {
			segmentEnd := p.next(current)
			if segmentEnd.After(end) {
				segmentEnd = end
			}
			if seconds := int64(segmentEnd.Sub(current) / time.Second); seconds > 0 {
				buckets = append(buckets, storage.TimeBucket{
					Host:        host,
					Period:      p.kind,
					PeriodStart: p.start(current).Format(dateLayout),
					Seconds:     seconds,
				})
			}
			current = segmentEnd
		}
	}
	return buckets
}
