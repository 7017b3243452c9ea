package storage

import (
	"encoding/json"
	"time"
)

// SessionRecord is a finalized interval of time spent on one host.
// Records are immutable once created.
type SessionRecord struct {
	ID    string    `json:"id"`
	Host  string    `json:"host"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the length of the session.
func (r SessionRecord) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Snapshot is the single persisted accounting state. At most one interval
// is open at a time: ActiveStart is non-nil exactly while it is.
type Snapshot struct {
	ActiveHost  string
	ActiveStart *time.Time
	Totals      map[string]time.Duration
	Outbox      []SessionRecord
}

// NewSnapshot returns an empty snapshot ready for use.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Totals: make(map[string]time.Duration),
		Outbox: []SessionRecord{},
	}
}

// IsOpen reports whether an interval is currently open.
func (s *Snapshot) IsOpen() bool {
	return s.ActiveHost != "" && s.ActiveStart != nil
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		ActiveHost: s.ActiveHost,
		Totals:     make(map[string]time.Duration, len(s.Totals)),
		Outbox:     make([]SessionRecord, len(s.Outbox)),
	}
	if s.ActiveStart != nil {
		start := *s.ActiveStart
		c.ActiveStart = &start
	}
	for host, total := range s.Totals {
		c.Totals[host] = total
	}
	copy(c.Outbox, s.Outbox)
	return c
}

// snapshotJSON is the wire form; totals are kept in milliseconds.
type snapshotJSON struct {
	ActiveHost  *string          `json:"activeHost"`
	ActiveStart *time.Time       `json:"activeStart"`
	Totals      map[string]int64 `json:"totalsByHost"`
	Outbox      []SessionRecord  `json:"outbox"`
}

// MarshalJSON implements json.Marshaler.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		ActiveStart: s.ActiveStart,
		Totals:      make(map[string]int64, len(s.Totals)),
		Outbox:      s.Outbox,
	}
	if s.ActiveHost != "" {
		host := s.ActiveHost
		out.ActiveHost = &host
	}
	for host, total := range s.Totals {
		out.Totals[host] = total.Milliseconds()
	}
	if out.Outbox == nil {
		out.Outbox = []SessionRecord{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var in snapshotJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	s.ActiveHost = ""
	if in.ActiveHost != nil {
		s.ActiveHost = *in.ActiveHost
	}
	s.ActiveStart = in.ActiveStart
	s.Totals = make(map[string]time.Duration, len(in.Totals))
	for host, ms := range in.Totals {
		s.Totals[host] = time.Duration(ms) * time.Millisecond
	}
	s.Outbox = in.Outbox
	if s.Outbox == nil {
		s.Outbox = []SessionRecord{}
	}
	return nil
}

// Period is the granularity of a collector time bucket.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// TimeBucket aggregates seconds spent on a host within one period.
type TimeBucket struct {
	Host        string `json:"host"`
	Period      Period `json:"period"`
	PeriodStart string `json:"period_start"` // 2006-01-02
	Seconds     int64  `json:"seconds"`
}
