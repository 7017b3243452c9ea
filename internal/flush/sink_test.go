package flush

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"

	"github.com/goodtune/sitetime/internal/storage"
)

func testBatch() Batch {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	return Batch{
		Total:    1,
		Timezone: "UTC",
		Sessions: []storage.SessionRecord{{
			ID:    "2f1d7a52-4f8e-4a8c-9d6b-0c6a3e1b9f00",
			Host:  "github.com",
			Start: start,
			End:   start.Add(time.Minute),
		}},
	}
}

func TestHTTPSinkPostsBatch(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != FlushPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message":"Data has been stored","success_rate":"1 / 1"}`))
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkConfig{URL: srv.URL + "/", Timeout: time.Second}, zerolog.Nop())
	if err := sink.Send(context.Background(), testBatch()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got["total"] != float64(1) || got["timezone"] != "UTC" {
		t.Fatalf("unexpected payload %v", got)
	}
	sessions := got["sessions"].([]interface{})
	session := sessions[0].(map[string]interface{})
	if session["host"] != "github.com" || session["start"] != "2025-03-10T09:00:00Z" || session["end"] != "2025-03-10T09:01:00Z" {
		t.Fatalf("unexpected session %v", session)
	}
}

func TestHTTPSinkFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"bad request", http.StatusBadRequest},
		{"server error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			sink := NewHTTPSink(HTTPSinkConfig{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
			if err := sink.Send(context.Background(), testBatch()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestHTTPSinkUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sink := NewHTTPSink(HTTPSinkConfig{URL: url, Timeout: time.Second}, zerolog.Nop())
	if err := sink.Send(context.Background(), testBatch()); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestHTTPSinkRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkConfig{
		URL:          srv.URL,
		Timeout:      time.Second,
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}, zerolog.Nop())

	if err := sink.Send(context.Background(), testBatch()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestLocalTimezone(t *testing.T) {
	t.Setenv("TZ", "America/New_York")
	if tz := LocalTimezone(); tz != "America/New_York" {
		t.Fatalf("expected TZ to win, got %q", tz)
	}

	t.Setenv("TZ", "")
	if tz := LocalTimezone(); tz == "" {
		t.Fatal("expected a fallback timezone")
	}
}
