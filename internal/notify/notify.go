// Package notify pushes live elapsed-time views to connected observers.
package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/goodtune/sitetime/internal/metrics"
	"github.com/rs/zerolog"
)

// Update is the live view of the foreground host.
type Update struct {
	Site      string `json:"site"`
	ElapsedMs int64  `json:"elapsedMs"`
	IsTracked bool   `json:"isTracked"`
}

// Notifier receives live updates. Implementations must not block.
type Notifier interface {
	Notify(Update)
}

// Hub fans updates out to any number of subscribers. A subscriber that
// falls behind misses updates rather than stalling the sender.
type Hub struct {
	subs      map[chan Update]struct{}
	onConnect func()
	buffer    int
	logger    zerolog.Logger
	mu        sync.Mutex
}

// NewHub creates a hub whose subscriber channels hold buffer updates.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 8
	}
	return &Hub{
		subs:   make(map[chan Update]struct{}),
		buffer: buffer,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// OnConnect registers a callback run after each new HTTP observer
// subscribes, typically used to push the current view immediately.
func (h *Hub) OnConnect(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = fn
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release it.
func (h *Hub) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, h.buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	metrics.LiveSubscribers.Set(float64(count))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			count := len(h.subs)
			h.mu.Unlock()
			close(ch)
			metrics.LiveSubscribers.Set(float64(count))
		})
	}
	return ch, cancel
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Notify implements Notifier.
func (h *Hub) Notify(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- u:
		default:
			h.logger.Debug().Str("site", u.Site).Msg("Dropping update for slow subscriber")
		}
	}
}

// ServeHTTP streams updates to the client as server-sent events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, cancel := h.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.mu.Lock()
	onConnect := h.onConnect
	h.mu.Unlock()
	if onConnect != nil {
		onConnect()
	}

	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("Live observer connected")

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug().Str("remote", r.RemoteAddr).Msg("Live observer disconnected")
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				h.logger.Error().Err(err).Msg("Failed to encode live update")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
