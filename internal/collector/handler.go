// Package collector is the remote sink agents flush their outboxes to. It
// de-duplicates sessions by ID and accumulates day, week and month buckets.
package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitetime/internal/flush"
	"github.com/goodtune/sitetime/internal/metrics"
	"github.com/goodtune/sitetime/internal/storage"
)

// FlushResponse is the body returned for an accepted batch.
type FlushResponse struct {
	Message            string   `json:"message"`
	Received           int      `json:"received"`
	Accepted           int      `json:"accepted"`
	SuccessRate        string   `json:"success_rate"`
	RejectedSessionIDs []string `json:"rejected_session_ids"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Handler serves the collector routes.
type Handler struct {
	store  storage.CollectorStore
	logger zerolog.Logger
}

// NewHandler creates a collector handler over store.
func NewHandler(store storage.CollectorStore, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger.With().Str("handler", "collector").Logger(),
	}
}

// Register adds the collector routes to router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc(flush.FlushPath, h.Flush).Methods("POST")
	router.HandleFunc("/time/buckets", h.ListBuckets).Methods("GET")
	router.HandleFunc("/time/all", h.DeleteAll).Methods("DELETE")
}

// Flush records a batch of sessions. Sessions already recorded count as
// accepted; invalid ones and repeats within the batch are rejected.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var batch flush.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	loc := time.UTC
	if batch.Timezone != "" {
		parsed, err := time.LoadLocation(batch.Timezone)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid timezone")
			return
		}
		loc = parsed
	}

	resp := FlushResponse{
		Message:            "Data has been stored",
		Received:           batch.Total,
		RejectedSessionIDs: []string{},
	}
	seen := make(map[string]struct{}, len(batch.Sessions))

	for _, session := range batch.Sessions {
		host := strings.TrimSpace(session.Host)
		if _, dup := seen[session.ID]; dup || session.ID == "" || host == "" || !session.End.After(session.Start) {
			resp.RejectedSessionIDs = append(resp.RejectedSessionIDs, session.ID)
			metrics.CollectorSessions.WithLabelValues("rejected").Inc()
			continue
		}
		seen[session.ID] = struct{}{}

		session.Host = host
		session.Start = session.Start.UTC()
		session.End = session.End.UTC()

		buckets := SplitIntoBuckets(host, session.Start, session.End, loc)
		recorded, err := h.store.RecordSession(ctx, session, buckets)
		if err != nil {
			h.logger.Error().Err(err).Str("session_id", session.ID).Msg("Failed to record session")
			writeError(w, http.StatusInternalServerError, "Failed to store sessions")
			return
		}

		if recorded {
			metrics.CollectorSessions.WithLabelValues("accepted").Inc()
		} else {
			metrics.CollectorSessions.WithLabelValues("duplicate").Inc()
			h.logger.Debug().Str("session_id", session.ID).Msg("Session already recorded")
		}
		resp.Accepted++
	}

	if resp.Received == 0 {
		resp.Received = len(batch.Sessions)
	}
	resp.SuccessRate = formatRate(resp.Accepted, resp.Received)

	h.logger.Info().
		Int("received", resp.Received).
		Int("accepted", resp.Accepted).
		Int("rejected", len(resp.RejectedSessionIDs)).
		Str("timezone", loc.String()).
		Msg("Stored flushed sessions")

	writeJSON(w, http.StatusCreated, resp)
}

func formatRate(accepted, total int) string {
	return fmt.Sprintf("%d / %d", accepted, total)
}

// ListBuckets returns the accumulated buckets, optionally for one host.
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")

	buckets, err := h.store.ListBuckets(r.Context(), host)
	if err != nil {
		h.logger.Error().Err(err).Str("host", host).Msg("Failed to list buckets")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve buckets")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"buckets": buckets,
		"count":   len(buckets),
	})
}

// DeleteAll wipes every bucket.
func (h *Handler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteBuckets(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to delete buckets")
		writeError(w, http.StatusInternalServerError, "Failed to delete buckets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "All time buckets deleted"})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
