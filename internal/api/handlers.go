package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/sitetime/internal/accounting"
	"github.com/goodtune/sitetime/internal/engine"
	"github.com/goodtune/sitetime/internal/flush"
	"github.com/goodtune/sitetime/internal/notify"
	"github.com/goodtune/sitetime/internal/policy"
	"github.com/goodtune/sitetime/internal/storage"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HostEvent reports the active tab's URL.
type HostEvent struct {
	URL  string `json:"url"`
	Host string `json:"host,omitempty"`
}

// FocusEvent reports the browser window gaining or losing focus.
type FocusEvent struct {
	Focused bool   `json:"focused"`
	URL     string `json:"url,omitempty"`
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Live    notify.Update     `json:"live"`
	Policy  policy.Settings   `json:"policy"`
	State   *storage.Snapshot `json:"state"`
	Pending int               `json:"pending"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHostEvent(w http.ResponseWriter, r *http.Request) {
	var req HostEvent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.submit(w, r, engine.Event{Kind: engine.HostChanged, URL: req.URL, Host: req.Host})
}

func (s *Server) handleFocusEvent(w http.ResponseWriter, r *http.Request) {
	var req FocusEvent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ev := engine.Event{Kind: engine.FocusLost}
	if req.Focused {
		ev = engine.Event{Kind: engine.FocusGained, URL: req.URL}
	}
	s.submit(w, r, ev)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, ev engine.Event) {
	if err := s.dispatcher.Submit(r.Context(), ev); err != nil {
		s.dispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	var settings policy.Settings
	if err := s.dispatcher.Do(r.Context(), func(a *accounting.Accountant) {
		settings = a.Policy()
	}); err != nil {
		s.dispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policy.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy: "+err.Error())
		return
	}
	if req.Mode == "" && req.List == nil {
		writeError(w, http.StatusBadRequest, "Policy must set mode or list")
		return
	}

	if err := s.dispatcher.Submit(r.Context(), engine.Event{Kind: engine.PolicyChanged, Settings: req}); err != nil {
		s.dispatchError(w, err)
		return
	}

	// Queued behind the change, so this reads the updated policy.
	s.handleGetPolicy(w, r)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var resp StateResponse
	if err := s.dispatcher.Do(r.Context(), func(a *accounting.Accountant) {
		resp.Live = a.Live()
		resp.Policy = a.Policy()
		resp.State = a.Snapshot()
		resp.Pending = len(resp.State.Outbox)
	}); err != nil {
		s.dispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	result, err := s.dispatcher.Flush(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, flush.ErrInFlight):
		writeError(w, http.StatusConflict, "Flush already in progress")
	case errors.Is(err, engine.ErrStopped):
		s.dispatchError(w, err)
	default:
		s.logger.Warn().Err(err).Msg("Manual flush failed")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) dispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrStopped) {
		writeError(w, http.StatusServiceUnavailable, "Accounting loop is not running")
		return
	}
	s.logger.Error().Err(err).Msg("Failed to dispatch request")
	writeError(w, http.StatusInternalServerError, "Failed to process request")
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
