package api

import (
	"net/http"

	"github.com/flowpbx/corepbx/internal/qos"
	"github.com/go-chi/chi/v5"
)

// handleQoSMetrics returns the aggregate call-quality snapshot across all
// calls the core is currently tracking.
func (s *Server) handleQoSMetrics(w http.ResponseWriter, r *http.Request) {
	if s.qosMgr == nil {
		writeJSON(w, http.StatusOK, qos.Aggregate{})
		return
	}
	writeJSON(w, http.StatusOK, s.qosMgr.Aggregate())
}

// handleQoSCall returns the latest a-to-b and b-to-a readings for one call.
func (s *Server) handleQoSCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	if s.qosMgr == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	a, b, ok := s.qosMgr.CallSnapshot(callID)
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"a_to_b": a, "b_to_a": b})
}

// handleQoSHistory returns every recorded snapshot for one call. Use the
// "call_id" query parameter to select the call.
func (s *Server) handleQoSHistory(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		writeError(w, http.StatusBadRequest, "call_id query parameter is required")
		return
	}
	if s.qosMgr == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	history, ok := s.qosMgr.History(callID)
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleQoSAlerts returns every call/direction currently breaching the
// configured MOS/loss/jitter thresholds.
func (s *Server) handleQoSAlerts(w http.ResponseWriter, r *http.Request) {
	if s.qosMgr == nil {
		writeJSON(w, http.StatusOK, []qos.Snapshot{})
		return
	}
	alerts := s.qosMgr.Alerts()
	if alerts == nil {
		alerts = []qos.Snapshot{}
	}
	writeJSON(w, http.StatusOK, alerts)
}
