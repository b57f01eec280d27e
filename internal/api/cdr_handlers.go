package api

import (
	"encoding/csv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flowpbx/corepbx/internal/database"
	"github.com/flowpbx/corepbx/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// cdrResponse is the JSON response for a single CDR.
type cdrResponse struct {
	ID          int64   `json:"id"`
	CallID      string  `json:"call_id"`
	StartTime   string  `json:"start_time"`
	AnswerTime  *string `json:"answer_time"`
	EndTime     *string `json:"end_time"`
	CallerExt   string  `json:"caller_ext"`
	CalleeExt   string  `json:"callee_ext"`
	Disposition string  `json:"disposition"`
	HangupCause string  `json:"hangup_cause"`
}

// toCDRResponse converts a models.CDR to the API response.
func toCDRResponse(c *models.CDR) cdrResponse {
	resp := cdrResponse{
		ID:          c.ID,
		CallID:      c.CallID,
		StartTime:   c.StartTime.Format(time.RFC3339),
		CallerExt:   c.CallerExt,
		CalleeExt:   c.CalleeExt,
		Disposition: c.Disposition,
		HangupCause: c.HangupCause,
	}
	if c.AnswerTime != nil {
		s := c.AnswerTime.Format(time.RFC3339)
		resp.AnswerTime = &s
	}
	if c.EndTime != nil {
		s := c.EndTime.Format(time.RFC3339)
		resp.EndTime = &s
	}
	return resp
}

// handleListCDRs returns CDRs with pagination and optional filters.
// Query params: limit, offset, search, start_date, end_date.
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	filter := database.CDRListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Search:    q.Get("search"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}

	cdrs, total, err := s.cdrs.List(r.Context(), filter)
	if err != nil {
		slog.Error("list cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]cdrResponse, len(cdrs))
	for i := range cdrs {
		items[i] = toCDRResponse(&cdrs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCDR returns a single CDR by ID.
func (s *Server) handleGetCDR(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cdr id")
		return
	}

	cdr, err := s.cdrs.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("get cdr: failed to query", "error", err, "cdr_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cdr == nil {
		writeError(w, http.StatusNotFound, "cdr not found")
		return
	}

	writeJSON(w, http.StatusOK, toCDRResponse(cdr))
}

// handleExportCDRs exports CDRs as CSV with the same filters as list.
func (s *Server) handleExportCDRs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// Use a large limit for export (all matching records, capped at 10000).
	filter := database.CDRListFilter{
		Limit:     10000,
		Offset:    0,
		Search:    q.Get("search"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}

	cdrs, _, err := s.cdrs.List(r.Context(), filter)
	if err != nil {
		slog.Error("export cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=cdrs.csv")

	cw := csv.NewWriter(w)
	cw.Write([]string{
		"ID", "Call-ID", "Start Time", "Answer Time", "End Time",
		"Caller Extension", "Callee Extension",
		"Disposition", "Hangup Cause",
	})

	for _, c := range cdrs {
		answerTime := ""
		if c.AnswerTime != nil {
			answerTime = c.AnswerTime.Format(time.RFC3339)
		}
		endTime := ""
		if c.EndTime != nil {
			endTime = c.EndTime.Format(time.RFC3339)
		}

		cw.Write([]string{
			strconv.FormatInt(c.ID, 10),
			c.CallID,
			c.StartTime.Format(time.RFC3339),
			answerTime,
			endTime,
			c.CallerExt,
			c.CalleeExt,
			c.Disposition,
			c.HangupCause,
		})
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("export cdrs: csv write error", "error", err)
	}
}

// handleDashboardStats returns aggregate statistics for the admin dashboard.
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	exts, err := s.extensions.List(ctx)
	totalExtensions := 0
	if err != nil {
		slog.Error("dashboard stats: failed to count extensions", "error", err)
	} else {
		totalExtensions = len(exts)
	}

	registeredDevices := 0
	regCount, err := s.phones.Count(ctx)
	if err != nil {
		slog.Error("dashboard stats: failed to count registrations", "error", err)
	} else {
		registeredDevices = int(regCount)
	}

	activeCalls := 0
	if s.qosMgr != nil {
		activeCalls = s.qosMgr.Aggregate().ActiveCalls
	}

	recentCDRs, err := s.cdrs.ListRecent(ctx, 10)
	if err != nil {
		slog.Error("dashboard stats: failed to list recent cdrs", "error", err)
		recentCDRs = nil
	}

	type recentCDREntry struct {
		ID        int64  `json:"id"`
		Caller    string `json:"caller"`
		Callee    string `json:"callee"`
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}

	cdrEntries := make([]recentCDREntry, 0, len(recentCDRs))
	for _, c := range recentCDRs {
		cdrEntries = append(cdrEntries, recentCDREntry{
			ID:        c.ID,
			Caller:    c.CallerExt,
			Callee:    c.CalleeExt,
			Status:    c.Disposition,
			Timestamp: c.StartTime.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active_calls":       activeCalls,
		"registered_devices": registeredDevices,
		"total_extensions":   totalExtensions,
		"recent_cdrs":        cdrEntries,
	})
}
