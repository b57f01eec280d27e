package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// extensionResponse is the JSON shape for a PBX extension account.
type extensionResponse struct {
	ID               int64  `json:"id"`
	Extension        string `json:"extension"`
	DisplayName      string `json:"display_name"`
	Email            string `json:"email"`
	MaxRegistrations int    `json:"max_registrations"`
}

// handleListExtensions returns every configured extension account.
func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	exts, err := s.extensions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]extensionResponse, 0, len(exts))
	for _, e := range exts {
		items = append(items, extensionResponse{
			ID:               e.ID,
			Extension:        e.Extension,
			DisplayName:      e.DisplayName,
			Email:            e.Email,
			MaxRegistrations: e.MaxRegistrations,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// handleExtensionRegistrations returns the live SIP registration bindings
// for one extension, identified by numeric ID.
func (s *Server) handleExtensionRegistrations(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid extension id")
		return
	}

	ext, err := s.extensions.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ext == nil {
		writeError(w, http.StatusNotFound, "extension not found")
		return
	}

	phones, err := s.phones.GetByExtension(r.Context(), ext.Extension)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]registeredPhoneResponse, 0, len(phones))
	for _, p := range phones {
		items = append(items, toRegisteredPhoneResponse(p))
	}
	writeJSON(w, http.StatusOK, items)
}
