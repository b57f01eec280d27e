package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/corepbx/internal/database/models"
	"github.com/flowpbx/corepbx/internal/provisioning"
	"github.com/go-chi/chi/v5"
)

// provisionedDeviceResponse is the JSON shape for a provisioned device.
type provisionedDeviceResponse struct {
	MAC             string  `json:"mac"`
	Extension       string  `json:"extension"`
	Vendor          string  `json:"vendor"`
	Model           string  `json:"model"`
	ConfigURL       string  `json:"config_url"`
	CreatedAt       string  `json:"created_at"`
	LastProvisioned *string `json:"last_provisioned,omitempty"`
}

func (s *Server) toProvisionedDeviceResponse(d *models.ProvisionedDevice) provisionedDeviceResponse {
	resp := provisionedDeviceResponse{
		MAC:       d.MAC,
		Extension: d.Extension,
		Vendor:    d.Vendor,
		Model:     d.Model,
		ConfigURL: provisioning.BuildConfigURL(s.cfg, d.MAC),
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
	}
	if d.LastProvisioned != nil {
		s := d.LastProvisioned.Format(time.RFC3339)
		resp.LastProvisioned = &s
	}
	return resp
}

// handleListProvisionedDevices returns every pre-declared MAC-to-extension
// binding used by the device provisioning HTTP server.
func (s *Server) handleListProvisionedDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.provisionedDevices.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]provisionedDeviceResponse, 0, len(devices))
	for i := range devices {
		items = append(items, s.toProvisionedDeviceResponse(&devices[i]))
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetProvisionedDevice returns a single provisioned device by MAC.
func (s *Server) handleGetProvisionedDevice(w http.ResponseWriter, r *http.Request) {
	mac := normalizeMAC(chi.URLParam(r, "mac"))

	dev, err := s.provisionedDevices.GetByMAC(r.Context(), mac)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, s.toProvisionedDeviceResponse(dev))
}

// createProvisionedDeviceRequest is the request body for declaring a device.
type createProvisionedDeviceRequest struct {
	MAC       string `json:"mac"`
	Extension string `json:"extension"`
	Vendor    string `json:"vendor"`
	Model     string `json:"model"`
	ConfigURL string `json:"config_url"`
}

// handleCreateProvisionedDevice declares a new MAC-to-extension binding.
func (s *Server) handleCreateProvisionedDevice(w http.ResponseWriter, r *http.Request) {
	var req createProvisionedDeviceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	mac := normalizeMAC(req.MAC)
	if mac == "" || req.Extension == "" || req.Vendor == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, "mac, extension, vendor, and model are required")
		return
	}

	ext, err := s.extensions.GetByExtension(r.Context(), req.Extension)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ext == nil {
		writeError(w, http.StatusBadRequest, "extension does not exist")
		return
	}

	dev := &models.ProvisionedDevice{
		MAC:       mac,
		Extension: req.Extension,
		Vendor:    req.Vendor,
		Model:     req.Model,
		ConfigURL: req.ConfigURL,
	}
	if err := s.provisionedDevices.Create(r.Context(), dev); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create provisioned device")
		return
	}

	writeJSON(w, http.StatusCreated, s.toProvisionedDeviceResponse(dev))
}

// handleDeleteProvisionedDevice removes a MAC-to-extension binding.
func (s *Server) handleDeleteProvisionedDevice(w http.ResponseWriter, r *http.Request) {
	mac := normalizeMAC(chi.URLParam(r, "mac"))

	if err := s.provisionedDevices.Delete(r.Context(), mac); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete provisioned device")
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
