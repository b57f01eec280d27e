// Package provisioning implements the device-facing HTTP config server:
// phones fetch their per-device configuration here before they ever send a
// SIP REGISTER, using a MAC-keyed URL burned into the handset at the
// factory or entered by an installer.
package provisioning

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/flowpbx/corepbx/internal/api/middleware"
	"github.com/flowpbx/corepbx/internal/config"
	"github.com/flowpbx/corepbx/internal/database"
	"github.com/go-chi/chi/v5"
)

// Server serves rendered device configs at GET /provision/{mac}.cfg. It
// carries no admin auth: a factory-default phone has no credentials to
// offer before it is provisioned, so the MAC in the URL path is the only
// access control — matching how the handsets themselves are built.
type Server struct {
	router  *chi.Mux
	cfg     *config.Config
	devices database.ProvisionedDeviceRepository
	ext     database.ExtensionRepository
	logger  *slog.Logger
}

// NewServer builds the provisioning config server.
func NewServer(cfg *config.Config, devices database.ProvisionedDeviceRepository, ext database.ExtensionRepository, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		cfg:     cfg,
		devices: devices,
		ext:     ext,
		logger:  logger.With("subsystem", "provisioning"),
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.StructuredLogger)
	s.router.Get("/provision/{macCfg}", s.handleConfig)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// BuildConfigURL returns the stable auto-provision URL for mac, derived
// from the server's current network configuration rather than any value
// cached on the device record, so a port or IP change is reflected
// immediately without touching provisioned_devices rows.
func BuildConfigURL(cfg *config.Config, mac string) string {
	return fmt.Sprintf("http://%s:%d/provision/%s.cfg", cfg.MediaIP(), cfg.ProvisioningPort, NormalizeMAC(mac))
}

// handleConfig renders and returns one device's config file.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "macCfg")
	mac := NormalizeMAC(stripCfgSuffix(raw))
	if mac == "" {
		http.Error(w, "bad mac", http.StatusBadRequest)
		return
	}

	dev, err := s.devices.GetByMAC(r.Context(), mac)
	if err != nil {
		s.logger.Error("looking up provisioned device", "mac", mac, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if dev == nil {
		http.NotFound(w, r)
		return
	}

	ext, err := s.ext.GetByExtension(r.Context(), dev.Extension)
	if err != nil {
		s.logger.Error("looking up extension for device", "mac", mac, "extension", dev.Extension, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if ext == nil {
		s.logger.Warn("provisioned device references unknown extension", "mac", mac, "extension", dev.Extension)
		http.Error(w, "extension not found", http.StatusInternalServerError)
		return
	}

	t := templateForVendor(dev.Vendor)
	body := render(t, renderVars{
		ServerIP:    s.cfg.MediaIP(),
		SIPPort:     fmt.Sprintf("%d", s.cfg.SIPPort),
		Extension:   ext.Extension,
		Password:    "", // the core only ever stores an irreversible digest hash, never a plaintext secret
		DisplayName: ext.DisplayName,
		MACAddress:  mac,
		Vendor:      dev.Vendor,
		Model:       dev.Model,
	})

	if err := s.devices.MarkProvisioned(r.Context(), mac); err != nil {
		s.logger.Warn("failed to record last_provisioned", "mac", mac, "error", err)
	}

	w.Header().Set("Content-Type", t.ContentType)
	w.Write(body)
}

// stripCfgSuffix removes the vendor-agnostic ".cfg" suffix phones request,
// e.g. "001565123456.cfg" -> "001565123456". Left untouched if absent.
func stripCfgSuffix(s string) string {
	const suffix = ".cfg"
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}
