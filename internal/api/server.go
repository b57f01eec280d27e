package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/flowpbx/corepbx/internal/api/middleware"
	"github.com/flowpbx/corepbx/internal/config"
	"github.com/flowpbx/corepbx/internal/database"
	"github.com/flowpbx/corepbx/internal/database/models"
	"github.com/flowpbx/corepbx/internal/qos"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router             *chi.Mux
	db                 *database.DB
	cfg                *config.Config
	sessions           *middleware.SessionStore
	adminUsers         database.AdminUserRepository
	systemConfig       database.SystemConfigRepository
	extensions         database.ExtensionRepository
	phones             database.RegisteredPhoneRepository
	provisionedDevices database.ProvisionedDeviceRepository
	cdrs               database.CDRRepository
	qosMgr             *qos.Manager
	authLimiter        *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. qosMgr may be
// nil (e.g. in tests) to disable the /api/qos/* endpoints' live data.
func NewServer(db *database.DB, cfg *config.Config, sessions *middleware.SessionStore, sysConfig database.SystemConfigRepository, qosMgr *qos.Manager) *Server {
	s := &Server{
		router:             chi.NewRouter(),
		db:                 db,
		cfg:                cfg,
		sessions:           sessions,
		adminUsers:         database.NewAdminUserRepository(db),
		systemConfig:       sysConfig,
		extensions:         database.NewExtensionRepository(db),
		phones:             database.NewRegisteredPhoneRepository(db),
		provisionedDevices: database.NewProvisionedDeviceRepository(db),
		cdrs:               database.NewCDRRepository(db),
		qosMgr:             qosMgr,
		authLimiter:        middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(s.cfg.TLSCert != ""))

	// API routes under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)
		r.Post("/setup", s.handleSetup)

		// Session-cookie auth (web UI). Bearer tokens for the /api/* routes
		// below are issued separately by POST /api/v1/auth/token.
		// Rate limited more strictly than the rest of the API to slow down
		// credential-stuffing attempts against admin accounts.
		r.With(middleware.RateLimit(s.authLimiter)).Post("/auth/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.sessions, s.cfg.TLSCert != ""))
			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/token", s.handleIssueToken)
		})

		r.Route("/cdrs", func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.sessions, s.cfg.TLSCert != ""))
			r.Get("/", s.handleListCDRs)
			r.Get("/export", s.handleExportCDRs)
			r.Get("/{id}", s.handleGetCDR)
		})

		r.Route("/extensions", func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.sessions, s.cfg.TLSCert != ""))
			r.Get("/", s.handleListExtensions)
			r.Get("/{id}/registrations", s.handleExtensionRegistrations)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.sessions, s.cfg.TLSCert != ""))
			r.Get("/dashboard/stats", s.handleDashboardStats)
		})
	})

	// Bearer-token authenticated surface, per the external admin/REST API
	// contract: registered-phone inventory, provisioning CRUD, QoS metrics.
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireBearerAuth(s.cfg.SessionSecretKeyBytes()))

		r.Get("/registered-phones", s.handleListRegisteredPhones)
		r.Get("/registered-phones/with-mac", s.handleListRegisteredPhonesWithMAC)
		r.Get("/phone-lookup/{macOrIP}", s.handlePhoneLookup)

		r.Route("/provisioning/devices", func(r chi.Router) {
			r.Get("/", s.handleListProvisionedDevices)
			r.Get("/{mac}", s.handleGetProvisionedDevice)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdminRole())
				r.Post("/", s.handleCreateProvisionedDevice)
				r.Delete("/{mac}", s.handleDeleteProvisionedDevice)
			})
		})

		r.Get("/qos/metrics", s.handleQoSMetrics)
		r.Get("/qos/call/{id}", s.handleQoSCall)
		r.Get("/qos/history", s.handleQoSHistory)
		r.Get("/qos/alerts", s.handleQoSAlerts)
	})

	// SPA fallback — serve embedded React UI for non-API routes.
	// This will be wired to //go:embed static file serving in a later task.
	// For now, return a placeholder so the route structure is established.
	r.NotFound(s.handleSPAFallback)

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status including first-boot detection.
// Unauthenticated so the SPA can determine whether to show setup wizard or login.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	needsSetup, err := s.isFirstBoot(r.Context())
	if err != nil {
		slog.Error("health: failed to check first-boot status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"needs_setup": needsSetup,
	})
}

// isFirstBoot returns true when the admin_users table is empty, indicating
// the system has not been configured yet and the setup wizard should run.
func (s *Server) isFirstBoot(ctx context.Context) (bool, error) {
	count, err := s.adminUsers.Count(ctx)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// handleSetup completes the first-boot setup wizard by creating the initial
// admin account and saving system configuration (hostname, SIP ports).
// Only allowed when the system is in first-boot state (no admin users exist).
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	needsSetup, err := s.isFirstBoot(r.Context())
	if err != nil {
		slog.Error("setup: failed to check first-boot status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !needsSetup {
		writeError(w, http.StatusForbidden, "setup already completed")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Hostname string `json:"hostname"`
		SIPPort  int    `json:"sip_port"`
		SIPTLS   int    `json:"sip_tls_port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Validate required fields.
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	// Hash the admin password with PBKDF2-HMAC-SHA256.
	hash, err := database.HashPassword(req.Password)
	if err != nil {
		slog.Error("setup: failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Create the admin user. The first account created during setup always
	// carries admin privileges.
	user := &models.AdminUser{
		Username:     req.Username,
		PasswordHash: hash,
		IsAdmin:      true,
	}
	if err := s.adminUsers.Create(r.Context(), user); err != nil {
		slog.Error("setup: failed to create admin user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create admin account")
		return
	}

	// Store system configuration values (only if provided).
	ctx := r.Context()
	if req.Hostname != "" {
		if err := s.systemConfig.Set(ctx, "hostname", req.Hostname); err != nil {
			slog.Error("setup: failed to save hostname", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save configuration")
			return
		}
	}
	if req.SIPPort > 0 {
		if err := s.systemConfig.Set(ctx, "sip_port", strconv.Itoa(req.SIPPort)); err != nil {
			slog.Error("setup: failed to save sip port", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save configuration")
			return
		}
	}
	if req.SIPTLS > 0 {
		if err := s.systemConfig.Set(ctx, "sip_tls_port", strconv.Itoa(req.SIPTLS)); err != nil {
			slog.Error("setup: failed to save sip tls port", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save configuration")
			return
		}
	}

	slog.Info("setup: initial configuration completed", "username", req.Username, "user_id", user.ID)

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
	})
}

// handleLogin validates admin credentials and creates a session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.adminUsers.GetByUsername(r.Context(), req.Username)
	if err != nil {
		slog.Error("login: failed to query user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	match, err := database.CheckPassword(req.Password, user.PasswordHash)
	if err != nil {
		slog.Error("login: failed to verify password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !match {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	sess, err := s.sessions.Create(user.ID, user.Username)
	if err != nil {
		slog.Error("login: failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	middleware.SetSessionCookie(w, sess, s.cfg.TLSCert != "")

	slog.Info("admin login", "username", user.Username, "user_id", user.ID)

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
	})
}

// handleLogout destroys the current session and clears cookies.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromContext(r.Context())
	if sessionID != "" {
		s.sessions.Delete(sessionID)
	}

	middleware.ClearSessionCookie(w, s.cfg.TLSCert != "")

	writeJSON(w, http.StatusOK, nil)
}

// handleMe returns the currently authenticated admin user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := middleware.AdminUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
	})
}

// handleIssueToken mints a bearer token for the /api/* surface (registered
// phones, provisioning CRUD, QoS) on behalf of the session-authenticated
// admin user. The token carries is_admin=true since only admin accounts can
// hold a web session today.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	user := middleware.AdminUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken(s.cfg.SessionSecretKeyBytes(), user.Username, true)
	if err != nil {
		slog.Error("issue token: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}

// handleNotImplemented returns 501 for endpoints not yet wired up.
func (s *Server) handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "not implemented")
}

// handleSPAFallback serves the embedded React SPA for non-API routes.
// Will be replaced with //go:embed static file serving in a later task.
func (s *Server) handleSPAFallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<!doctype html><html><body><p>FlowPBX UI not built yet. Run <code>make ui-build</code>.</p></body></html>"))
}
