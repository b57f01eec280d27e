package sip

import (
	"context"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/corepbx/internal/database"
	"github.com/flowpbx/corepbx/internal/database/models"
)

const (
	defaultExpiry       = 3600  // 1 hour default registration expiry
	minExpiry           = 60    // 1 minute minimum
	maxExpiry           = 86400 // 24 hours maximum
	expiryCleanupPeriod = 30 * time.Second
)

// macCharset strips separators and restricts to hex so two MACs that reach
// us formatted differently (aa:bb:cc, AA-BB-CC, aabbcc) normalize the same.
var macCharset = regexp.MustCompile(`[^0-9a-fA-F]`)

// Registrar handles SIP REGISTER requests — authenticates, stores contacts
// in the registered_phones table, and manages expiry cleanup.
type Registrar struct {
	extensions database.ExtensionRepository
	phones     database.RegisteredPhoneRepository
	auth       *Authenticator
	regNotify  *RegistrationNotifier
	logger     *slog.Logger
}

// NewRegistrar creates a new REGISTER handler.
func NewRegistrar(
	extensions database.ExtensionRepository,
	phones database.RegisteredPhoneRepository,
	auth *Authenticator,
	regNotify *RegistrationNotifier,
	logger *slog.Logger,
) *Registrar {
	return &Registrar{
		extensions: extensions,
		phones:     phones,
		auth:       auth,
		regNotify:  regNotify,
		logger:     logger.With("subsystem", "registrar"),
	}
}

// HandleRegister processes incoming REGISTER requests.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	r.logger.Debug("register request received",
		"from", req.From().Address.User,
		"source", req.Source(),
		"method", req.Method,
	)

	ext := r.auth.Authenticate(req, tx)
	if ext == nil {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.logger.Warn("register missing contact header",
			"extension", ext.Extension,
			"source", req.Source(),
		)
		r.respondError(req, tx, 400, "Bad Request")
		return
	}

	expiry := r.parseExpiry(req)

	if expiry == 0 || contact.Address.Wildcard {
		r.handleUnregister(req, tx, ext, contact)
		return
	}

	if expiry < minExpiry {
		expiry = minExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	ctx := context.Background()
	contactURI := contact.Address.String()

	count, err := r.phones.CountByExtension(ctx, ext.Extension)
	if err != nil {
		r.logger.Error("failed to count registered phones", "extension", ext.Extension, "error", err)
		r.respondError(req, tx, 500, "Internal Server Error")
		return
	}
	if int(count) >= ext.MaxRegistrations {
		// Allow a re-registration from the same contact even at the limit.
		existing, err := r.phones.GetByExtension(ctx, ext.Extension)
		if err == nil {
			refresh := false
			for _, p := range existing {
				if p.ContactURI == contactURI {
					refresh = true
					break
				}
			}
			if !refresh {
				r.logger.Warn("max registrations exceeded", "extension", ext.Extension, "current", count, "max", ext.MaxRegistrations)
				r.respondError(req, tx, 403, "Forbidden")
				return
			}
		}
	}

	sourceIP, sourcePort := r.parseSource(req)
	transport := r.parseTransport(req)

	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}

	mac := r.extractMAC(contact, userAgent)

	phone := &models.RegisteredPhone{
		Extension:  ext.Extension,
		ContactURI: contactURI,
		Transport:  transport,
		MAC:        mac,
		IP:         sourceIP,
		Port:       sourcePort,
		UserAgent:  userAgent,
		ExpiresAt:  time.Now().Add(time.Duration(expiry) * time.Second),
	}

	if err := r.phones.Upsert(ctx, phone); err != nil {
		r.logger.Error("failed to store registered phone", "extension", ext.Extension, "error", err)
		r.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	r.logger.Info("extension registered",
		"extension", ext.Extension,
		"contact", contactURI,
		"transport", transport,
		"mac", mac,
		"expires", expiry,
		"source", req.Source(),
	)

	if r.regNotify != nil {
		r.regNotify.Notify(ext.Extension)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// handleUnregister processes un-registration (Expires: 0 or Contact: *).
func (r *Registrar) handleUnregister(req *sip.Request, tx sip.ServerTransaction, ext *models.Extension, contact *sip.ContactHeader) {
	ctx := context.Background()

	if contact.Address.Wildcard {
		phones, err := r.phones.GetByExtension(ctx, ext.Extension)
		if err != nil {
			r.logger.Error("failed to get registered phones for unregister", "extension", ext.Extension, "error", err)
			r.respondError(req, tx, 500, "Internal Server Error")
			return
		}
		for _, p := range phones {
			if err := r.phones.DeleteByExtensionAndContact(ctx, ext.Extension, p.ContactURI); err != nil {
				r.logger.Error("failed to delete registered phone", "contact", p.ContactURI, "error", err)
			}
		}
		r.logger.Info("all registrations removed", "extension", ext.Extension, "count", len(phones))
	} else {
		contactURI := contact.Address.String()
		if err := r.phones.DeleteByExtensionAndContact(ctx, ext.Extension, contactURI); err != nil {
			r.logger.Error("failed to delete registered phone", "extension", ext.Extension, "contact", contactURI, "error", err)
			r.respondError(req, tx, 500, "Internal Server Error")
			return
		}
		r.logger.Info("registration removed", "extension", ext.Extension, "contact", contactURI)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send unregister response", "error", err)
	}
}

// RunExpiryCleanup periodically removes expired registered phones.
func (r *Registrar) RunExpiryCleanup(ctx context.Context) {
	ticker := time.NewTicker(expiryCleanupPeriod)
	defer ticker.Stop()

	r.logger.Info("registration expiry cleanup started", "interval", expiryCleanupPeriod.String())

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration expiry cleanup stopped")
			return
		case <-ticker.C:
			deleted, err := r.phones.DeleteExpired(ctx)
			if err != nil {
				r.logger.Error("failed to clean expired registered phones", "error", err)
				continue
			}
			if deleted > 0 {
				r.logger.Info("expired registered phones cleaned", "count", deleted)
			}

			r.auth.CleanExpiredNonces()
		}
	}
}

// parseExpiry extracts the registration expiry from the request, checking
// Contact params first, then the Expires header, then the default.
func (r *Registrar) parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}

	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}

	return defaultExpiry
}

// parseSource extracts the source IP and port from the request.
func (r *Registrar) parseSource(req *sip.Request) (string, int) {
	source := req.Source()
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// parseTransport determines the transport protocol from the Via header.
func (r *Registrar) parseTransport(req *sip.Request) string {
	if via := req.Via(); via != nil {
		transport := strings.ToLower(via.Transport)
		if transport != "" {
			return transport
		}
	}
	return "udp"
}

// extractMAC resolves the registering device's MAC address. Preference
// order: a bare `mac=` Contact parameter, then the `+sip.instance` Contact
// parameter (many desk phones embed the MAC there, e.g.
// "<urn:uuid:00000000-0000-0000-0000-aabbccddeeff>" or similar
// vendor-specific encodings), then a scan of the User-Agent string for a
// standalone hex MAC token. Returns
// "" when no MAC can be determined — the row is then subject to the
// startup incomplete-registration cleanup pass.
func (r *Registrar) extractMAC(contact *sip.ContactHeader, userAgent string) string {
	if mac, ok := contact.Params.Get("mac"); ok {
		if m := normalizeMAC(mac); m != "" {
			return m
		}
	}
	if instance, ok := contact.Params.Get("+sip.instance"); ok {
		if m := findMACToken(instance); m != "" {
			return m
		}
	}
	if m := findMACToken(userAgent); m != "" {
		return m
	}
	return ""
}

var macTokenRe = regexp.MustCompile(`(?i)([0-9a-f]{2}[:\-]?){5}[0-9a-f]{2}`)

// findMACToken scans s for the first substring that looks like a MAC
// address in any common separator style.
func findMACToken(s string) string {
	m := macTokenRe.FindString(s)
	return normalizeMAC(m)
}

// normalizeMAC lowercases and strips separators, returning "" unless the
// result is exactly 12 hex digits.
func normalizeMAC(s string) string {
	stripped := strings.ToLower(macCharset.ReplaceAllString(s, ""))
	if len(stripped) != 12 {
		return ""
	}
	return stripped
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send error response", "code", code, "error", err)
	}
}
