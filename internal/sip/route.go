package sip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/corepbx/internal/database"
	"github.com/flowpbx/corepbx/internal/database/models"
)

// RouteResult describes where a call should be sent.
type RouteResult struct {
	// TargetExtension is the extension being called.
	TargetExtension *models.Extension

	// Contacts are the active registered phones to ring (may be multiple for
	// multi-device support). Only includes non-expired registrations.
	Contacts []models.RegisteredPhone
}

// CallRouter resolves call targets and returns the information needed to
// deliver the call (registered contacts to ring).
type CallRouter struct {
	extensions database.ExtensionRepository
	phones     database.RegisteredPhoneRepository
	logger     *slog.Logger
}

// NewCallRouter creates a new CallRouter.
func NewCallRouter(
	extensions database.ExtensionRepository,
	phones database.RegisteredPhoneRepository,
	logger *slog.Logger,
) *CallRouter {
	return &CallRouter{
		extensions: extensions,
		phones:     phones,
		logger:     logger.With("subsystem", "router"),
	}
}

// RouteInternalCall resolves an internal (extension-to-extension) call.
// It looks up the target extension and finds all active registrations.
//
// Returns an error with a SIP-appropriate status code:
//   - ErrNoRegistrations (480): target has no active registrations
//   - ErrExtensionNotFound (404): target extension does not exist
func (r *CallRouter) RouteInternalCall(ctx context.Context, ic *InviteContext) (*RouteResult, error) {
	if ic.TargetExtension == nil {
		return nil, ErrExtensionNotFound
	}

	ext := ic.TargetExtension

	r.logger.Debug("routing internal call",
		"caller", ic.CallerIDNum,
		"target", ext.Extension,
	)

	phones, err := r.phones.GetByExtension(ctx, ext.Extension)
	if err != nil {
		return nil, fmt.Errorf("looking up registered phones for extension %s: %w", ext.Extension, err)
	}

	// Filter out expired registrations (belt-and-suspenders; the DB cleanup
	// runs periodically but there can be a small window).
	now := time.Now()
	active := make([]models.RegisteredPhone, 0, len(phones))
	for _, p := range phones {
		if p.ExpiresAt.After(now) {
			active = append(active, p)
		}
	}

	if len(active) == 0 {
		r.logger.Info("no active registrations for target extension",
			"extension", ext.Extension,
		)
		return nil, ErrNoRegistrations
	}

	r.logger.Info("internal call routed",
		"caller", ic.CallerIDNum,
		"target", ext.Extension,
		"contacts", len(active),
	)

	return &RouteResult{
		TargetExtension: ext,
		Contacts:        active,
	}, nil
}

// Routing errors with SIP-semantic meaning. Callers should map these to the
// appropriate SIP response code.
var (
	ErrExtensionNotFound = fmt.Errorf("extension not found")
	ErrNoRegistrations   = fmt.Errorf("no active registrations")
)
