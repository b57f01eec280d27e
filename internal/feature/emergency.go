package feature

import (
	"context"
	"log/slog"
	"regexp"
)

// emergencyPattern matches the dialed-number forms that should be treated
// as an emergency call: 911, 9911 (outside-line prefix + 911), and 9-911
// (same, with a dial-plan separator some PBXs pass through literally).
var emergencyPattern = regexp.MustCompile(`^9?-?911$`)

// EmergencyHook recognizes emergency dialing patterns, resolves the caller's
// site for e911 dispatch, and fires a notification — then lets the call
// route normally to extension "911" with ACL checks bypassed, since an
// emergency call must never be blocked by a missing external-call
// capability or a trunk-originated restriction.
type EmergencyHook struct {
	locator    EmergencyLocator
	dispatcher NotificationDispatcher
	logger     *slog.Logger
}

// NewEmergencyHook builds the emergency hook. locator and dispatcher may be
// nil; a nil locator simply yields an unknown site, a nil dispatcher makes
// Fire a no-op.
func NewEmergencyHook(locator EmergencyLocator, dispatcher NotificationDispatcher, logger *slog.Logger) *EmergencyHook {
	return &EmergencyHook{
		locator:    locator,
		dispatcher: dispatcher,
		logger:     logger.With("hook", "emergency"),
	}
}

func (h *EmergencyHook) Name() string { return "emergency" }

func (h *EmergencyHook) Match(dialedNumber string) bool {
	return emergencyPattern.MatchString(dialedNumber)
}

// Handle resolves the caller's site, fires an alert, and declines to handle
// the call directly — it normalizes routing to "911" and bypasses ACL.
func (h *EmergencyHook) Handle(ctx context.Context, cc CallContext) (*Outcome, error) {
	var site *Site
	if h.locator != nil {
		s, err := h.locator.Locate(ctx, cc.CallerIP)
		if err != nil {
			h.logger.Error("emergency site lookup failed",
				"call_id", cc.CallID,
				"caller_ip", cc.CallerIP,
				"error", err,
			)
		} else {
			site = s
		}
	}

	detail := "site unknown"
	if site != nil {
		detail = site.Name
	}

	h.logger.Warn("emergency call dialed",
		"call_id", cc.CallID,
		"caller", cc.CallerIDNum,
		"site", detail,
	)

	if h.dispatcher != nil {
		h.dispatcher.Fire(ctx, Event{
			Type:        "emergency_call",
			CallerIDNum: cc.CallerIDNum,
			Detail:      detail,
		})
	}

	return &Outcome{
		Handled:          false,
		RouteToExtension: "911",
		BypassACL:        true,
	}, nil
}
