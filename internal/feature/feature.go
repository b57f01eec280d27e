// Package feature implements the PBX's feature hooks: call treatments that
// run ahead of ordinary extension-to-extension routing. Each hook is given
// the dialed number and the caller's context, and either declines (the call
// routes normally) or handles the call directly by returning bridged SDP.
package feature

import (
	"context"
	"time"
)

// CallContext carries what a hook needs to decide whether it applies and,
// if so, how to treat the call.
type CallContext struct {
	CallID       string
	CallerIDName string
	CallerIDNum  string
	CallerIP     string

	// DialedNumber is the Request-URI user part the caller dialed.
	DialedNumber string

	// CallerSDP is the caller's offered SDP body, when available.
	CallerSDP []byte
}

// Outcome is what a hook decides for a dialed number.
type Outcome struct {
	// Handled is true if the hook bridged the call itself — the caller got
	// (or will get) a final response directly from the hook, and normal
	// routing must not run.
	Handled bool

	// SDP is the answer SDP to relay to the caller, set only when Handled.
	SDP []byte

	// RouteToExtension redirects normal routing to a different dialed
	// number than the one the caller sent (e.g. 911 normalized from 9911).
	// Empty means "keep routing to the originally dialed number".
	RouteToExtension string

	// BypassACL tells the normal routing path to skip capability checks
	// that would otherwise apply (e.g. the external-call requirement),
	// used by the emergency hook.
	BypassACL bool

	// PagingMembers, when non-empty, tells the caller to ring every listed
	// extension in parallel. The INVITE handler answers the page caller once
	// one of them answers, not before, and relays audio in both directions.
	PagingMembers []string
}

// Hook is a single feature treatment. Match is cheap and side-effect free;
// Handle performs the actual treatment and may be slower (DB lookups,
// collaborator calls).
type Hook interface {
	Name() string
	Match(dialedNumber string) bool
	Handle(ctx context.Context, cc CallContext) (*Outcome, error)
}

// Dispatcher chains hooks in priority order and runs the first match.
type Dispatcher struct {
	hooks []Hook
}

// NewDispatcher builds a dispatcher from hooks in priority order — earlier
// hooks are tried first.
func NewDispatcher(hooks ...Hook) *Dispatcher {
	return &Dispatcher{hooks: hooks}
}

// Dispatch returns the outcome of the first matching hook, or nil if no
// hook claims the dialed number (normal routing should proceed unmodified).
func (d *Dispatcher) Dispatch(ctx context.Context, dialedNumber string, cc CallContext) (*Outcome, error) {
	for _, h := range d.hooks {
		if h.Match(dialedNumber) {
			return h.Handle(ctx, cc)
		}
	}
	return nil, nil
}

// Site describes an emergency response location resolved from the caller's
// network address.
type Site struct {
	Name    string
	Address string
	ELIN    string // emergency location identification number, if assigned
}

// EmergencyLocator resolves a caller's IP address to a physical site for
// e911 dispatch. The core never implements this itself — callers that care
// about emergency routing supply a real implementation backed by their own
// network/site inventory.
type EmergencyLocator interface {
	Locate(ctx context.Context, callerIP string) (*Site, error)
}

// VoicemailRecorder is the external collaborator that records a voicemail
// message for an extension and returns the SDP answer the PBX should bridge
// the caller's media to. The core only ever calls Start; the collaborator
// owns playback of the greeting and storage of the resulting recording.
type VoicemailRecorder interface {
	Start(ctx context.Context, extension, callerIDNum string) (sdpAnswer []byte, err error)
}

// Event is fired at NotificationDispatcher for out-of-band alerting (e.g.
// emergency calls, paging). Dispatch is fire-and-forget from the core's
// point of view.
type Event struct {
	Type        string
	Extension   string
	CallerIDNum string
	Detail      string
	At          time.Time
}

// NotificationDispatcher delivers Events to whatever external channel the
// deployment wants (SMS, email, push). The core never blocks on it.
type NotificationDispatcher interface {
	Fire(ctx context.Context, event Event)
}
