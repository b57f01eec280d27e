package feature

import (
	"context"
	"log/slog"
	"regexp"
)

// PagingGroup maps a dialed paging extension to the group of extensions
// that are rung for the page.
type PagingGroup struct {
	Extension string
	Members   []string
}

// PagingLookup resolves a dialed number to a configured paging group.
type PagingLookup interface {
	FindGroup(ctx context.Context, dialedNumber string) (*PagingGroup, error)
}

// defaultPagingPattern matches the teacher's documented paging range (7xx)
// when no explicit group is registered for the exact number.
var defaultPagingPattern = regexp.MustCompile(`^7\d{2}$`)

// PagingHook recognises paging numbers and resolves the group's members.
// The INVITE handler rings the members and answers the caller once one of
// them answers; the recipients' RTP is relayed back to the caller as on any
// other call.
type PagingHook struct {
	lookup PagingLookup
	logger *slog.Logger
}

// NewPagingHook builds the paging hook.
func NewPagingHook(lookup PagingLookup, logger *slog.Logger) *PagingHook {
	return &PagingHook{lookup: lookup, logger: logger.With("hook", "paging")}
}

func (h *PagingHook) Name() string { return "paging" }

func (h *PagingHook) Match(dialedNumber string) bool {
	if h.lookup != nil {
		if g, err := h.lookup.FindGroup(context.Background(), dialedNumber); err == nil && g != nil {
			return true
		}
	}
	return defaultPagingPattern.MatchString(dialedNumber)
}

// Handle resolves the paging group's members. The fan-out ringing is
// performed by the caller (sip.InviteHandler) using the same forking
// primitives as a normal multi-device call, since paging targets are
// ordinary registered extensions — this hook's job is purely to identify
// the member list and mark the call as a page. The page caller is answered
// once a member picks up, not before.
func (h *PagingHook) Handle(ctx context.Context, cc CallContext) (*Outcome, error) {
	h.logger.Info("paging call", "call_id", cc.CallID, "caller", cc.CallerIDNum)

	group, err := h.Group(ctx, cc.DialedNumber)
	if err != nil {
		return nil, err
	}
	if group == nil || len(group.Members) == 0 {
		return &Outcome{Handled: false, BypassACL: true}, nil
	}

	return &Outcome{Handled: false, BypassACL: true, PagingMembers: group.Members}, nil
}

// Group resolves the paging group for a dialed number, or nil if none is
// configured and the number only matched the default pattern.
func (h *PagingHook) Group(ctx context.Context, dialedNumber string) (*PagingGroup, error) {
	if h.lookup == nil {
		return nil, nil
	}
	return h.lookup.FindGroup(ctx, dialedNumber)
}
