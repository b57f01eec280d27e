package sip

import (
	"context"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// Call state names, matching the canonical B2BUA call lifecycle. A call
// starts in Idle, moves through ringing/alerting while the callee is being
// reached, and settles into Established once media is flowing. Cancelling
// and RoutingToVoicemail are both side branches off the ringing states;
// Releasing is the brief window between a BYE decision and the dialog
// actually being torn down.
const (
	StateIdle               = "idle"
	StateAwaitingCalleeRing = "awaiting_callee_ring"
	StateCalleeAlerting     = "callee_alerting"
	StateConnecting         = "connecting"
	StateEstablished        = "established"
	StateReleasing          = "releasing"
	StateCancelling         = "cancelling"
	StateRoutingToVoicemail = "routing_to_voicemail"
	StateTerminated         = "terminated"
)

// CallFSM drives one call's lifecycle through the canonical state table.
// It wraps looplab/fsm so every transition is validated against the table
// instead of being set by ad hoc assignment, and so call state is always
// representable even for branches (cancelling, voicemail routing) that a
// flat three-state model can't distinguish.
type CallFSM struct {
	mu     sync.Mutex
	fsm    *fsm.FSM
	callID string
	logger *slog.Logger
}

// NewCallFSM creates a call's state machine already in AwaitingCalleeRing,
// having fired the implicit Idle->AwaitingCalleeRing transition that happens
// the instant a PBX starts routing a freshly received INVITE.
func NewCallFSM(callID string, logger *slog.Logger) *CallFSM {
	c := &CallFSM{
		callID: callID,
		logger: logger.With("subsystem", "callfsm", "call_id", callID),
	}
	c.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "originate", Src: []string{StateIdle}, Dst: StateAwaitingCalleeRing},
			{Name: "alert", Src: []string{StateAwaitingCalleeRing}, Dst: StateCalleeAlerting},
			{Name: "callee_answer", Src: []string{StateAwaitingCalleeRing, StateCalleeAlerting}, Dst: StateConnecting},
			{Name: "establish", Src: []string{StateConnecting, StateRoutingToVoicemail}, Dst: StateEstablished},
			{Name: "route_voicemail", Src: []string{StateAwaitingCalleeRing, StateCalleeAlerting}, Dst: StateRoutingToVoicemail},
			{Name: "cancel", Src: []string{StateAwaitingCalleeRing, StateCalleeAlerting}, Dst: StateCancelling},
			{Name: "release", Src: []string{StateEstablished}, Dst: StateReleasing},
			{
				Name: "terminate",
				Src: []string{
					StateAwaitingCalleeRing, StateCalleeAlerting, StateConnecting,
					StateCancelling, StateReleasing, StateRoutingToVoicemail,
				},
				Dst: StateTerminated,
			},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("call state transition", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	if err := c.fsm.Event(context.Background(), "originate"); err != nil {
		c.logger.Warn("unexpected fsm error on originate", "error", err)
	}
	return c
}

func (c *CallFSM) fire(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fsm.Event(context.Background(), event); err != nil {
		c.logger.Debug("call fsm transition rejected", "event", event, "current", c.fsm.Current(), "error", err)
	}
}

// Alerting fires on the first 180/183 relayed back to the caller.
func (c *CallFSM) Alerting() { c.fire("alert") }

// CalleeAnswer fires when a fork leg (or voicemail pseudo-callee) returns 200 OK.
func (c *CallFSM) CalleeAnswer() { c.fire("callee_answer") }

// Establish fires once the ACK has been forwarded and media is flowing.
func (c *CallFSM) Establish() { c.fire("establish") }

// RouteToVoicemail fires when no-answer/ErrNoRegistrations triggers the
// voicemail fallback instead of a further forked ring.
func (c *CallFSM) RouteToVoicemail() { c.fire("route_voicemail") }

// Cancel fires when the caller sends CANCEL while the callee hasn't answered yet.
func (c *CallFSM) Cancel() { c.fire("cancel") }

// Release fires when a BYE is accepted against an established dialog.
func (c *CallFSM) Release() { c.fire("release") }

// Terminate fires on final teardown, from whichever branch the call was on.
func (c *CallFSM) Terminate() { c.fire("terminate") }

// Current returns the FSM's current state name.
func (c *CallFSM) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.Current()
}
