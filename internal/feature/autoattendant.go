package feature

import (
	"context"
	"log/slog"
)

// AutoAttendantHook answers a configured extension directly instead of
// ringing a phone. Full menu playback and DTMF-driven routing is an
// external IVR concern (out of scope here); this hook only recognizes the
// configured extension and hands the caller a minimal treatment — once the
// resulting dialog's media bridge is active, normal DTMF collection (SIP
// INFO and the relay's in-band RFC 2833/4733 tap) still reaches the call's
// unified digit queue for whatever collaborator wants to read it.
type AutoAttendantHook struct {
	extension string
	recorder  VoicemailRecorder // reused as the generic "answer with SDP" collaborator
	logger    *slog.Logger
}

// NewAutoAttendantHook configures the hook to answer the given extension
// (e.g. "0"). greeting supplies the SDP to bridge the caller's audio to;
// it may be nil, in which case the hook declines and normal routing runs.
func NewAutoAttendantHook(extension string, greeting VoicemailRecorder, logger *slog.Logger) *AutoAttendantHook {
	return &AutoAttendantHook{
		extension: extension,
		recorder:  greeting,
		logger:    logger.With("hook", "auto-attendant"),
	}
}

func (h *AutoAttendantHook) Name() string { return "auto-attendant" }

func (h *AutoAttendantHook) Match(dialedNumber string) bool {
	return h.extension != "" && dialedNumber == h.extension
}

func (h *AutoAttendantHook) Handle(ctx context.Context, cc CallContext) (*Outcome, error) {
	h.logger.Info("auto-attendant answered", "call_id", cc.CallID, "caller", cc.CallerIDNum)

	if h.recorder == nil {
		return &Outcome{Handled: false}, nil
	}

	sdp, err := h.recorder.Start(ctx, h.extension, cc.CallerIDNum)
	if err != nil {
		return nil, err
	}
	if sdp == nil {
		return &Outcome{Handled: false}, nil
	}

	return &Outcome{Handled: true, SDP: sdp}, nil
}
