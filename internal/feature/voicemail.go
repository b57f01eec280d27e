package feature

import (
	"context"
	"log/slog"
)

// VoicemailOnNoAnswer is triggered explicitly by the call handler when the
// CalleeAlerting ring timeout expires with no answer — it is not part of
// the Match-based dialed-number chain, since it depends on an in-progress
// call's outcome rather than the number dialed.
type VoicemailOnNoAnswer struct {
	recorder VoicemailRecorder
	logger   *slog.Logger
}

// NewVoicemailOnNoAnswer builds the hook. A nil recorder means voicemail is
// not configured anywhere and Handle always declines.
func NewVoicemailOnNoAnswer(recorder VoicemailRecorder, logger *slog.Logger) *VoicemailOnNoAnswer {
	return &VoicemailOnNoAnswer{recorder: recorder, logger: logger.With("hook", "voicemail-no-answer")}
}

// Enabled reports whether a recorder collaborator is wired in at all.
func (h *VoicemailOnNoAnswer) Enabled() bool {
	return h.recorder != nil
}

// Start asks the recorder collaborator to begin recording a message for
// extension and returns the SDP answer to bridge the caller's media to.
// Returns a nil SDP (no error) if the collaborator declines.
func (h *VoicemailOnNoAnswer) Start(ctx context.Context, extension, callerIDNum string) ([]byte, error) {
	if h.recorder == nil {
		return nil, nil
	}

	sdp, err := h.recorder.Start(ctx, extension, callerIDNum)
	if err != nil {
		h.logger.Error("voicemail recorder start failed", "extension", extension, "error", err)
		return nil, err
	}
	return sdp, nil
}
