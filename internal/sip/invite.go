package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/corepbx/internal/database"
	"github.com/flowpbx/corepbx/internal/database/models"
	"github.com/flowpbx/corepbx/internal/feature"
	"github.com/flowpbx/corepbx/internal/media"
	"github.com/flowpbx/corepbx/internal/qos"
)

// defaultRingTimeout bounds how long a forked INVITE rings before the call
// is treated as unanswered (no-answer). The extensions table carries no
// per-extension override; every call uses this default.
const defaultRingTimeout = 30 * time.Second

// InviteContext holds the classified information about an incoming INVITE.
type InviteContext struct {
	// CallerExtension is the local extension that originated the call.
	CallerExtension *models.Extension

	// TargetExtension is set once the dialed number resolves to a local
	// extension, either directly or via a feature hook's RouteToExtension.
	TargetExtension *models.Extension

	// RequestURI is the user part of the Request-URI (the dialed number/extension).
	RequestURI string

	// CallerID is the display info from the From header.
	CallerIDName string
	CallerIDNum  string

	// CallerIP is the source host of the INVITE, used by feature hooks that
	// need to resolve location (e.g. emergency calling).
	CallerIP string

	// BypassACL is set when a feature hook (emergency, paging) determined
	// the call should route even if normal capability checks would refuse it.
	BypassACL bool

	// PagingMembers, when non-empty, means the paging hook claimed this call:
	// every listed extension rings in parallel and the caller is answered
	// once any member answers, with audio relayed in both directions as on
	// a normal call.
	PagingMembers []string
}

// InviteHandler processes incoming SIP INVITE requests: it authenticates the
// caller, dispatches to feature hooks (emergency, paging, auto-attendant),
// and otherwise routes extension-to-extension calls via the CallRouter.
type InviteHandler struct {
	extensions database.ExtensionRepository
	phones     database.RegisteredPhoneRepository
	auth       *Authenticator
	router     *CallRouter
	forker     *Forker
	dialogMgr  *DialogManager
	pendingMgr *PendingCallManager
	sessionMgr *media.SessionManager
	cdrs       database.CDRRepository
	features   *feature.Dispatcher
	voicemail  *feature.VoicemailOnNoAnswer
	proxyIP    string
	qosMgr     *qos.Manager
	dtmfMgr    *media.CallDTMFManager
	logger     *slog.Logger
}

// NewInviteHandler creates a new INVITE request handler. qosMgr may be nil to
// disable RFC 3550 quality tracking for calls this handler bridges.
func NewInviteHandler(
	extensions database.ExtensionRepository,
	phones database.RegisteredPhoneRepository,
	auth *Authenticator,
	forker *Forker,
	dialogMgr *DialogManager,
	pendingMgr *PendingCallManager,
	sessionMgr *media.SessionManager,
	cdrs database.CDRRepository,
	features *feature.Dispatcher,
	voicemail *feature.VoicemailOnNoAnswer,
	proxyIP string,
	qosMgr *qos.Manager,
	dtmfMgr *media.CallDTMFManager,
	logger *slog.Logger,
) *InviteHandler {
	return &InviteHandler{
		extensions: extensions,
		phones:     phones,
		auth:       auth,
		router:     NewCallRouter(extensions, phones, logger),
		forker:     forker,
		dialogMgr:  dialogMgr,
		pendingMgr: pendingMgr,
		sessionMgr: sessionMgr,
		cdrs:       cdrs,
		features:   features,
		voicemail:  voicemail,
		proxyIP:    proxyIP,
		qosMgr:     qosMgr,
		dtmfMgr:    dtmfMgr,
		logger:     logger.With("subsystem", "invite"),
	}
}

// HandleInvite is the entry point for all INVITE requests.
func (h *InviteHandler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	h.logger.Info("invite received",
		"call_id", callID,
		"from", req.From().Address.User,
		"to", req.To().Address.User,
		"source", req.Source(),
	)

	// Send 100 Trying immediately to stop UAC retransmissions (RFC 3261 §8.2.6.1).
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		h.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
		return
	}

	ic, err := h.classifyCall(req, tx)
	if err != nil {
		h.logger.Error("failed to classify invite", "call_id", callID, "error", err)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}
	if ic == nil {
		// classifyCall already sent the SIP response (401, 403, etc).
		return
	}

	h.logger.Info("invite classified",
		"call_id", callID,
		"request_uri", ic.RequestURI,
		"caller_name", ic.CallerIDName,
		"caller_num", ic.CallerIDNum,
	)

	h.createInitialCDR(ic, callID)

	if len(ic.PagingMembers) > 0 {
		h.handlePagingCall(req, tx, ic, callID)
		return
	}

	h.handleInternalCall(req, tx, ic, callID)
}

// handleInternalCall routes an extension-to-extension call by looking up
// the target extension's active registrations via the CallRouter.
func (h *InviteHandler) handleInternalCall(req *sip.Request, tx sip.ServerTransaction, ic *InviteContext, callID string) {
	ctx := context.Background()

	route, err := h.router.RouteInternalCall(ctx, ic)
	if err != nil {
		switch err {
		case ErrNoRegistrations:
			h.logger.Info("internal call failed: no registrations",
				"call_id", callID,
				"target", ic.TargetExtension.Extension,
			)
			if h.tryVoicemail(ctx, req, tx, ic, callID, NewCallFSM(callID, h.logger)) {
				return
			}
			h.respondErrorWithCDR(req, tx, 480, "Temporarily Unavailable", callID)
			return
		case ErrExtensionNotFound:
			h.logger.Info("internal call failed: extension not found",
				"call_id", callID,
				"request_uri", ic.RequestURI,
			)
			h.respondErrorWithCDR(req, tx, 404, "Not Found", callID)
			return
		default:
			h.logger.Error("internal call routing error", "call_id", callID, "error", err)
			h.respondErrorWithCDR(req, tx, 500, "Internal Server Error", callID)
			return
		}
	}

	h.logger.Info("internal call routed, forking to contacts",
		"call_id", callID,
		"target", route.TargetExtension.Extension,
		"contacts", len(route.Contacts),
	)

	bridge, calleeSDP, err := h.allocateBridge(req, callID)
	if err != nil {
		h.respondErrorWithCDR(req, tx, 500, "Internal Server Error", callID)
		return
	}

	forkCtx, cancelFork := context.WithTimeout(ctx, defaultRingTimeout)
	callFSM := NewCallFSM(callID, h.logger)

	h.pendingMgr.Add(&PendingCall{
		CallID:     callID,
		CallerTx:   tx,
		CallerReq:  req,
		CancelFork: cancelFork,
		Bridge:     bridge,
		FSM:        callFSM,
	})

	result := h.forker.Fork(forkCtx, req, tx, route.Contacts, ic.CallerExtension, callID, calleeSDP, callFSM)

	pc := h.pendingMgr.Remove(callID)
	cancelFork()

	if pc == nil {
		h.logger.Info("fork completed but call was already cancelled", "call_id", callID)
		if result.Answered && result.AnsweringTx != nil {
			result.AnsweringTx.Terminate()
		}
		return
	}

	if result.Error != nil {
		h.logger.Error("fork failed", "call_id", callID, "error", result.Error)
		if bridge != nil {
			bridge.Release()
		}
		callFSM.Terminate()
		h.respondErrorWithCDR(req, tx, 500, "Internal Server Error", callID)
		return
	}

	if result.AllBusy {
		h.logger.Info("all devices busy", "call_id", callID, "target", route.TargetExtension.Extension)
		if bridge != nil {
			bridge.Release()
		}
		callFSM.Terminate()
		h.respondErrorWithCDR(req, tx, 486, "Busy Here", callID)
		return
	}

	if !result.Answered {
		h.logger.Info("no device answered (ring timeout)",
			"call_id", callID,
			"target", route.TargetExtension.Extension,
		)
		if bridge != nil {
			bridge.Release()
		}
		if h.tryVoicemail(ctx, req, tx, ic, callID, callFSM) {
			return
		}
		callFSM.Terminate()
		h.respondErrorWithCDR(req, tx, 480, "Temporarily Unavailable", callID)
		return
	}

	h.completeAnsweredCall(req, tx, ic, callID, bridge, result, callFSM)
}

// handlePagingCall rings every member of a paging group in parallel for up
// to 5 seconds and answers the caller once a member answers; it does not
// answer the caller before that. Media is bridged as on a normal call, so
// audio is relayed in both directions. If no member answers, the caller
// gets 480.
func (h *InviteHandler) handlePagingCall(req *sip.Request, tx sip.ServerTransaction, ic *InviteContext, callID string) {
	ctx := context.Background()

	var contacts []models.RegisteredPhone
	for _, ext := range ic.PagingMembers {
		phones, err := h.phones.GetByExtension(ctx, ext)
		if err != nil {
			h.logger.Error("paging: failed to look up member registrations",
				"call_id", callID, "extension", ext, "error", err,
			)
			continue
		}
		contacts = append(contacts, phones...)
	}

	if len(contacts) == 0 {
		h.logger.Info("paging call has no registered members", "call_id", callID)
		h.respondErrorWithCDR(req, tx, 480, "Temporarily Unavailable", callID)
		return
	}

	bridge, calleeSDP, err := h.allocateBridge(req, callID)
	if err != nil {
		h.respondErrorWithCDR(req, tx, 500, "Internal Server Error", callID)
		return
	}

	// Paging is one-way and answers the instant any member's phone accepts
	// the page (most auto-answer); the page itself sets the ring budget.
	forkCtx, cancelFork := context.WithTimeout(ctx, 5*time.Second)
	defer cancelFork()

	callFSM := NewCallFSM(callID, h.logger)
	result := h.forker.Fork(forkCtx, req, tx, contacts, ic.CallerExtension, callID, calleeSDP, callFSM)
	if !result.Answered {
		h.logger.Info("paging call: no member answered", "call_id", callID)
		if bridge != nil {
			bridge.Release()
		}
		callFSM.Terminate()
		h.respondErrorWithCDR(req, tx, 480, "Temporarily Unavailable", callID)
		return
	}

	h.completeAnsweredCall(req, tx, ic, callID, bridge, result, callFSM)
}

// tryVoicemail offers the voicemail-on-no-answer collaborator a chance to
// pick up the call when ringing produced no answer. On success, the
// recorder's returned SDP is bridged exactly as a callee's 200 OK would be.
// Returns false (call not handled) if voicemail is not configured or the
// collaborator declines.
func (h *InviteHandler) tryVoicemail(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, ic *InviteContext, callID string, callFSM *CallFSM) bool {
	if h.voicemail == nil || !h.voicemail.Enabled() || ic.TargetExtension == nil {
		return false
	}
	callFSM.RouteToVoicemail()

	bridge, _, err := h.allocateBridge(req, callID)
	if err != nil || bridge == nil {
		return false
	}

	if err := bridge.PlayTone(1000, 500*time.Millisecond); err != nil {
		h.logger.Warn("voicemail: failed to play beep", "call_id", callID, "error", err)
	}

	sdp, err := h.voicemail.Start(ctx, ic.TargetExtension.Extension, ic.CallerIDNum)
	if err != nil || sdp == nil {
		bridge.Release()
		return false
	}

	okBody, err := bridge.CompleteMediaBridge(sdp)
	if err != nil {
		h.logger.Error("voicemail: failed to complete media bridge", "call_id", callID, "error", err)
		return false
	}

	okResponse := sip.NewResponseFromRequest(req, 200, "OK", okBody)
	okResponse.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(okResponse); err != nil {
		h.logger.Error("voicemail: failed to relay 200 ok to caller", "call_id", callID, "error", err)
		bridge.Session().Release()
		return false
	}

	dialog := &Dialog{
		CallID:       callID,
		CallerIDName: ic.CallerIDName,
		CallerIDNum:  ic.CallerIDNum,
		CalledNum:    ic.RequestURI,
		StartTime:    time.Now(),
		CallerTx:     tx,
		CallerReq:    req,
		Media:        bridge.Session(),
		Caller:       CallLeg{Extension: ic.CallerExtension},
		Callee:       CallLeg{Extension: ic.TargetExtension},
		FSM:          callFSM,
	}
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			dialog.Caller.FromTag = tag
		}
	}

	h.dialogMgr.CreateDialog(dialog)
	h.updateCDROnAnswer(callID)

	h.logger.Info("call answered by voicemail",
		"call_id", callID,
		"extension", ic.TargetExtension.Extension,
	)
	return true
}

// allocateBridge is a small wrapper around AllocateMediaBridge that treats a
// missing session manager or empty body as "no media bridging", matching the
// prior call sites' behavior.
func (h *InviteHandler) allocateBridge(req *sip.Request, callID string) (*MediaBridge, []byte, error) {
	if len(req.Body()) == 0 || h.sessionMgr == nil {
		return nil, nil, nil
	}
	bridge, calleeSDP, err := AllocateMediaBridge(h.sessionMgr, req.Body(), callID, h.proxyIP, h.qosMgr, h.dtmfMgr, h.logger)
	if err != nil {
		h.logger.Error("failed to allocate media bridge", "call_id", callID, "error", err)
		return nil, nil, err
	}
	return bridge, calleeSDP, nil
}

// completeAnsweredCall sends ACK to the answering leg, completes phase 2 of
// media bridging, relays the 200 OK to the caller, and records the dialog.
func (h *InviteHandler) completeAnsweredCall(req *sip.Request, tx sip.ServerTransaction, ic *InviteContext, callID string, bridge *MediaBridge, result *ForkResult, callFSM *CallFSM) {
	h.logger.Info("call answered, relaying 200 ok",
		"call_id", callID,
		"contact", result.AnsweringContact.ContactURI,
	)

	// Send ACK to the answering callee device. Per RFC 3261 §13.2.2.4,
	// the ACK for a 2xx response is generated by the UAC core (not the
	// transaction layer) and sent directly via the transport.
	ackReq := buildACKFor2xx(result.AnsweringRequest, result.AnswerResponse)
	if err := h.forker.Client().WriteRequest(ackReq); err != nil {
		h.logger.Error("failed to send ack to callee",
			"call_id", callID,
			"contact", result.AnsweringContact.ContactURI,
			"error", err,
		)
		result.AnsweringTx.Terminate()
		if bridge != nil {
			bridge.Release()
		}
		h.respondErrorWithCDR(req, tx, 500, "Internal Server Error", callID)
		return
	}
	callFSM.Establish()

	var mediaSession *media.MediaSession
	okBody := result.AnswerResponse.Body()
	if bridge != nil && len(result.AnswerResponse.Body()) > 0 {
		rewrittenForCaller, err := bridge.CompleteMediaBridge(result.AnswerResponse.Body())
		if err != nil {
			h.logger.Error("failed to complete media bridge", "call_id", callID, "error", err)
			// Fall back to direct media (SDP pass-through) — bridge already released.
		} else {
			okBody = rewrittenForCaller
			mediaSession = bridge.Session()
		}
	}

	okResponse := sip.NewResponseFromRequest(req, 200, "OK", okBody)
	if len(okBody) > 0 {
		okResponse.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	if err := tx.Respond(okResponse); err != nil {
		h.logger.Error("failed to relay 200 ok to caller", "call_id", callID, "error", err)
		result.AnsweringTx.Terminate()
		if mediaSession != nil {
			mediaSession.Release()
		}
		return
	}

	dialog := &Dialog{
		CallID:       callID,
		CallerIDName: ic.CallerIDName,
		CallerIDNum:  ic.CallerIDNum,
		CalledNum:    ic.RequestURI,
		StartTime:    time.Now(),
		CallerTx:     tx,
		CallerReq:    req,
		CalleeTx:     result.AnsweringTx,
		CalleeReq:    result.AnsweringRequest,
		CalleeRes:    result.AnswerResponse,
		Media:        mediaSession,
		Caller: CallLeg{
			Extension: ic.CallerExtension,
		},
		Callee: CallLeg{
			Extension:  ic.TargetExtension,
			Phone:      result.AnsweringContact,
			ContactURI: result.AnsweringContact.ContactURI,
		},
		FSM: callFSM,
	}

	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			dialog.Caller.FromTag = tag
		}
	}
	if to := result.AnswerResponse.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			dialog.Callee.ToTag = tag
		}
	}
	if contact := result.AnswerResponse.Contact(); contact != nil {
		uri := contact.Address.Clone()
		dialog.Callee.RemoteTarget = uri
	}

	h.dialogMgr.CreateDialog(dialog)
	h.updateCDROnAnswer(callID)

	h.logger.Info("call dialog established",
		"call_id", callID,
		"caller", ic.CallerIDNum,
		"callee", ic.RequestURI,
		"active_calls", h.dialogMgr.ActiveCallCount(),
		"media_bridged", mediaSession != nil,
	)
}

// classifyCall authenticates the caller, extracts the dialed number, and
// runs it through the feature hook chain (emergency, paging, auto-attendant)
// before falling through to ordinary extension-to-extension routing.
// Returns nil InviteContext (without error) if classifyCall already sent a
// SIP response (auth challenge, rejection, etc.).
func (h *InviteHandler) classifyCall(req *sip.Request, tx sip.ServerTransaction) (*InviteContext, error) {
	ctx := context.Background()

	requestUser := req.Recipient.User
	callerIP := sourceHost(req)

	ext := h.auth.Authenticate(req, tx)
	if ext == nil {
		// Auth sent a 401 challenge or 403 rejection — no InviteContext to return.
		return nil, nil
	}

	ic := &InviteContext{
		CallerExtension: ext,
		RequestURI:      requestUser,
		CallerIDName:    ext.DisplayName,
		CallerIDNum:     ext.Extension,
		CallerIP:        callerIP,
	}

	if h.features != nil {
		callID := ""
		if cid := req.CallID(); cid != nil {
			callID = cid.Value()
		}
		cc := feature.CallContext{
			CallID:       callID,
			CallerIDName: ic.CallerIDName,
			CallerIDNum:  ic.CallerIDNum,
			CallerIP:     callerIP,
			DialedNumber: requestUser,
			CallerSDP:    req.Body(),
		}
		outcome, err := h.features.Dispatch(ctx, requestUser, cc)
		if err != nil {
			return nil, fmt.Errorf("feature hook dispatch: %w", err)
		}
		if outcome != nil {
			if len(outcome.PagingMembers) > 0 {
				ic.PagingMembers = outcome.PagingMembers
				ic.BypassACL = outcome.BypassACL
				return ic, nil
			}
			if outcome.RouteToExtension != "" {
				requestUser = outcome.RouteToExtension
				ic.RequestURI = requestUser
				ic.BypassACL = outcome.BypassACL
			}
		}
	}

	targetExt, err := h.extensions.GetByExtension(ctx, requestUser)
	if err != nil {
		return nil, err
	}
	if targetExt == nil {
		h.logger.Info("invite target is not a local extension",
			"request_uri", requestUser,
			"caller", ic.CallerIDNum,
		)
		return ic, nil
	}

	ic.TargetExtension = targetExt
	return ic, nil
}

// sourceHost extracts the IP address (without port) from the request's source.
func sourceHost(req *sip.Request) string {
	source := req.Source()
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}

// buildACKFor2xx creates an ACK request for a 2xx response to an INVITE.
// Per RFC 3261 §13.2.2.4, the ACK for a 2xx is generated by the UAC core
// (not the transaction layer). The Request-URI is taken from the Contact
// header in the response if present, otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	// Copy Route headers from the original INVITE if present.
	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	// From: same as original INVITE.
	if hdr := inviteReq.From(); hdr != nil {
		ack.AppendHeader(sip.HeaderClone(hdr))
	}

	// To: from the response (includes the remote tag).
	if hdr := inviteResp.To(); hdr != nil {
		ack.AppendHeader(sip.HeaderClone(hdr))
	}

	// Call-ID: same as original INVITE.
	if hdr := inviteReq.CallID(); hdr != nil {
		ack.AppendHeader(sip.HeaderClone(hdr))
	}

	// CSeq: same sequence number, method changed to ACK.
	if hdr := inviteReq.CSeq(); hdr != nil {
		ack.AppendHeader(sip.HeaderClone(hdr))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	// Contact from original INVITE for target refresh.
	if hdr := inviteReq.Contact(); hdr != nil {
		ack.AppendHeader(sip.HeaderClone(hdr))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}

// updateCDROnAnswer updates the CDR with the answer time when a call is answered.
func (h *InviteHandler) updateCDROnAnswer(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cdr, err := h.cdrs.GetByCallID(ctx, callID)
	if err != nil {
		h.logger.Error("failed to fetch cdr for answer update", "call_id", callID, "error", err)
		return
	}
	if cdr == nil {
		h.logger.Warn("no cdr found to update on answer", "call_id", callID)
		return
	}

	now := time.Now()
	cdr.AnswerTime = &now

	if err := h.cdrs.Update(ctx, cdr); err != nil {
		h.logger.Error("failed to update cdr on answer", "call_id", callID, "error", err)
		return
	}

	h.logger.Debug("cdr updated on answer", "call_id", callID, "cdr_id", cdr.ID)
}

// createInitialCDR inserts a CDR row at call start with initial fields.
// The CDR will be updated on answer and hangup.
func (h *InviteHandler) createInitialCDR(ic *InviteContext, callID string) {
	calleeExt := ic.RequestURI
	if ic.TargetExtension != nil {
		calleeExt = ic.TargetExtension.Extension
	}

	cdr := &models.CDR{
		CallID:      callID,
		CallerExt:   ic.CallerIDNum,
		CalleeExt:   calleeExt,
		StartTime:   time.Now(),
		Disposition: "in_progress",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.cdrs.Create(ctx, cdr); err != nil {
		h.logger.Error("failed to create initial cdr", "call_id", callID, "error", err)
		return
	}

	h.logger.Debug("initial cdr created", "call_id", callID, "cdr_id", cdr.ID)
}

// MapSIPToDisposition maps a SIP response status code to a CDR-friendly
// disposition label and hangup cause string.
func MapSIPToDisposition(statusCode int) (disposition string, hangupCause string) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "answered", "normal_clearing"
	case statusCode == 486 || statusCode == 600:
		return "busy", "busy"
	case statusCode == 480 || statusCode == 408:
		return "no_answer", "no_answer"
	case statusCode == 487:
		return "cancelled", "caller_cancel"
	case statusCode == 404:
		return "failed", "not_found"
	case statusCode == 403:
		return "failed", "forbidden"
	case statusCode == 488:
		return "failed", "not_acceptable"
	case statusCode == 501:
		return "failed", "not_implemented"
	case statusCode == 503:
		return "failed", "service_unavailable"
	case statusCode == 603:
		return "failed", "declined"
	case statusCode >= 400 && statusCode < 500:
		return "failed", "client_error"
	case statusCode >= 500:
		return "failed", "server_error"
	default:
		return "failed", "unknown"
	}
}

// finalizeCDRFailed updates a CDR when a call fails before being answered
// (e.g. rejected, not found, busy). Uses the SIP response code to determine
// the disposition and hangup cause.
func (h *InviteHandler) finalizeCDRFailed(callID string, sipCode int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cdr, err := h.cdrs.GetByCallID(ctx, callID)
	if err != nil {
		h.logger.Error("failed to fetch cdr for failure update", "call_id", callID, "error", err)
		return
	}
	if cdr == nil {
		return
	}

	now := time.Now()
	disposition, hangupCause := MapSIPToDisposition(sipCode)

	cdr.EndTime = &now
	cdr.Disposition = disposition
	cdr.HangupCause = hangupCause

	if err := h.cdrs.Update(ctx, cdr); err != nil {
		h.logger.Error("failed to finalize cdr on failure", "call_id", callID, "error", err)
	}
}

// respondErrorWithCDR sends a SIP error response and finalizes the CDR with
// the failure disposition based on the SIP status code.
func (h *InviteHandler) respondErrorWithCDR(req *sip.Request, tx sip.ServerTransaction, code int, reason string, callID string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send error response", "code", code, "error", err)
	}
	if callID != "" {
		h.finalizeCDRFailed(callID, code)
	}
}

func (h *InviteHandler) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send error response", "code", code, "error", err)
	}
}
