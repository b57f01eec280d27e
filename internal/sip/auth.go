package sip

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/corepbx/internal/database"
	"github.com/flowpbx/corepbx/internal/database/models"
	"github.com/icholy/digest"
)

const (
	authRealm   = "corepbx"
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// Authenticator handles SIP digest authentication (RFC 3261 §22) against the
// extensions table. It integrates with BruteForceGuard to automatically
// block source IPs that exceed the failed authentication threshold.
//
// Extension.CredentialHash stores the digest HA1 value —
// hex(MD5(extension:realm:secret)) — rather than a reversible password.
// This is what RFC 3261 digest verification actually needs; the provisioning
// collaborator is responsible for computing it once at account creation via
// ComputeHA1. SIP_SECRET_KEY is not mixed into HA1 (that would break
// interop with phones that precompute HA1 themselves per spec); instead it
// keys an HMAC that seeds each issued nonce, so nonces cannot be predicted
// or replayed by an attacker who doesn't hold the server secret.
type Authenticator struct {
	extensions   database.ExtensionRepository
	secretKey    []byte
	logger       *slog.Logger
	nonces       sync.Map // map[string]time.Time — tracks issued nonces
	guard        *BruteForceGuard
}

// NewAuthenticator creates a new SIP digest authenticator with brute-force
// protection enabled. secretKey is SIP_SECRET_KEY, used to seed nonces.
func NewAuthenticator(extensions database.ExtensionRepository, secretKey []byte, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		extensions: extensions,
		secretKey:  secretKey,
		logger:     logger.With("subsystem", "auth"),
		guard:      NewBruteForceGuard(logger),
	}
}

// ComputeHA1 derives the digest HA1 value for an extension's SIP secret.
// The provisioning collaborator calls this once, at account creation or
// password change, and stores the result as Extension.CredentialHash.
func ComputeHA1(extension, secret string) string {
	sum := md5.Sum([]byte(extension + ":" + authRealm + ":" + secret))
	return hex.EncodeToString(sum[:])
}

// Challenge sends a 401 Unauthorized response with a WWW-Authenticate header.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     nonce,
		Opaque:    authRealm,
		Algorithm: authAlgoMD5,
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the Authorization header against the extensions
// table. Returns the matched extension on success, or nil if authentication
// fails. When authentication fails, it sends the appropriate SIP response.
//
// Brute-force protection: if the source IP is blocked by the
// BruteForceGuard, the request is rejected with 403 Forbidden without
// processing credentials.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) *models.Extension {
	source := req.Source()

	if a.guard.IsBlocked(source) {
		a.logger.Warn("sip auth rejected: ip blocked by brute-force guard", "source", source)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	h := req.GetHeader("Authorization")
	if h == nil {
		a.Challenge(req, tx)
		return nil
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header", "error", err, "source", source)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 400, "Bad Request")
		return nil
	}

	nonceTime, ok := a.nonces.Load(cred.Nonce)
	if !ok {
		a.logger.Debug("unknown nonce, re-challenging", "username", cred.Username, "source", source)
		a.Challenge(req, tx)
		return nil
	}
	if time.Since(nonceTime.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.logger.Debug("expired nonce, re-challenging", "username", cred.Username, "source", source)
		a.Challenge(req, tx)
		return nil
	}

	ext, err := a.extensions.GetByExtension(context.Background(), cred.Username)
	if err != nil {
		a.logger.Error("failed to look up extension", "username", cred.Username, "error", err)
		a.respondError(req, tx, 500, "Internal Server Error")
		return nil
	}
	if ext == nil {
		a.logger.Warn("unknown extension", "username", cred.Username, "source", source)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	expected := computeDigestResponse(ext.CredentialHash, cred.Nonce, string(req.Method), cred.URI)
	if subtle.ConstantTimeCompare([]byte(cred.Response), []byte(expected)) != 1 {
		a.logger.Warn("digest auth failed", "username", cred.Username, "source", source)
		a.guard.RecordFailure(source)
		a.Challenge(req, tx)
		return nil
	}

	a.nonces.Delete(cred.Nonce)
	a.guard.RecordSuccess(source)

	a.logger.Debug("digest auth successful", "username", cred.Username, "extension", ext.Extension)
	return ext
}

// computeDigestResponse reproduces RFC 3261 §22 digest response derivation
// from a precomputed HA1, without ever handling the plaintext secret:
//
//	HA2 = MD5(method:uri)
//	response = MD5(HA1:nonce:HA2)
func computeDigestResponse(ha1, nonce, method, uri string) string {
	ha2 := md5.Sum([]byte(method + ":" + uri))
	sum := md5.Sum([]byte(ha1 + ":" + nonce + ":" + hex.EncodeToString(ha2[:])))
	return hex.EncodeToString(sum[:])
}

// CleanExpiredNonces removes nonces older than the expiry window and runs
// brute-force guard cleanup to expire old blocks.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.Cleanup()
}

// BruteForceGuard returns the brute-force guard for admin visibility
// (listing blocked IPs, manual unblock).
func (a *Authenticator) BruteForceGuard() *BruteForceGuard {
	return a.guard
}

// generateNonce derives a nonce from an HMAC over the current time and
// random bytes, keyed by SIP_SECRET_KEY, so nonces cannot be forged or
// predicted by anyone without the server secret.
func (a *Authenticator) generateNonce() string {
	rnd := make([]byte, 16)
	if _, err := rand.Read(rnd); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write(rnd)
	mac.Write([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response", "code", code, "error", err)
	}
}
