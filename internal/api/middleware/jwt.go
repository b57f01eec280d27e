package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// adminContextKey is the context key type for authenticated admin-token claims.
type adminContextKey string

const adminClaimsKey adminContextKey = "admin_bearer_claims"

// adminTokenTTL is the lifetime of an admin bearer token (24 hours).
const adminTokenTTL = 24 * time.Hour

// AdminClaims holds the JWT claims for the admin/provisioning REST API bearer
// token: extension identifies the caller, isAdmin gates admin-only routes.
type AdminClaims struct {
	Extension string `json:"extension"`
	IsAdmin   bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// GenerateAdminToken creates a signed HS256 bearer token for extension,
// stamped with issued-at and a 24-hour expiry per the admin API contract.
func GenerateAdminToken(secret []byte, extension string, isAdmin bool) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(adminTokenTTL)

	claims := AdminClaims{
		Extension: extension,
		IsAdmin:   isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "flowpbx",
			Subject:   extension,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireBearerAuth returns middleware that validates the admin API's bearer
// token. Verification is inherently constant-time: jwt-go recomputes the
// HMAC tag and compares it with hmac.Equal rather than a byte-by-byte loop.
// On success the parsed claims are stored in the request context.
func RequireBearerAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := parseBearerToken(r, secret)
			if err != nil {
				slog.Debug("admin auth: rejected bearer token", "error", err)
				writeJWTError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), adminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdminRole returns middleware that, in addition to RequireBearerAuth,
// rejects tokens whose is_admin claim is false. Mount after RequireBearerAuth.
func RequireAdminRole() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := AdminClaimsFromContext(r.Context())
			if claims == nil || !claims.IsAdmin {
				writeJWTError(w, http.StatusForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseBearerToken extracts and validates the Authorization: Bearer token.
func parseBearerToken(r *http.Request, secret []byte) (*AdminClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, jwt.ErrTokenMalformed
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, jwt.ErrTokenMalformed
	}

	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Extension == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

// AdminClaimsFromContext retrieves the authenticated bearer-token claims from
// the request context. Returns nil if not set.
func AdminClaimsFromContext(ctx context.Context) *AdminClaims {
	claims, _ := ctx.Value(adminClaimsKey).(*AdminClaims)
	return claims
}

// jwtEnvelope matches the api package's envelope format for error responses.
type jwtEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeJWTError writes a JSON error matching the API envelope format.
func writeJWTError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(jwtEnvelope{Error: msg}) //nolint:errcheck
}
