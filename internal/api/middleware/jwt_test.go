package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testJWTSecret = []byte("0123456789abcdef0123456789abcdef")

func TestGenerateAdminTokenRoundTrip(t *testing.T) {
	token, expiresAt, err := GenerateAdminToken(testJWTSecret, "6001", true)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if !expiresAt.After(time.Now()) {
		t.Fatal("expected expiry in the future")
	}

	claims, err := parseBearerToken(bearerAuthRequest(token), testJWTSecret)
	if err != nil {
		t.Fatalf("parseBearerToken() error: %v", err)
	}
	if claims.Extension != "6001" || !claims.IsAdmin {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestRequireBearerAuthMissingHeader(t *testing.T) {
	handler := RequireBearerAuth(testJWTSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireBearerAuthWrongSecret(t *testing.T) {
	token, _, err := GenerateAdminToken(testJWTSecret, "6001", false)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error: %v", err)
	}

	handler := RequireBearerAuth([]byte("a-different-secret-of-32-bytes!!"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, bearerAuthRequest(token))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", rr.Code)
	}
}

func TestRequireBearerAuthExpiredToken(t *testing.T) {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Extension: "6001",
		IsAdmin:   true,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
		},
	})
	signed, err := expired.SignedString(testJWTSecret)
	if err != nil {
		t.Fatalf("signing expired token: %v", err)
	}

	handler := RequireBearerAuth(testJWTSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, bearerAuthRequest(signed))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rr.Code)
	}
}

func TestRequireBearerAuthValidToken(t *testing.T) {
	token, _, err := GenerateAdminToken(testJWTSecret, "6001", false)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error: %v", err)
	}

	var gotClaims *AdminClaims
	handler := RequireBearerAuth(testJWTSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = AdminClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, bearerAuthRequest(token))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotClaims == nil || gotClaims.Extension != "6001" {
		t.Fatalf("unexpected claims in context: %+v", gotClaims)
	}
}

func TestRequireAdminRoleRejectsNonAdmin(t *testing.T) {
	token, _, err := GenerateAdminToken(testJWTSecret, "6001", false)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error: %v", err)
	}

	handler := RequireBearerAuth(testJWTSecret)(RequireAdminRole()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, bearerAuthRequest(token))

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin claim, got %d", rr.Code)
	}
}

func TestRequireAdminRoleAllowsAdmin(t *testing.T) {
	token, _, err := GenerateAdminToken(testJWTSecret, "6001", true)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error: %v", err)
	}

	handler := RequireBearerAuth(testJWTSecret)(RequireAdminRole()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, bearerAuthRequest(token))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin claim, got %d", rr.Code)
	}
}

func TestAdminClaimsFromContextNil(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if claims := AdminClaimsFromContext(req.Context()); claims != nil {
		t.Fatal("expected nil claims from empty context")
	}
}

func bearerAuthRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
