package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHS256RoundTrip(t *testing.T) {
	now := time.Now()
	claims := Claims{Sub: "user-1", BusinessID: "biz-1", Role: "owner", Iat: now.Unix(), Exp: now.Add(time.Hour).Unix()}
	token, err := SignHS256(claims, "test-secret")
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}
	parsed, err := ParseAndVerifyHS256(token, "test-secret", now)
	if err != nil {
		t.Fatalf("ParseAndVerifyHS256 failed: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.BusinessID != claims.BusinessID || parsed.Role != claims.Role {
		t.Fatalf("claims mismatch: got %+v", parsed)
	}
	if _, err := ParseAndVerifyHS256(token, "wrong-secret", now); err == nil {
		t.Fatal("expected verification error with wrong secret")
	}
	if _, err := ParseAndVerifyHS256(token, "test-secret", now.Add(2*time.Hour)); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestRequireBusinessOverridesHeader(t *testing.T) {
	token, err := SignHS256(Claims{Sub: "u", BusinessID: "biz-1", Exp: time.Now().Add(time.Hour).Unix()}, "s3cret")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var seen string
	h := RequireBusiness("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Business-Id")
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/cancel", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("X-Business-Id", "biz-evil")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK || seen != "biz-1" {
		t.Fatalf("expected biz-1 from the token, got %q (status %d)", seen, w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/appointments/stream?access_token="+token, nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK || seen != "biz-1" {
		t.Fatalf("query token not accepted on GET: status %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/v1/appointments/cancel", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}
}

func TestRequireBusinessWithoutSecretTrustsGateway(t *testing.T) {
	var seen string
	h := RequireBusiness("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Business-Id")
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Business-Id", "biz-9")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if seen != "biz-9" {
		t.Fatalf("expected header to pass through, got %q", seen)
	}
}
