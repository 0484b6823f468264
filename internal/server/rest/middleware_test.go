package rest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// generateTestKey creates a fresh 2048-bit RSA key pair for testing.
func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

// signToken creates a signed RS256 JWT with the given claims and private key.
func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// wrappedHandler is a trivial handler that records whether it was called.
func wrappedHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    "filesentry",
		Audience:  jwt.ClaimStrings{"filesentry-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
}

func TestAuthenticator_MissingHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	mw := Authenticator(AuthConfig{PublicKey: pub})

	called := false
	h := mw(wrappedHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestAuthenticator_MalformedHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	mw := Authenticator(AuthConfig{PublicKey: pub})

	called := false
	h := mw(wrappedHandler(&called))

	for _, bad := range []string{"Basic abc", "token-without-scheme", "Bearer"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", bad)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", bad, rec.Code)
		}
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestAuthenticator_ValidToken_CallsNext(t *testing.T) {
	priv, pub := generateTestKey(t)
	mw := Authenticator(AuthConfig{
		PublicKey: pub,
		Issuer:    "filesentry",
		Audience:  "filesentry-api",
	})

	var gotClaims *Claims
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, validClaims()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotClaims == nil {
		t.Fatal("claims not injected into request context")
	}
	if gotClaims.Issuer != "filesentry" {
		t.Errorf("Issuer = %q, want filesentry", gotClaims.Issuer)
	}
}

func TestAuthenticator_ExpiredToken_Returns401(t *testing.T) {
	priv, pub := generateTestKey(t)
	mw := Authenticator(AuthConfig{PublicKey: pub})

	called := false
	h := mw(wrappedHandler(&called))

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, claims))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestAuthenticator_WrongSigningKey_Returns401(t *testing.T) {
	priv, _ := generateTestKey(t)
	_, pub2 := generateTestKey(t)
	mw := Authenticator(AuthConfig{PublicKey: pub2})

	called := false
	h := mw(wrappedHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, validClaims()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for mismatched key, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestAuthenticator_IssuerMismatch_Returns401(t *testing.T) {
	priv, pub := generateTestKey(t)
	mw := Authenticator(AuthConfig{PublicKey: pub, Issuer: "other-issuer"})

	called := false
	h := mw(wrappedHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, validClaims()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for issuer mismatch, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestAuthenticator_AudienceMismatch_Returns401(t *testing.T) {
	priv, pub := generateTestKey(t)
	mw := Authenticator(AuthConfig{PublicKey: pub, Audience: "other-audience"})

	called := false
	h := mw(wrappedHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, validClaims()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for audience mismatch, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestAuthenticator_AlgorithmNone_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	mw := Authenticator(AuthConfig{PublicKey: pub})

	called := false
	h := mw(wrappedHandler(&called))

	// {"alg":"none","typ":"JWT"} . {} . empty signature
	tok := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.e30."

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for alg=none token, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestParseRSAPublicKey_PKIX(t *testing.T) {
	_, pub := generateTestKey(t)

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parsed, err := ParseRSAPublicKey(pemData)
	if err != nil {
		t.Fatalf("ParseRSAPublicKey: %v", err)
	}
	if parsed.N.Cmp(pub.N) != 0 {
		t.Error("parsed key does not match original")
	}
}

func TestParseRSAPublicKey_PKCS1(t *testing.T) {
	_, pub := generateTestKey(t)

	der := x509.MarshalPKCS1PublicKey(pub)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der})

	parsed, err := ParseRSAPublicKey(pemData)
	if err != nil {
		t.Fatalf("ParseRSAPublicKey: %v", err)
	}
	if parsed.N.Cmp(pub.N) != 0 {
		t.Error("parsed key does not match original")
	}
}

func TestParseRSAPublicKey_Garbage(t *testing.T) {
	if _, err := ParseRSAPublicKey([]byte("not a pem block")); err == nil {
		t.Error("expected error for non-PEM input")
	}
}
