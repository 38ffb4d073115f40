package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testConfig() *JWTConfig {
	return &JWTConfig{
		Secret:   []byte("test-secret-change-me"),
		Issuer:   "tutorlink",
		Audience: "realtime",
		TTL:      time.Hour,
	}
}

func TestVerifierAcceptsIssuedToken(t *testing.T) {
	cfg := testConfig()
	token, err := GenerateToken(cfg, "user-42", "student")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	id, err := NewVerifier(cfg).VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "user-42" {
		t.Fatalf("unexpected subject %q", id.Subject)
	}
	if time.Until(id.ExpiresAt) <= 0 {
		t.Fatalf("expiry not propagated: %v", id.ExpiresAt)
	}
}

func TestVerifierRejectsWrongSecret(t *testing.T) {
	token, _ := GenerateToken(testConfig(), "user-42", "")
	other := testConfig()
	other.Secret = []byte("another-secret")

	if _, err := NewVerifier(other).VerifyToken(token); err == nil {
		t.Fatal("token signed with another secret must be rejected")
	}
}

func TestVerifierRejectsExpired(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = -time.Minute
	token, _ := GenerateToken(cfg, "user-42", "")

	if _, err := NewVerifier(cfg).VerifyToken(token); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestVerifierRejectsMissingExpiry(t *testing.T) {
	cfg := testConfig()
	claims := jwt.RegisteredClaims{Subject: "user-42", Issuer: cfg.Issuer, Audience: jwt.ClaimStrings{cfg.Audience}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := NewVerifier(cfg).VerifyToken(token); err == nil {
		t.Fatal("token without exp must be rejected")
	}
}

func TestVerifierRejectsWrongAudienceAndIssuer(t *testing.T) {
	cfg := testConfig()
	token, _ := GenerateToken(cfg, "user-42", "")

	wrongAud := testConfig()
	wrongAud.Audience = "admin"
	if _, err := NewVerifier(wrongAud).VerifyToken(token); err == nil {
		t.Fatal("audience mismatch must be rejected")
	}

	wrongIss := testConfig()
	wrongIss.Issuer = "someone-else"
	if _, err := NewVerifier(wrongIss).VerifyToken(token); err == nil {
		t.Fatal("issuer mismatch must be rejected")
	}
}

func TestVerifierRejectsAlgNone(t *testing.T) {
	cfg := testConfig()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := NewVerifier(cfg).VerifyToken(token); err == nil || !strings.Contains(err.Error(), "parse token") {
		t.Fatalf("alg=none must be rejected, got %v", err)
	}
}

func TestGenerateTokenRequiresUser(t *testing.T) {
	if _, err := GenerateToken(testConfig(), "", ""); err == nil {
		t.Fatal("empty user id must be rejected")
	}
}
