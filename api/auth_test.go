package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "ok", header: "Bearer header.payload.signature", want: "header.payload.signature"},
		{name: "padded", header: "  Bearer a.b.c ", want: "a.b.c"},
		{name: "missing", header: "", wantErr: errMissingAuthorization},
		{name: "basic", header: "Basic dXNlcjpwYXNz", wantErr: errBadAuthorization},
		{name: "empty token", header: "Bearer ", wantErr: errBadAuthorization},
		{name: "many periods", header: "Bearer " + strings.Repeat(".", 1000), wantErr: errBadAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bearerToken(tt.header)
			if err != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return "Bearer " + signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://board",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestAuthLocalModeHS256(t *testing.T) {
	auth := NewAuth(nil, AuthSettings{Audience: "api://board", Issuer: "https://issuer/", LocalMode: true, SharedSecret: "local-secret"})

	userID, err := auth.UserIDFromAuthHeader(signHS256(t, "local-secret", validClaims()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user %q", userID)
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	auth := NewAuth(nil, AuthSettings{Audience: "api://board", Issuer: "https://issuer/", TestMode: true, TestSecret: "test-secret"})

	expired := validClaims()
	expired["exp"] = time.Now().Add(-5 * time.Minute).Unix()
	wrongAud := validClaims()
	wrongAud["aud"] = "api://other"
	wrongIss := validClaims()
	wrongIss["iss"] = "https://evil/"
	noSub := validClaims()
	delete(noSub, "sub")

	cases := map[string]string{
		"wrong secret": signHS256(t, "other-secret", validClaims()),
		"expired":      signHS256(t, "test-secret", expired),
		"audience":     signHS256(t, "test-secret", wrongAud),
		"issuer":       signHS256(t, "test-secret", wrongIss),
		"no subject":   signHS256(t, "test-secret", noSub),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := auth.UserIDFromAuthHeader(header); err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestAuthRS256ModeRejectsHMAC(t *testing.T) {
	auth := NewAuth(nil, AuthSettings{Audience: "api://board"})
	if _, err := auth.UserIDFromAuthHeader(signHS256(t, "secret", validClaims())); err == nil {
		t.Fatalf("HS256 token must be rejected outside local mode")
	}
}

func TestNewAuthPanicsWithoutSecret(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewAuth(nil, AuthSettings{LocalMode: true})
}

func TestNoAuth(t *testing.T) {
	id, err := NoAuth{}.UserIDFromAuthHeader("")
	if err != nil || id != LocalUserID {
		t.Fatalf("unexpected %q %v", id, err)
	}
}
