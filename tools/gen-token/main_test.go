package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"brilliant-board/api"
)

func TestSignedTokenIsAccepted(t *testing.T) {
	tok, err := signToken("local-secret", claimsFor("user-7", "api://board", "", time.Now(), time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	auth := api.NewAuth(nil, api.AuthSettings{Audience: "api://board", LocalMode: true, SharedSecret: "local-secret"})
	userID, err := auth.UserIDFromAuthHeader("Bearer " + tok)
	if err != nil || userID != "user-7" {
		t.Fatalf("token rejected: %q %v", userID, err)
	}
}

func TestSignTokenRequiresSecret(t *testing.T) {
	if _, err := signToken("", claimsFor("u", "", "", time.Now(), time.Hour)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSigningSecretPrefersLocal(t *testing.T) {
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", "local")
	t.Setenv("TEST_JWT_SECRET", "test")
	if got := signingSecret(); got != "local" {
		t.Fatalf("unexpected secret %q", got)
	}
}

func TestWriteTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	if err := writeTokens(path, []string{"a", "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got []string
	if err := sonic.Unmarshal(data, &got); err != nil || len(got) != 2 || got[1] != "b" {
		t.Fatalf("unexpected tokens %q %v", data, err)
	}
}
