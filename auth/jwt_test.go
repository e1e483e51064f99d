package auth

import (
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestGenerateAndValidateToken_Roundtrip(t *testing.T) {
	claims := &Claims{Requestor: "alice", Tenant: "p01", Groups: []string{"p01-member-group"}}
	tok, err := GenerateToken(testSecret, claims, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ValidateToken(testSecret, tok, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Requestor != "alice" || got.Tenant != "p01" {
		t.Fatalf("roundtripped claims = %+v", got)
	}
}

func TestGenerateToken_RejectsShortSecret(t *testing.T) {
	claims := &Claims{Requestor: "alice"}
	if _, err := GenerateToken([]byte("short"), claims, time.Hour); err == nil {
		t.Fatal("expected an error for a secret shorter than MinSecretLen")
	}
}

func TestValidateToken_RejectsExpired(t *testing.T) {
	claims := &Claims{Requestor: "alice"}
	tok, err := GenerateToken(testSecret, claims, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(testSecret, tok, false); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateToken_SkipExpiryAllowsStaleToken(t *testing.T) {
	claims := &Claims{Requestor: "alice"}
	tok, err := GenerateToken(testSecret, claims, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(testSecret, tok, true); err != nil {
		t.Fatalf("expected skipExpiry to allow a stale token: %v", err)
	}
}

func TestValidateToken_RejectsWrongSecret(t *testing.T) {
	claims := &Claims{Requestor: "alice"}
	tok, err := GenerateToken(testSecret, claims, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other := []byte("ffffffffffffffffffffffffffffffff")
	if _, err := ValidateToken(other, tok, false); err == nil {
		t.Fatal("expected token signed with a different secret to be rejected")
	}
}

func TestValidateToken_RejectsMissingRequestor(t *testing.T) {
	claims := &Claims{}
	tok, err := GenerateToken(testSecret, claims, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(testSecret, tok, false); err == nil {
		t.Fatal("expected a token with no requestor claim to be rejected")
	}
}
