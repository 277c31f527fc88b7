package main

import (
	"regexp"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

var hexTokenRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestGenerateSecureToken_Format(t *testing.T) {
	token, err := GenerateSecureToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hexTokenRegex.MatchString(token) {
		t.Errorf("token %q is not 64 lowercase hex chars", token)
	}
}

func TestGenerateSecureToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		token, err := GenerateSecureToken()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen[token] {
			t.Fatalf("duplicate token generated: %s", token)
		}
		seen[token] = true
	}
}

func TestGenerateAdminKeyPair(t *testing.T) {
	plaintext, hash, err := GenerateAdminKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !hexTokenRegex.MatchString(plaintext) {
		t.Errorf("plaintext %q is not 64 lowercase hex chars", plaintext)
	}

	// The hash must verify against the plaintext; this is exactly what the
	// API server does with presented admin keys.
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)); err != nil {
		t.Errorf("hash does not verify against plaintext: %v", err)
	}
}

func TestGenerateAdminKeyPair_UniquePerCall(t *testing.T) {
	p1, h1, err := GenerateAdminKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, h2, err := GenerateAdminKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p1 == p2 {
		t.Error("two calls produced the same plaintext key")
	}
	if h1 == h2 {
		t.Error("two calls produced the same hash")
	}
}
