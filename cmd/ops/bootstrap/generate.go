package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// tokenByteLength is the number of random bytes generated for internal
// secrets. 32 bytes = 256 bits of entropy, hex-encoded to a 64-character
// string.
const tokenByteLength = 32

// GenerateSecureToken produces a cryptographically secure random token
// suitable for use as an admin API key or other high-privilege internal
// secret.
//
// The token is generated using crypto/rand (OS entropy source) and encoded
// as a lowercase hex string. The result is 64 characters long (32 bytes
// hex-encoded), providing 256 bits of entropy.
//
// Returns an error only if the system's cryptographic random number
// generator fails, which indicates a severe system-level problem.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	n, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("generating secure token: crypto/rand failed: %w", err)
	}
	if n != tokenByteLength {
		return "", fmt.Errorf("generating secure token: expected %d random bytes, got %d", tokenByteLength, n)
	}

	return hex.EncodeToString(buf), nil
}

// GenerateAdminKeyPair generates the admin API key and its bcrypt hash.
//
// The API server only ever sees the hash (ADMIN_API_KEY_HASH): it compares
// presented keys with bcrypt.CompareHashAndPassword and never stores the
// plaintext. The plaintext is written to SSM once, as the operator's single
// handout copy, and must be distributed out of band.
//
// Neither value is logged or displayed; SSMManager.PutSecret logs only the
// path and value length.
func GenerateAdminKeyPair() (plaintext, hash string, err error) {
	plaintext, err = GenerateSecureToken()
	if err != nil {
		return "", "", fmt.Errorf("generating admin API key: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing admin API key: %w", err)
	}

	return plaintext, string(hashed), nil
}
