package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// tokenByteLength is the number of random bytes generated for internal secrets.
// 32 bytes = 256 bits of entropy, hex-encoded to a 64-character string.
const tokenByteLength = 32

// adminKeyBcryptCost is the bcrypt cost used to hash the operator API key.
// The API only compares this hash once per admin request, so the default
// cost is affordable.
const adminKeyBcryptCost = bcrypt.DefaultCost

// GenerateSecureToken produces a cryptographically secure random token
// suitable for use as an operator API key or other high-privilege internal
// secret.
//
// The token is generated using crypto/rand (OS entropy source) and encoded
// as a lowercase hex string. The result is 64 characters long (32 bytes
// hex-encoded), providing 256 bits of entropy.
//
// Returns an error only if the system's cryptographic random number generator
// fails, which indicates a severe system-level problem.
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

// AdminCredential pairs the plaintext operator API key with its bcrypt hash.
// The plaintext key is handed to the operator exactly once during bootstrap;
// only the hash is stored (SSM parameter admin/api_key_hash, loaded into
// ADMIN_API_KEY_HASH). The API compares the X-Admin-Key header against the
// hash and never sees the plaintext again.
type AdminCredential struct {
	// Key is the plaintext operator API key. Displayed once, never stored.
	Key string

	// Hash is the bcrypt hash of Key, stored in SSM.
	Hash string
}

// GenerateAdminCredential creates a fresh operator API key and its bcrypt
// hash. The key is generated with GenerateSecureToken and hashed with the
// default bcrypt cost.
func GenerateAdminCredential() (*AdminCredential, error) {
	key, err := GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generating admin API key: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), adminKeyBcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing admin API key: %w", err)
	}

	return &AdminCredential{Key: key, Hash: string(hash)}, nil
}
