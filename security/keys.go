package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterSecretMinBytes is the minimum length of the master secret.
	// 32 bytes gives the full 256 bits of strength for the derived keys.
	MasterSecretMinBytes = 32

	// derivedKeyBytes is the length of each key derived from the master
	// secret (AES-256 and HMAC-SHA256 both take 32-byte keys).
	derivedKeyBytes = 32
)

// HKDF info strings. Distinct labels guarantee the encryption and signing
// keys are cryptographically independent even though they share a master
// secret.
const (
	infoSessionEncryption = "ghauth/v1/session-encryption"
	infoReferenceSigning  = "ghauth/v1/reference-signing"
)

// KeySet holds the symmetric keys derived from the master secret.
type KeySet struct {
	// EncryptionKey encrypts provider access tokens at rest (AES-256-GCM).
	EncryptionKey []byte

	// SigningKey signs session references (HMAC-SHA256).
	SigningKey []byte
}

// DeriveKeys expands a master secret into the session encryption key and the
// reference signing key using HKDF-SHA256. A compromise of one derived key
// does not reveal the other or the master secret.
func DeriveKeys(masterSecret []byte) (*KeySet, error) {
	if len(masterSecret) < MasterSecretMinBytes {
		return nil, fmt.Errorf("master secret must be at least %d bytes, got %d", MasterSecretMinBytes, len(masterSecret))
	}

	encKey, err := deriveKey(masterSecret, infoSessionEncryption)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	sigKey, err := deriveKey(masterSecret, infoReferenceSigning)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}

	return &KeySet{
		EncryptionKey: encKey,
		SigningKey:    sigKey,
	}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, derivedKeyBytes)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateMasterSecret generates a new random 32-byte master secret.
func GenerateMasterSecret() ([]byte, error) {
	secret := make([]byte, MasterSecretMinBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate master secret: %w", err)
	}
	return secret, nil
}

// SecretFromBase64 decodes a base64-encoded master secret.
func SecretFromBase64(s string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 secret: %w", err)
	}
	if len(secret) < MasterSecretMinBytes {
		return nil, fmt.Errorf("secret must be at least %d bytes, got %d", MasterSecretMinBytes, len(secret))
	}
	return secret, nil
}

// SecretToBase64 encodes a master secret to base64.
func SecretToBase64(secret []byte) string {
	return base64.StdEncoding.EncodeToString(secret)
}
