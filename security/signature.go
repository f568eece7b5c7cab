package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
// This is the signature scheme GitHub uses for the X-Hub-Signature-256
// webhook header (without the "sha256=" prefix).
func SignPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayloadSignature reports whether signature is the valid hex-encoded
// HMAC-SHA256 of payload under secret. The comparison is constant-time.
func VerifyPayloadSignature(secret, payload []byte, signature string) bool {
	expected := SignPayload(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
