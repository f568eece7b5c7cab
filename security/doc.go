// Package security provides the security primitives for ghauth.
//
// It covers:
//   - Key derivation: HKDF-SHA256 expansion of one master secret into
//     independent encryption and signing keys (keys.go).
//   - Encryption at rest: AES-256-GCM with a fresh random nonce per
//     call for provider access tokens (encryption.go).
//   - Webhook signatures: HMAC-SHA256 compute and constant-time verify
//     (signature.go).
//   - Audit logging: structured security events with hashed
//     identifiers, so state tokens and user IDs never appear in logs
//     in the clear (audit.go, events.go).
//   - Rate limiting: a per-key token bucket with bounded memory and
//     background cleanup (ratelimit.go).
//   - Client IP extraction honoring forwarding headers only behind a
//     trusted proxy (ip.go).
package security
