// Package state issues and validates the single-use anti-forgery
// tokens that bind an authorization redirect to the callback that
// completes it.
package state

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gitboard/ghauth/security"
	"github.com/gitboard/ghauth/storage"
)

// DefaultTTL is how long an issued state stays valid.
const DefaultTTL = 10 * time.Minute

// stateEntropyBytes is the random length of a state token. 32 bytes
// gives 256 bits of entropy.
const stateEntropyBytes = 32

// Validation failures. Each maps to a distinct audit event; callers
// must collapse them into one generic client-facing message.
var (
	// ErrStateMissing means the callback carried no state parameter.
	ErrStateMissing = errors.New("state parameter missing")

	// ErrStateNotFound means the state is unknown or expired.
	ErrStateNotFound = errors.New("state not found or expired")

	// ErrStateAlreadyUsed means the state was already consumed. This is
	// the replay signal.
	ErrStateAlreadyUsed = errors.New("state already used")

	// ErrIPMismatch means the callback arrived from a different client
	// IP than the one that initiated the login.
	ErrIPMismatch = errors.New("state client ip mismatch")
)

// Manager issues and validates state tokens backed by a StateStore.
type Manager struct {
	store   storage.StateStore
	auditor *security.Auditor
	logger  *slog.Logger
	ttl     time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the state lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// NewManager creates a state manager.
func NewManager(store storage.StateStore, auditor *security.Auditor, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:   store,
		auditor: auditor,
		logger:  logger,
		ttl:     DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue generates a fresh state token bound to the requesting client's
// IP and stores it unused. redirectURI is the already-validated
// frontend destination to restore after the callback, or empty.
func (m *Manager) Issue(ctx context.Context, clientIP, userAgent, redirectURI string) (string, error) {
	buf := make([]byte, stateEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now()
	record := &storage.StateRecord{
		State:       state,
		ClientIP:    clientIP,
		UserAgent:   userAgent,
		RedirectURI: redirectURI,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.ttl),
	}
	if err := m.store.SaveState(ctx, record); err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}

	m.auditor.LogStateOutcome(security.EventStateIssued, state, clientIP)

	return state, nil
}

// Validate consumes a state token and returns its record. Consumption
// is atomic at the store, so two callbacks racing on the same state
// produce exactly one success. The IP check runs after consumption; a
// state presented from the wrong IP is burned, not left valid for a
// second attempt.
func (m *Manager) Validate(ctx context.Context, state, clientIP string) (*storage.StateRecord, error) {
	if state == "" {
		m.auditor.LogStateOutcome(security.EventStateMissing, state, clientIP)
		return nil, ErrStateMissing
	}

	record, err := m.store.AtomicConsumeState(ctx, state)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrStateAlreadyUsed):
			m.auditor.LogStateOutcome(security.EventStateAlreadyUsed, state, clientIP)
			return nil, ErrStateAlreadyUsed
		case errors.Is(err, storage.ErrStateNotFound):
			m.auditor.LogStateOutcome(security.EventStateNotFound, state, clientIP)
			return nil, ErrStateNotFound
		default:
			return nil, fmt.Errorf("consume state: %w", err)
		}
	}

	if record.ClientIP != clientIP {
		m.auditor.LogStateOutcome(security.EventStateIPMismatch, state, clientIP)
		return nil, ErrIPMismatch
	}

	m.auditor.LogStateOutcome(security.EventStateValidated, state, clientIP)
	return record, nil
}
