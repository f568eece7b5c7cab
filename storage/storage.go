// Package storage defines the persistence interfaces for OAuth state
// tokens, sessions, and user profiles, along with the record types they
// operate on. Implementations live in the memory and sqlite subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations.
var (
	// ErrStateNotFound is returned when a state token does not exist,
	// either because it was never issued or because it expired and was
	// purged.
	ErrStateNotFound = errors.New("state not found")

	// ErrStateAlreadyUsed is returned when a state token exists but has
	// already been consumed by a previous callback.
	ErrStateAlreadyUsed = errors.New("state already used")

	// ErrSessionNotFound is returned when a session does not exist or
	// has been deleted.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUserNotFound is returned when no profile is stored for the
	// given external identifier.
	ErrUserNotFound = errors.New("user not found")

	// ErrDeliveryDuplicate is returned when a webhook delivery ID has
	// already been recorded within its deduplication window.
	ErrDeliveryDuplicate = errors.New("delivery already recorded")
)

// StateRecord is a single-use anti-forgery token issued at login and
// consumed at callback.
type StateRecord struct {
	State     string
	ClientIP  string
	UserAgent string

	// RedirectURI is the validated frontend destination to return the
	// user to after the callback completes. Empty means the default.
	RedirectURI string

	IssuedAt  time.Time
	ExpiresAt time.Time
	Used      bool
}

// SessionRecord holds a provider session. The access token is stored
// encrypted; plaintext never reaches the store.
type SessionRecord struct {
	SessionID            string
	ExternalID           string
	Login                string
	Name                 string
	AvatarURL            string
	EncryptedAccessToken string
	CreatedAt            time.Time
	LastActivity         time.Time
}

// UserRecord is the cached provider profile for a user, keyed by the
// provider's stable external identifier.
type UserRecord struct {
	ExternalID  string
	Login       string
	Name        string
	Email       string
	AvatarURL   string
	PublicRepos int
	Followers   int
	CreatedAt   time.Time
	LastLogin   time.Time
}

// StateStore persists single-use state tokens.
type StateStore interface {
	// SaveState stores a newly issued state record.
	SaveState(ctx context.Context, record *StateRecord) error

	// GetState returns the record for a state token, or
	// ErrStateNotFound.
	GetState(ctx context.Context, state string) (*StateRecord, error)

	// AtomicConsumeState marks a state as used if and only if it exists,
	// has not expired, and has not been used before. The check and the
	// mark happen under a single mutual exclusion so that concurrent
	// callbacks presenting the same state produce exactly one success.
	// Returns ErrStateNotFound or ErrStateAlreadyUsed on failure.
	AtomicConsumeState(ctx context.Context, state string) (*StateRecord, error)

	// DeleteExpiredStates removes records past their expiry and returns
	// how many were removed.
	DeleteExpiredStates(ctx context.Context) (int, error)
}

// SessionStore persists sessions with encrypted provider tokens.
type SessionStore interface {
	// SaveSession stores or replaces a session record.
	SaveSession(ctx context.Context, record *SessionRecord) error

	// GetSession returns the record for a session ID, or
	// ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// TouchSession updates the session's last-activity timestamp.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// DeleteSession removes a session. Deleting a session that does not
	// exist is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// DeleteIdleSessions removes sessions whose last activity is older
	// than the cutoff and returns how many were removed.
	DeleteIdleSessions(ctx context.Context, cutoff time.Time) (int, error)

	// CountSessionsForUser returns the number of live sessions for an
	// external user ID that were created at or after since.
	CountSessionsForUser(ctx context.Context, externalID string, since time.Time) (int, error)
}

// UserStore persists cached provider profiles.
type UserStore interface {
	// UpsertUser inserts or updates a profile keyed by ExternalID.
	UpsertUser(ctx context.Context, record *UserRecord) error

	// GetUser returns the profile for an external ID, or
	// ErrUserNotFound.
	GetUser(ctx context.Context, externalID string) (*UserRecord, error)
}

// DeliveryStore records webhook delivery IDs for deduplication.
type DeliveryStore interface {
	// RecordDelivery stores a delivery ID with an expiry. Returns
	// ErrDeliveryDuplicate if the ID is already recorded and not yet
	// expired.
	RecordDelivery(ctx context.Context, deliveryID string, expiresAt time.Time) error

	// DeleteExpiredDeliveries removes delivery records past their expiry
	// and returns how many were removed.
	DeleteExpiredDeliveries(ctx context.Context) (int, error)
}

// Store is the full persistence surface the server needs.
type Store interface {
	StateStore
	SessionStore
	UserStore
	DeliveryStore

	// Close releases any resources held by the store.
	Close() error
}
