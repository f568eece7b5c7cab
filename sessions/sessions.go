// Package sessions manages server-side sessions holding encrypted
// provider tokens, and the signed session references handed to
// browsers in their place. The provider access token never leaves the
// server; clients only ever hold a reference.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/gitboard/ghauth/providers"
	"github.com/gitboard/ghauth/security"
	"github.com/gitboard/ghauth/storage"
)

// refreshWindow is how recently a live session must have been created
// for a new login to be classified as a refresh rather than a fresh
// login.
const refreshWindow = 5 * time.Minute

// ErrSessionNotFound is returned when a session does not exist or the
// stored token cannot be recovered.
var ErrSessionNotFound = errors.New("session not found")

// Session is a decrypted view of a stored session.
type Session struct {
	ID           string
	ExternalID   string
	Login        string
	Name         string
	AvatarURL    string
	AccessToken  string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Store is the persistence surface the manager needs.
type Store interface {
	storage.SessionStore
	storage.UserStore
}

// Manager creates, reads, and deletes sessions. Provider tokens are
// encrypted before they reach the store and decrypted on the way out.
type Manager struct {
	store     Store
	encryptor *security.Encryptor
	auditor   *security.Auditor
	logger    *slog.Logger
}

// NewManager creates a session manager.
func NewManager(store Store, encryptor *security.Encryptor, auditor *security.Auditor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		encryptor: encryptor,
		auditor:   auditor,
		logger:    logger,
	}
}

// Create persists a new session for an authenticated user and updates
// the cached profile. The returned refresh flag reports whether the
// login was classified as a refresh of a recent one.
func (m *Manager) Create(ctx context.Context, profile *providers.Profile, token *oauth2.Token, clientIP string) (*Session, bool, error) {
	now := time.Now()

	// A login while a session created inside the window is still live
	// is classified as a refresh. Audit classification only; the new
	// session is created either way.
	refresh := false
	if n, err := m.store.CountSessionsForUser(ctx, profile.ID, now.Add(-refreshWindow)); err == nil && n > 0 {
		refresh = true
	}

	encrypted, err := m.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return nil, false, fmt.Errorf("encrypt access token: %w", err)
	}

	session := &Session{
		ID:           uuid.NewString(),
		ExternalID:   profile.ID,
		Login:        profile.Login,
		Name:         profile.Name,
		AvatarURL:    profile.AvatarURL,
		AccessToken:  token.AccessToken,
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := m.store.SaveSession(ctx, &storage.SessionRecord{
		SessionID:            session.ID,
		ExternalID:           session.ExternalID,
		Login:                session.Login,
		Name:                 session.Name,
		AvatarURL:            session.AvatarURL,
		EncryptedAccessToken: encrypted,
		CreatedAt:            now,
		LastActivity:         now,
	}); err != nil {
		return nil, false, fmt.Errorf("save session: %w", err)
	}

	if err := m.store.UpsertUser(ctx, &storage.UserRecord{
		ExternalID:  profile.ID,
		Login:       profile.Login,
		Name:        profile.Name,
		Email:       profile.Email,
		AvatarURL:   profile.AvatarURL,
		PublicRepos: profile.PublicRepos,
		Followers:   profile.Followers,
		CreatedAt:   now,
		LastLogin:   now,
	}); err != nil {
		return nil, false, fmt.Errorf("upsert user: %w", err)
	}

	m.auditor.LogEvent(security.Event{
		Type:       security.EventSessionCreated,
		ExternalID: session.ExternalID,
		Login:      session.Login,
		IPAddress:  clientIP,
	})
	m.auditor.LogLogin(session.ExternalID, session.Login, clientIP, refresh)

	return session, refresh, nil
}

// Get returns the decrypted session for an ID.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	record, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	accessToken, err := m.encryptor.Decrypt(record.EncryptedAccessToken)
	if err != nil {
		// An undecryptable token means key rotation or corruption.
		// Either way the session is unusable.
		m.logger.Warn("stored access token failed to decrypt", "session_id", sessionID)
		return nil, ErrSessionNotFound
	}

	return &Session{
		ID:           record.SessionID,
		ExternalID:   record.ExternalID,
		Login:        record.Login,
		Name:         record.Name,
		AvatarURL:    record.AvatarURL,
		AccessToken:  accessToken,
		CreatedAt:    record.CreatedAt,
		LastActivity: record.LastActivity,
	}, nil
}

// Touch updates the session's last-activity time. Failures are logged
// and swallowed; activity tracking never breaks a request.
func (m *Manager) Touch(ctx context.Context, sessionID string) {
	if err := m.store.TouchSession(ctx, sessionID, time.Now()); err != nil {
		m.logger.Debug("touch session failed", "session_id", sessionID, "error", err)
	}
}

// Delete removes a session. Deleting a session that does not exist
// succeeds; logout is idempotent.
func (m *Manager) Delete(ctx context.Context, sessionID, clientIP string) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("get session: %w", err)
	}

	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	m.auditor.LogEvent(security.Event{
		Type:       security.EventSessionDeleted,
		ExternalID: session.ExternalID,
		Login:      session.Login,
		IPAddress:  clientIP,
	})
	return nil
}

// Profile returns the cached provider profile for an external ID.
func (m *Manager) Profile(ctx context.Context, externalID string) (*storage.UserRecord, error) {
	record, err := m.store.GetUser(ctx, externalID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return record, nil
}
