// Package sqlite provides a SQLite-backed implementation of the storage
// interfaces using the pure-Go modernc.org/sqlite driver. It is the
// persistent backend for single-process deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gitboard/ghauth/security"
	"github.com/gitboard/ghauth/storage"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS oauth_states (
	state        TEXT PRIMARY KEY,
	client_ip    TEXT NOT NULL,
	user_agent   TEXT NOT NULL DEFAULT '',
	redirect_uri TEXT NOT NULL DEFAULT '',
	issued_at    INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	used         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_oauth_states_expires ON oauth_states(expires_at);

CREATE TABLE IF NOT EXISTS sessions (
	session_id             TEXT PRIMARY KEY,
	external_id            TEXT NOT NULL,
	login                  TEXT NOT NULL,
	name                   TEXT NOT NULL DEFAULT '',
	avatar_url             TEXT NOT NULL DEFAULT '',
	encrypted_access_token TEXT NOT NULL,
	created_at             INTEGER NOT NULL,
	last_activity          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_external ON sessions(external_id);
CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity);

CREATE TABLE IF NOT EXISTS users (
	external_id  TEXT PRIMARY KEY,
	login        TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	avatar_url   TEXT NOT NULL DEFAULT '',
	public_repos INTEGER NOT NULL DEFAULT 0,
	followers    INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	last_login   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	delivery_id TEXT PRIMARY KEY,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_expires ON webhook_deliveries(expires_at);
`

// Store persists authentication state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and creates the schema if needed.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveState inserts one state record.
func (s *Store) SaveState(ctx context.Context, record *storage.StateRecord) error {
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO oauth_states (state, client_ip, user_agent, redirect_uri, issued_at, expires_at, used)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		record.State,
		record.ClientIP,
		record.UserAgent,
		record.RedirectURI,
		toMillis(record.IssuedAt),
		toMillis(record.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// GetState returns one state record.
func (s *Store) GetState(ctx context.Context, state string) (*storage.StateRecord, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT state, client_ip, user_agent, redirect_uri, issued_at, expires_at, used
		   FROM oauth_states
		  WHERE state = ?`,
		state,
	)
	return scanState(row)
}

// AtomicConsumeState marks a state used with a single conditional
// UPDATE. The used = 0 predicate guarantees that concurrent callers
// presenting the same state see exactly one affected row.
func (s *Store) AtomicConsumeState(ctx context.Context, state string) (*storage.StateRecord, error) {
	now := toMillis(time.Now())
	res, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE oauth_states
		    SET used = 1
		  WHERE state = ? AND used = 0 AND expires_at > ?`,
		state,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consume state rows affected: %w", err)
	}
	if affected == 0 {
		// Losers read the row to tell a replayed state from an
		// unknown or expired one.
		record, getErr := s.GetState(ctx, state)
		if getErr != nil {
			return nil, storage.ErrStateNotFound
		}
		if record.Used && toMillis(time.Now()) < toMillis(record.ExpiresAt) {
			return nil, storage.ErrStateAlreadyUsed
		}
		return nil, storage.ErrStateNotFound
	}
	return s.GetState(ctx, state)
}

// DeleteExpiredStates removes state records past their expiry. The
// sweep lags expiry by the clock-skew grace period; AtomicConsumeState
// keeps the strict boundary.
func (s *Store) DeleteExpiredStates(ctx context.Context) (int, error) {
	res, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM oauth_states WHERE expires_at <= ?`,
		toMillis(time.Now().Add(-security.DefaultClockSkewGracePeriod)),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired states: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired states rows affected: %w", err)
	}
	return int(affected), nil
}

func scanState(row *sql.Row) (*storage.StateRecord, error) {
	var record storage.StateRecord
	var issuedAt, expiresAt int64
	var used int
	err := row.Scan(
		&record.State,
		&record.ClientIP,
		&record.UserAgent,
		&record.RedirectURI,
		&issuedAt,
		&expiresAt,
		&used,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrStateNotFound
		}
		return nil, fmt.Errorf("scan state: %w", err)
	}
	record.IssuedAt = fromMillis(issuedAt)
	record.ExpiresAt = fromMillis(expiresAt)
	record.Used = used != 0
	return &record, nil
}

// SaveSession inserts or replaces one session record.
func (s *Store) SaveSession(ctx context.Context, record *storage.SessionRecord) error {
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sessions (
		   session_id, external_id, login, name, avatar_url,
		   encrypted_access_token, created_at, last_activity
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   external_id = excluded.external_id,
		   login = excluded.login,
		   name = excluded.name,
		   avatar_url = excluded.avatar_url,
		   encrypted_access_token = excluded.encrypted_access_token,
		   last_activity = excluded.last_activity`,
		record.SessionID,
		record.ExternalID,
		record.Login,
		record.Name,
		record.AvatarURL,
		record.EncryptedAccessToken,
		toMillis(record.CreatedAt),
		toMillis(record.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession returns one session record.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT session_id, external_id, login, name, avatar_url,
		        encrypted_access_token, created_at, last_activity
		   FROM sessions
		  WHERE session_id = ?`,
		sessionID,
	)

	var record storage.SessionRecord
	var createdAt, lastActivity int64
	err := row.Scan(
		&record.SessionID,
		&record.ExternalID,
		&record.Login,
		&record.Name,
		&record.AvatarURL,
		&record.EncryptedAccessToken,
		&createdAt,
		&lastActivity,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.LastActivity = fromMillis(lastActivity)
	return &record, nil
}

// TouchSession updates the session's last-activity timestamp.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		toMillis(at),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes one session. Missing sessions are not an error.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteIdleSessions removes sessions idle past the cutoff.
func (s *Store) DeleteIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM sessions WHERE last_activity < ?`,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions rows affected: %w", err)
	}
	return int(affected), nil
}

// CountSessionsForUser returns the number of sessions for an external
// ID created at or after since.
func (s *Store) CountSessionsForUser(ctx context.Context, externalID string, since time.Time) (int, error) {
	var count int
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM sessions WHERE external_id = ? AND created_at >= ?`,
		externalID, toMillis(since),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// UpsertUser inserts or updates one profile record.
func (s *Store) UpsertUser(ctx context.Context, record *storage.UserRecord) error {
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (
		   external_id, login, name, email, avatar_url,
		   public_repos, followers, created_at, last_login
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
		   login = excluded.login,
		   name = excluded.name,
		   email = excluded.email,
		   avatar_url = excluded.avatar_url,
		   public_repos = excluded.public_repos,
		   followers = excluded.followers,
		   last_login = excluded.last_login`,
		record.ExternalID,
		record.Login,
		record.Name,
		record.Email,
		record.AvatarURL,
		record.PublicRepos,
		record.Followers,
		toMillis(record.CreatedAt),
		toMillis(record.LastLogin),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser returns one profile record.
func (s *Store) GetUser(ctx context.Context, externalID string) (*storage.UserRecord, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT external_id, login, name, email, avatar_url,
		        public_repos, followers, created_at, last_login
		   FROM users
		  WHERE external_id = ?`,
		externalID,
	)

	var record storage.UserRecord
	var createdAt, lastLogin int64
	err := row.Scan(
		&record.ExternalID,
		&record.Login,
		&record.Name,
		&record.Email,
		&record.AvatarURL,
		&record.PublicRepos,
		&record.Followers,
		&createdAt,
		&lastLogin,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.LastLogin = fromMillis(lastLogin)
	return &record, nil
}

// RecordDelivery stores a webhook delivery ID, rejecting unexpired
// duplicates. Expired rows are reclaimed in place.
func (s *Store) RecordDelivery(ctx context.Context, deliveryID string, expiresAt time.Time) error {
	now := toMillis(time.Now())
	res, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO webhook_deliveries (delivery_id, expires_at)
		 VALUES (?, ?)
		 ON CONFLICT(delivery_id) DO UPDATE SET
		   expires_at = excluded.expires_at
		 WHERE webhook_deliveries.expires_at <= ?`,
		deliveryID,
		toMillis(expiresAt),
		now,
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record delivery rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrDeliveryDuplicate
	}
	return nil
}

// DeleteExpiredDeliveries removes delivery records past their expiry,
// lagging by the clock-skew grace period.
func (s *Store) DeleteExpiredDeliveries(ctx context.Context) (int, error) {
	res, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM webhook_deliveries WHERE expires_at <= ?`,
		toMillis(time.Now().Add(-security.DefaultClockSkewGracePeriod)),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired deliveries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired deliveries rows affected: %w", err)
	}
	return int(affected), nil
}

var _ storage.Store = (*Store)(nil)
