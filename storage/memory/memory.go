// Package memory provides an in-memory implementation of the storage
// interfaces. It is the default backend for development and tests; all
// data is lost on restart.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gitboard/ghauth/security"
	"github.com/gitboard/ghauth/storage"
)

// Store is a thread-safe in-memory store.
type Store struct {
	mu         sync.RWMutex
	states     map[string]*storage.StateRecord
	sessions   map[string]*storage.SessionRecord
	users      map[string]*storage.UserRecord
	deliveries map[string]time.Time

	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New creates an empty in-memory store and starts a background loop
// that purges expired states and delivery records every minute.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		states:      make(map[string]*storage.StateRecord),
		sessions:    make(map[string]*storage.SessionRecord),
		users:       make(map[string]*storage.UserRecord),
		deliveries:  make(map[string]time.Time),
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			if n, _ := s.DeleteExpiredStates(ctx); n > 0 {
				s.logger.Debug("purged expired states", "count", n)
			}
			if n, _ := s.DeleteExpiredDeliveries(ctx); n > 0 {
				s.logger.Debug("purged expired deliveries", "count", n)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup loop.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

// SaveState stores a state record, copying it so later mutation by the
// caller cannot affect the stored value.
func (s *Store) SaveState(_ context.Context, record *storage.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.states[record.State] = &cp
	return nil
}

// GetState returns a copy of the record for a state token.
func (s *Store) GetState(_ context.Context, state string) (*storage.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.states[state]
	if !ok {
		return nil, storage.ErrStateNotFound
	}
	cp := *record
	return &cp, nil
}

// AtomicConsumeState marks a state used under the write lock so that
// concurrent consumers of the same token see exactly one success.
func (s *Store) AtomicConsumeState(_ context.Context, state string) (*storage.StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.states[state]
	if !ok {
		return nil, storage.ErrStateNotFound
	}
	if time.Now().After(record.ExpiresAt) {
		delete(s.states, state)
		return nil, storage.ErrStateNotFound
	}
	if record.Used {
		return nil, storage.ErrStateAlreadyUsed
	}

	record.Used = true
	cp := *record
	return &cp, nil
}

// DeleteExpiredStates removes records past their expiry. The sweep
// lags expiry by the clock-skew grace period; AtomicConsumeState keeps
// the strict boundary.
func (s *Store) DeleteExpiredStates(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for state, record := range s.states {
		if security.IsExpired(record.ExpiresAt) {
			delete(s.states, state)
			removed++
		}
	}
	return removed, nil
}

// SaveSession stores or replaces a session record.
func (s *Store) SaveSession(_ context.Context, record *storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.sessions[record.SessionID] = &cp
	return nil
}

// GetSession returns a copy of the record for a session ID.
func (s *Store) GetSession(_ context.Context, sessionID string) (*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	cp := *record
	return &cp, nil
}

// TouchSession updates the last-activity timestamp.
func (s *Store) TouchSession(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	record.LastActivity = at
	return nil
}

// DeleteSession removes a session. Missing sessions are not an error.
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// DeleteIdleSessions removes sessions idle past the cutoff.
func (s *Store) DeleteIdleSessions(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, record := range s.sessions {
		if record.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// CountSessionsForUser returns the number of sessions for an external
// ID created at or after since.
func (s *Store) CountSessionsForUser(_ context.Context, externalID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, record := range s.sessions {
		if record.ExternalID == externalID && !record.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// UpsertUser inserts or updates a profile.
func (s *Store) UpsertUser(_ context.Context, record *storage.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.users[record.ExternalID] = &cp
	return nil
}

// GetUser returns a copy of the profile for an external ID.
func (s *Store) GetUser(_ context.Context, externalID string) (*storage.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.users[externalID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *record
	return &cp, nil
}

// RecordDelivery stores a delivery ID, rejecting unexpired duplicates.
func (s *Store) RecordDelivery(_ context.Context, deliveryID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.deliveries[deliveryID]; ok && time.Now().Before(existing) {
		return storage.ErrDeliveryDuplicate
	}
	s.deliveries[deliveryID] = expiresAt
	return nil
}

// DeleteExpiredDeliveries removes delivery records past their expiry,
// lagging by the clock-skew grace period.
func (s *Store) DeleteExpiredDeliveries(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, expiresAt := range s.deliveries {
		if security.IsExpired(expiresAt) {
			delete(s.deliveries, id)
			removed++
		}
	}
	return removed, nil
}

var _ storage.Store = (*Store)(nil)
