package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gitboard/ghauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(slog.New(slog.DiscardHandler))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := &storage.StateRecord{
		State:     "state-1",
		ClientIP:  "1.2.3.4",
		UserAgent: "test-agent",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := s.SaveState(ctx, record); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	got, err := s.GetState(ctx, "state-1")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if got.ClientIP != "1.2.3.4" || got.Used {
		t.Errorf("GetState() = %+v, want unused record for 1.2.3.4", got)
	}

	consumed, err := s.AtomicConsumeState(ctx, "state-1")
	if err != nil {
		t.Fatalf("AtomicConsumeState() error = %v", err)
	}
	if !consumed.Used {
		t.Error("consumed record should be marked used")
	}

	if _, err := s.AtomicConsumeState(ctx, "state-1"); !errors.Is(err, storage.ErrStateAlreadyUsed) {
		t.Errorf("second consume error = %v, want ErrStateAlreadyUsed", err)
	}
}

func TestAtomicConsumeStateUnknown(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AtomicConsumeState(context.Background(), "missing"); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("error = %v, want ErrStateNotFound", err)
	}
}

func TestAtomicConsumeStateExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := &storage.StateRecord{
		State:     "stale",
		ClientIP:  "1.2.3.4",
		IssuedAt:  time.Now().Add(-20 * time.Minute),
		ExpiresAt: time.Now().Add(-10 * time.Minute),
	}
	if err := s.SaveState(ctx, record); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	if _, err := s.AtomicConsumeState(ctx, "stale"); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("error = %v, want ErrStateNotFound for expired state", err)
	}
}

// Concurrent consumers of the same state must produce exactly one
// success; every other attempt fails with ErrStateAlreadyUsed.
func TestAtomicConsumeStateConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := &storage.StateRecord{
		State:     "contested",
		ClientIP:  "1.2.3.4",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := s.SaveState(ctx, record); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	const attempts = 50
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AtomicConsumeState(ctx, "contested")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	alreadyUsed := 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, storage.ErrStateAlreadyUsed):
			alreadyUsed++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if alreadyUsed != attempts-1 {
		t.Errorf("alreadyUsed = %d, want %d", alreadyUsed, attempts-1)
	}
}

func TestDeleteExpiredStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SaveState(ctx, &storage.StateRecord{State: "live", ExpiresAt: time.Now().Add(time.Hour)})
	_ = s.SaveState(ctx, &storage.StateRecord{State: "dead", ExpiresAt: time.Now().Add(-time.Hour)})
	// Just past expiry but inside the clock-skew grace; the sweep
	// leaves it for the next pass.
	_ = s.SaveState(ctx, &storage.StateRecord{State: "edge", ExpiresAt: time.Now().Add(-time.Second)})

	removed, err := s.DeleteExpiredStates(ctx)
	if err != nil {
		t.Fatalf("DeleteExpiredStates() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.GetState(ctx, "live"); err != nil {
		t.Errorf("live state should survive cleanup: %v", err)
	}
	if _, err := s.GetState(ctx, "edge"); err != nil {
		t.Errorf("state inside the grace period should survive cleanup: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour)
	record := &storage.SessionRecord{
		SessionID:            "sess-1",
		ExternalID:           "42",
		Login:                "octocat",
		EncryptedAccessToken: "ciphertext",
		CreatedAt:            created,
		LastActivity:         created,
	}
	if err := s.SaveSession(ctx, record); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Login != "octocat" || got.EncryptedAccessToken != "ciphertext" {
		t.Errorf("GetSession() = %+v", got)
	}

	now := time.Now()
	if err := s.TouchSession(ctx, "sess-1", now); err != nil {
		t.Fatalf("TouchSession() error = %v", err)
	}
	got, _ = s.GetSession(ctx, "sess-1")
	if !got.LastActivity.Equal(now) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, now)
	}

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := s.GetSession(ctx, "sess-1"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrSessionNotFound", err)
	}

	// Deleting again is not an error.
	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Errorf("repeat DeleteSession() error = %v", err)
	}
}

func TestDeleteIdleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SaveSession(ctx, &storage.SessionRecord{SessionID: "fresh", LastActivity: time.Now()})
	_ = s.SaveSession(ctx, &storage.SessionRecord{SessionID: "stale", LastActivity: time.Now().Add(-48 * time.Hour)})

	removed, err := s.DeleteIdleSessions(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteIdleSessions() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.GetSession(ctx, "fresh"); err != nil {
		t.Errorf("fresh session should survive: %v", err)
	}
}

func TestCountSessionsForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	_ = s.SaveSession(ctx, &storage.SessionRecord{SessionID: "a", ExternalID: "42", CreatedAt: now})
	_ = s.SaveSession(ctx, &storage.SessionRecord{SessionID: "b", ExternalID: "42", CreatedAt: now.Add(-time.Hour)})
	_ = s.SaveSession(ctx, &storage.SessionRecord{SessionID: "c", ExternalID: "7", CreatedAt: now})

	count, err := s.CountSessionsForUser(ctx, "42", now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("CountSessionsForUser() error = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	count, _ = s.CountSessionsForUser(ctx, "42", now.Add(-2*time.Hour))
	if count != 2 {
		t.Errorf("count over two hours = %d, want 2", count)
	}
}

func TestUserUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := &storage.UserRecord{ExternalID: "42", Login: "octocat", PublicRepos: 3}
	if err := s.UpsertUser(ctx, record); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	record.PublicRepos = 4
	if err := s.UpsertUser(ctx, record); err != nil {
		t.Fatalf("second UpsertUser() error = %v", err)
	}

	got, err := s.GetUser(ctx, "42")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.PublicRepos != 4 {
		t.Errorf("PublicRepos = %d, want 4", got.PublicRepos)
	}

	if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("GetUser(missing) error = %v, want ErrUserNotFound", err)
	}
}

func TestRecordDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour)
	if err := s.RecordDelivery(ctx, "delivery-1", expiry); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}
	if err := s.RecordDelivery(ctx, "delivery-1", expiry); !errors.Is(err, storage.ErrDeliveryDuplicate) {
		t.Errorf("duplicate error = %v, want ErrDeliveryDuplicate", err)
	}

	// An expired record can be recorded again.
	if err := s.RecordDelivery(ctx, "delivery-2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}
	if err := s.RecordDelivery(ctx, "delivery-2", expiry); err != nil {
		t.Errorf("re-record after expiry error = %v", err)
	}
}

func TestStoredRecordsAreCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := &storage.SessionRecord{SessionID: "sess-1", Login: "octocat"}
	_ = s.SaveSession(ctx, record)
	record.Login = "mutated"

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Login != "octocat" {
		t.Errorf("Login = %q, caller mutation leaked into store", got.Login)
	}
}
