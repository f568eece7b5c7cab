package sessions

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/gitboard/ghauth/providers"
	"github.com/gitboard/ghauth/security"
	"github.com/gitboard/ghauth/storage/memory"
)

func newTestManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store := memory.New(logger)
	t.Cleanup(func() { _ = store.Close() })

	keys, err := security.DeriveKeys([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("DeriveKeys() error = %v", err)
	}
	encryptor, err := security.NewEncryptor(keys.EncryptionKey)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	auditor := security.NewAuditor(logger, true)
	return NewManager(store, encryptor, auditor, logger), store
}

func testProfile() *providers.Profile {
	return &providers.Profile{
		ID:        "12345678",
		Login:     "octocat",
		Name:      "The Octocat",
		Email:     "octocat@example.com",
		AvatarURL: "https://example.com/octocat.png",
	}
}

func TestCreateAndGet(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	session, refresh, err := m.Create(ctx, testProfile(), &oauth2.Token{AccessToken: "gho_secret"}, "1.2.3.4")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if refresh {
		t.Error("first login should not be classified as refresh")
	}
	if session.ID == "" {
		t.Error("session ID should be set")
	}

	// The stored record must not contain the plaintext token.
	record, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if record.EncryptedAccessToken == "gho_secret" {
		t.Error("access token stored in plaintext")
	}

	got, err := m.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AccessToken != "gho_secret" {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, "gho_secret")
	}
	if got.Login != "octocat" {
		t.Errorf("Login = %q, want %q", got.Login, "octocat")
	}
}

func TestCreateClassifiesRapidRepeatAsRefresh(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, refresh, err := m.Create(ctx, testProfile(), &oauth2.Token{AccessToken: "tok-1"}, "1.2.3.4")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if refresh {
		t.Error("first login should not be a refresh")
	}

	second, refresh, err := m.Create(ctx, testProfile(), &oauth2.Token{AccessToken: "tok-2"}, "1.2.3.4")
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if !refresh {
		t.Error("repeat login within the window should be classified as refresh")
	}
	if first.ID == second.ID {
		t.Error("refresh classification must not reuse the session ID")
	}

	// Both sessions stay usable.
	if _, err := m.Get(ctx, first.ID); err != nil {
		t.Errorf("first session unusable after repeat login: %v", err)
	}
	if _, err := m.Get(ctx, second.ID); err != nil {
		t.Errorf("second session unusable: %v", err)
	}
}

func TestCreateAfterLogoutIsNotRefresh(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	session, _, err := m.Create(ctx, testProfile(), &oauth2.Token{AccessToken: "tok-1"}, "1.2.3.4")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Delete(ctx, session.ID, "1.2.3.4"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// With no live session left, a prompt re-login is a fresh login.
	_, refresh, err := m.Create(ctx, testProfile(), &oauth2.Token{AccessToken: "tok-2"}, "1.2.3.4")
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if refresh {
		t.Error("login after logout should not be classified as refresh")
	}
}

func TestGetUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Get(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	session, _, err := m.Create(ctx, testProfile(), &oauth2.Token{AccessToken: "tok"}, "1.2.3.4")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Delete(ctx, session.ID, "1.2.3.4"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := m.Delete(ctx, session.ID, "1.2.3.4"); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
	if _, err := m.Get(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrSessionNotFound", err)
	}
}

func TestProfileLookup(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.Create(ctx, testProfile(), &oauth2.Token{AccessToken: "tok"}, "1.2.3.4"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	user, err := m.Profile(ctx, "12345678")
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if user.Email != "octocat@example.com" {
		t.Errorf("Email = %q, want %q", user.Email, "octocat@example.com")
	}

	if _, err := m.Profile(ctx, "0"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Profile(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func TestTouchUpdatesActivity(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	session, _, err := m.Create(ctx, testProfile(), &oauth2.Token{AccessToken: "tok"}, "1.2.3.4")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	before, _ := store.GetSession(ctx, session.ID)
	time.Sleep(2 * time.Millisecond)
	m.Touch(ctx, session.ID)
	after, _ := store.GetSession(ctx, session.ID)

	if !after.LastActivity.After(before.LastActivity) {
		t.Error("Touch() should advance LastActivity")
	}

	// Touching a deleted session must not panic or error out loud.
	m.Touch(ctx, "missing")
}
