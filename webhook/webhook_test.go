package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gitboard/ghauth/security"
	"github.com/gitboard/ghauth/storage/memory"
)

const testSecret = "webhook-test-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testAuditor() *security.Auditor {
	return security.NewAuditor(discardLogger(), true)
}

func signedRequest(t *testing.T, secret string, event, deliveryID string, body []byte) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(EventHeader, event)
	r.Header.Set(DeliveryHeader, deliveryID)
	if secret != "" {
		r.Header.Set(SignatureHeader, "sha256="+security.SignPayload([]byte(secret), body))
	}
	return r
}

func TestNewVerifierProductionRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("", "production", testAuditor(), discardLogger()); err == nil {
		t.Fatal("NewVerifier() without secret should fail in production")
	}
	if _, err := NewVerifier("", "development", testAuditor(), discardLogger()); err != nil {
		t.Fatalf("NewVerifier() in development error = %v", err)
	}
}

func TestVerifyRequestValidSignature(t *testing.T) {
	v, err := NewVerifier(testSecret, "production", testAuditor(), discardLogger())
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	body := []byte(`{"action":"opened"}`)
	r := signedRequest(t, testSecret, "pull_request", "d-1", body)

	got, err := v.VerifyRequest(r, "140.82.115.1")
	if err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Error("VerifyRequest() must return exactly the verified bytes")
	}
}

// Mutating any byte of the payload after signing must invalidate the
// signature.
func TestVerifyRequestMutatedPayload(t *testing.T) {
	v, err := NewVerifier(testSecret, "production", testAuditor(), discardLogger())
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	body := []byte(`{"action":"opened","number":7}`)
	signature := "sha256=" + security.SignPayload([]byte(testSecret), body)

	for i := range body {
		mutated := bytes.Clone(body)
		mutated[i] ^= 0x01

		r := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(mutated))
		r.Header.Set(SignatureHeader, signature)

		if _, err := v.VerifyRequest(r, "140.82.115.1"); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("byte %d mutation: error = %v, want ErrSignatureInvalid", i, err)
		}
	}
}

func TestVerifyRequestFailures(t *testing.T) {
	v, err := NewVerifier(testSecret, "production", testAuditor(), discardLogger())
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	body := []byte(`{}`)

	tests := []struct {
		name      string
		signature string
		wantErr   error
	}{
		{"no header", "", ErrSignatureMissing},
		{"wrong secret", "sha256=" + security.SignPayload([]byte("other-secret"), body), ErrSignatureInvalid},
		{"missing prefix", security.SignPayload([]byte(testSecret), body), ErrSignatureInvalid},
		{"garbage", "sha256=zzzz", ErrSignatureInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
			if tt.signature != "" {
				r.Header.Set(SignatureHeader, tt.signature)
			}
			if _, err := v.VerifyRequest(r, "140.82.115.1"); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyRequestBodyTooLarge(t *testing.T) {
	v, err := NewVerifier(testSecret, "production", testAuditor(), discardLogger())
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	body := bytes.Repeat([]byte("x"), MaxBodyBytes+1)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	r.Header.Set(SignatureHeader, "sha256="+security.SignPayload([]byte(testSecret), body))

	if _, err := v.VerifyRequest(r, "140.82.115.1"); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("error = %v, want ErrBodyTooLarge", err)
	}
}

func TestVerifierSkipMode(t *testing.T) {
	v, err := NewVerifier("", "development", testAuditor(), discardLogger())
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(`{}`))
	if _, err := v.VerifyRequest(r, "127.0.0.1"); err != nil {
		t.Errorf("skip mode should accept unsigned deliveries: %v", err)
	}
}

func TestDispatcherRouting(t *testing.T) {
	d := NewDispatcher(nil, discardLogger())

	var handled []string
	d.Handle("push", func(_ context.Context, delivery Delivery) error {
		handled = append(handled, "push:"+delivery.ID)
		return nil
	})

	if err := d.Dispatch(context.Background(), Delivery{Event: "push", ID: "d-1"}); err != nil {
		t.Fatalf("Dispatch(push) error = %v", err)
	}
	if err := d.Dispatch(context.Background(), Delivery{Event: "ping", ID: "d-2"}); err != nil {
		t.Fatalf("Dispatch(ping) error = %v", err)
	}
	// Unregistered events are acknowledged, not failed.
	if err := d.Dispatch(context.Background(), Delivery{Event: "workflow_run", ID: "d-3"}); err != nil {
		t.Fatalf("Dispatch(unhandled) error = %v", err)
	}

	if len(handled) != 1 || handled[0] != "push:d-1" {
		t.Errorf("handled = %v, want only push:d-1", handled)
	}
}

func TestDispatcherDeduplicates(t *testing.T) {
	store := memory.New(discardLogger())
	t.Cleanup(func() { _ = store.Close() })

	d := NewDispatcher(store, discardLogger())

	calls := 0
	d.Handle("push", func(context.Context, Delivery) error {
		calls++
		return nil
	})

	delivery := Delivery{Event: "push", ID: "d-1"}
	if err := d.Dispatch(context.Background(), delivery); err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}
	if err := d.Dispatch(context.Background(), delivery); !errors.Is(err, ErrDuplicateDelivery) {
		t.Fatalf("second Dispatch() error = %v, want ErrDuplicateDelivery", err)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestHandlerEndToEnd(t *testing.T) {
	store := memory.New(discardLogger())
	t.Cleanup(func() { _ = store.Close() })

	v, err := NewVerifier(testSecret, "production", testAuditor(), discardLogger())
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	d := NewDispatcher(store, discardLogger())
	var lastPayload []byte
	d.Handle("push", func(_ context.Context, delivery Delivery) error {
		lastPayload = delivery.Payload
		return nil
	})

	h := NewHandler(v, d, testAuditor(), discardLogger())

	body := []byte(`{"ref":"refs/heads/main"}`)

	// Valid signed delivery.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, testSecret, "push", "d-1", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(lastPayload, body) {
		t.Error("handler did not receive the verified payload")
	}

	// Replayed delivery ID is acknowledged but not re-processed.
	lastPayload = nil
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, testSecret, "push", "d-1", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "duplicate" {
		t.Errorf("status field = %q, want %q", resp["status"], "duplicate")
	}
	if lastPayload != nil {
		t.Error("duplicate delivery must not invoke the handler")
	}

	// Unsigned delivery.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "", "push", "d-2", body))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned status = %d, want 401", rec.Code)
	}

	// Tampered delivery.
	rec = httptest.NewRecorder()
	tampered := append(bytes.Clone(body), ' ')
	r := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(tampered))
	r.Header.Set(SignatureHeader, "sha256="+security.SignPayload([]byte(testSecret), body))
	r.Header.Set(EventHeader, "push")
	r.Header.Set(DeliveryHeader, "d-3")
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("tampered status = %d, want 401", rec.Code)
	}

	// Wrong method.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/github", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}
