package webhook

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gitboard/ghauth/security"
)

// Handler is the HTTP endpoint for webhook deliveries. It verifies,
// deduplicates, and dispatches, in that order.
type Handler struct {
	verifier   *Verifier
	dispatcher *Dispatcher
	auditor    *security.Auditor
	logger     *slog.Logger

	// ClientIP extracts the client address from a request. Defaults to
	// the bare RemoteAddr when unset.
	ClientIP func(r *http.Request) string
}

// NewHandler creates the webhook HTTP handler.
func NewHandler(verifier *Verifier, dispatcher *Dispatcher, auditor *security.Auditor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		verifier:   verifier,
		dispatcher: dispatcher,
		auditor:    auditor,
		logger:     logger,
	}
}

func (h *Handler) clientIP(r *http.Request) string {
	if h.ClientIP != nil {
		return h.ClientIP(r)
	}
	return security.GetClientIP(r, false, 0)
}

// ServeHTTP handles POST deliveries. Rejections are generic on the
// wire; the audit log carries the specific reason.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	clientIP := h.clientIP(r)
	deliveryID := r.Header.Get(DeliveryHeader)
	eventName := r.Header.Get(EventHeader)

	body, err := h.verifier.VerifyRequest(r, clientIP)
	if err != nil {
		switch {
		case errors.Is(err, ErrSignatureMissing):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature_required"})
		case errors.Is(err, ErrSignatureInvalid):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature_invalid"})
		case errors.Is(err, ErrBodyTooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload_too_large"})
		default:
			h.logger.Error("webhook verification failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		}
		return
	}

	err = h.dispatcher.Dispatch(r.Context(), Delivery{
		Event:   eventName,
		ID:      deliveryID,
		Payload: body,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateDelivery) {
			h.auditor.LogWebhookOutcome(security.EventWebhookDuplicateDelivery, deliveryID, eventName, clientIP)
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		h.logger.Error("webhook dispatch failed",
			"event", eventName, "delivery_id", deliveryID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
