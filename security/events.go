package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// OAuth state lifecycle events

	// EventStateIssued is logged when an anti-CSRF state token is issued
	EventStateIssued = "state_issued"

	// EventStateValidated is logged when a state token validates successfully
	EventStateValidated = "state_validated"

	// EventStateMissing is logged when a callback arrives without a state parameter
	EventStateMissing = "state_missing"

	// EventStateNotFound is logged when a state token is unknown or expired
	EventStateNotFound = "state_not_found"

	// EventStateAlreadyUsed is logged when a state token is replayed (attack indicator)
	EventStateAlreadyUsed = "state_already_used"

	// EventStateIPMismatch is logged when a callback arrives from a different IP
	// than the one the state was issued to (attack indicator)
	EventStateIPMismatch = "state_ip_mismatch"

	// Login and session events

	// EventLoginSuccess is logged when a full OAuth login completes
	EventLoginSuccess = "login_success"

	// EventLoginRefresh is logged when a login is reclassified as a refresh
	// because a recent session already exists for the same user
	EventLoginRefresh = "login_refresh"

	// EventExchangeFailed is logged when the code-for-token exchange fails
	EventExchangeFailed = "exchange_failed"

	// EventInvalidRedirectURI is logged when a redirect URI outside the
	// allow-list is requested (logged without contacting the provider)
	EventInvalidRedirectURI = "invalid_redirect_uri"

	// EventSessionCreated is logged when a session record is persisted
	EventSessionCreated = "session_created"

	// EventSessionDeleted is logged on logout or session expiry
	EventSessionDeleted = "session_deleted"

	// EventReferenceRefreshed is logged when a session reference is re-minted
	EventReferenceRefreshed = "reference_refreshed"

	// EventAuthFailure is logged when bearer authentication fails
	EventAuthFailure = "auth_failure"

	// Webhook trust events

	// EventWebhookVerified is logged when an inbound webhook signature validates
	EventWebhookVerified = "webhook_verified"

	// EventWebhookSignatureMissing is logged when a webhook arrives unsigned
	EventWebhookSignatureMissing = "webhook_signature_missing"

	// EventWebhookSignatureInvalid is logged when a webhook signature does not
	// match the shared secret (forged or corrupted delivery)
	EventWebhookSignatureInvalid = "webhook_signature_invalid"

	// EventWebhookDuplicateDelivery is logged when a delivery ID is replayed
	EventWebhookDuplicateDelivery = "webhook_duplicate_delivery"

	// Operational events

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventDemoIdentityUsed is logged when the development-only demo bearer
	// maps to the synthetic identity; must never appear in production logs
	EventDemoIdentityUsed = "demo_identity_used"
)
