package ghauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gitboard/ghauth/instrumentation"
	"github.com/gitboard/ghauth/providers"
	"github.com/gitboard/ghauth/security"
	"github.com/gitboard/ghauth/sessions"
	"github.com/gitboard/ghauth/state"
	"github.com/gitboard/ghauth/storage"
	"github.com/gitboard/ghauth/webhook"
)

// genericStateMessage is what every state validation failure looks
// like to the browser. The audit log records the real cause; an
// attacker probing the callback learns nothing from the response.
const genericStateMessage = "Sign-in could not be completed. Please start again."

// Server wires the OAuth flow, session management, and webhook intake
// together.
type Server struct {
	cfg      *Config
	provider providers.Provider
	store    storage.Store

	states   *state.Manager
	sessions *sessions.Manager
	issuer   *sessions.Issuer
	verifier sessions.ReferenceVerifier

	limiters limiterSet
	auditor  *security.Auditor
	logger   *slog.Logger
	metrics  *instrumentation.Metrics

	webhookHandler *webhook.Handler
	dispatcher     *webhook.Dispatcher

	sweepStop chan struct{}
	closeOnce sync.Once
}

// sweepInterval is how often the janitor purges expired states, idle
// sessions, and old webhook delivery records.
const sweepInterval = 10 * time.Minute

// limiterSet holds one limiter per guarded concern so a burst against
// one endpoint cannot starve the others.
type limiterSet struct {
	login    security.Limiter
	callback security.Limiter
	auth     security.Limiter
	webhook  security.Limiter
}

func (ls limiterSet) stopAll() {
	for _, l := range []security.Limiter{ls.login, ls.callback, ls.auth, ls.webhook} {
		if rl, ok := l.(*security.RateLimiter); ok {
			rl.Stop()
		}
	}
}

// NewServer creates a fully wired server. The storage backend and
// provider are injected so tests can substitute them.
func NewServer(cfg *Config, provider providers.Provider, store storage.Store, inst *instrumentation.Instrumentation, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if inst == nil {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{ServiceName: "ghauth"})
		if err != nil {
			return nil, fmt.Errorf("create instrumentation: %w", err)
		}
	}

	masterSecret, err := resolveMasterSecret(cfg, logger)
	if err != nil {
		return nil, err
	}
	keys, err := security.DeriveKeys(masterSecret)
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}
	encryptor, err := security.NewEncryptor(keys.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create encryptor: %w", err)
	}
	issuer, err := sessions.NewIssuer(keys.SigningKey, cfg.ReferenceTTL)
	if err != nil {
		return nil, fmt.Errorf("create issuer: %w", err)
	}

	auditor := security.NewAuditor(logger, cfg.AuditEnabled)

	var verifier sessions.ReferenceVerifier = issuer
	if cfg.DemoMode {
		verifier, err = sessions.NewDemoVerifier(cfg.Environment, issuer, auditor)
		if err != nil {
			return nil, fmt.Errorf("enable demo mode: %w", err)
		}
		logger.Warn("demo bearer ENABLED, fixed token maps to a synthetic identity")
	}

	limiterOpts := []security.RateLimiterOption{}
	if cfg.RateLimitExemptLoopback {
		limiterOpts = append(limiterOpts, security.WithLoopbackExemption())
	}
	newLimiter := func() security.Limiter {
		return security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, logger, limiterOpts...)
	}
	limiters := limiterSet{
		login:    newLimiter(),
		callback: newLimiter(),
		auth:     newLimiter(),
		webhook:  newLimiter(),
	}

	webhookVerifier, err := webhook.NewVerifier(cfg.WebhookSecret, cfg.Environment, auditor, logger)
	if err != nil {
		return nil, fmt.Errorf("create webhook verifier: %w", err)
	}
	dispatcher := webhook.NewDispatcher(store, logger)

	s := &Server{
		cfg:        cfg,
		provider:   provider,
		store:      store,
		states:     state.NewManager(store, auditor, logger, state.WithTTL(cfg.StateTTL)),
		sessions:   sessions.NewManager(store, encryptor, auditor, logger),
		issuer:     issuer,
		verifier:   verifier,
		limiters:   limiters,
		auditor:    auditor,
		logger:     logger,
		metrics:    inst.Metrics(),
		dispatcher: dispatcher,
	}
	s.webhookHandler = webhook.NewHandler(webhookVerifier, dispatcher, auditor, logger)
	s.webhookHandler.ClientIP = s.clientIP

	s.sweepStop = make(chan struct{})
	go s.sweepLoop()

	return s, nil
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(context.Background())
		case <-s.sweepStop:
			return
		}
	}
}

// sweep purges records nothing will ever read again: consumed or
// expired states, sessions idle past SessionIdleTTL, and webhook
// delivery IDs past the replay window.
func (s *Server) sweep(ctx context.Context) {
	if n, err := s.store.DeleteExpiredStates(ctx); err != nil {
		s.logger.Error("state sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("swept expired states", "count", n)
	}
	cutoff := time.Now().Add(-s.cfg.SessionIdleTTL)
	if n, err := s.store.DeleteIdleSessions(ctx, cutoff); err != nil {
		s.logger.Error("session sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Info("swept idle sessions", "count", n, "idle_ttl", s.cfg.SessionIdleTTL)
	}
	if n, err := s.store.DeleteExpiredDeliveries(ctx); err != nil {
		s.logger.Error("delivery sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("swept expired webhook deliveries", "count", n)
	}
}

// resolveMasterSecret decodes the configured master secret, or
// generates an ephemeral one outside production. Ephemeral secrets
// invalidate all sessions on restart.
func resolveMasterSecret(cfg *Config, logger *slog.Logger) ([]byte, error) {
	if cfg.MasterSecret != "" {
		secret, err := security.SecretFromBase64(cfg.MasterSecret)
		if err != nil {
			return nil, fmt.Errorf("master secret: %w", err)
		}
		return secret, nil
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("master secret is required in production")
	}
	logger.Warn("no master secret configured, generating an ephemeral one; sessions will not survive restarts")
	return security.GenerateMasterSecret()
}

// Webhooks returns the dispatcher so callers can register event
// handlers before serving.
func (s *Server) Webhooks() *webhook.Dispatcher {
	return s.dispatcher
}

// Close stops the background sweep and releases server resources.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.sweepStop)
		s.limiters.stopAll()
	})
	return nil
}

func (s *Server) clientIP(r *http.Request) string {
	return security.GetClientIP(r, s.cfg.TrustProxyHeaders, s.cfg.TrustedProxyCount)
}

// allowRate applies the given per-IP limiter and writes the 429 itself
// when the caller is over the limit. Nothing downstream runs on rejection.
func (s *Server) allowRate(limiter security.Limiter, w http.ResponseWriter, r *http.Request) bool {
	clientIP := s.clientIP(r)
	if limiter.Allow(clientIP) {
		return true
	}
	s.auditor.LogRateLimitExceeded(clientIP, r.URL.Path)
	s.metrics.RecordRateLimitExceeded(r.Context(), r.URL.Path)
	w.Header().Set("Retry-After", "1")
	writeError(w, NewAuthError(CodeRateLimitExceeded, "too many requests", http.StatusTooManyRequests))
	return false
}

// handleLogin starts the OAuth flow: validate the optional post-login
// redirect, issue a state token, and hand the frontend the provider
// authorization URL to navigate to.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(s.limiters.login, w, r) {
		return
	}
	clientIP := s.clientIP(r)

	redirectURI := r.URL.Query().Get("redirect")
	if redirectURI != "" && !s.cfg.AllowedRedirect(redirectURI) {
		// Rejected before any state is issued or the provider is
		// contacted.
		s.auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirectURI,
			IPAddress: clientIP,
		})
		writeError(w, NewAuthError(CodeInvalidRedirectURI, "redirect target not allowed", http.StatusBadRequest))
		return
	}

	stateToken, err := s.states.Issue(r.Context(), clientIP, r.UserAgent(), redirectURI)
	if err != nil {
		s.logger.Error("failed to issue state", "error", err)
		writeError(w, NewAuthError(CodeServerError, "could not start login", http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": s.provider.AuthorizationURL(stateToken),
		"state":    stateToken,
	})
}

// handleCallback completes the OAuth flow. Failures redirect back to
// the frontend with auth_error and auth_message query parameters;
// the session reference only exists after state, exchange, and profile
// all succeed.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(s.limiters.callback, w, r) {
		return
	}
	ctx := r.Context()
	clientIP := s.clientIP(r)
	query := r.URL.Query()

	// The user may have denied the authorization prompt.
	if provErr := query.Get("error"); provErr != "" {
		s.redirectWithError(w, r, s.cfg.FrontendURL, provErr, "GitHub sign-in was not completed.")
		return
	}

	record, err := s.states.Validate(ctx, query.Get("state"), clientIP)
	if err != nil {
		s.metrics.RecordStateValidation(ctx, stateOutcome(err))
		// All state failures collapse into one generic response.
		s.redirectWithError(w, r, s.cfg.FrontendURL, CodeStateInvalid, genericStateMessage)
		return
	}
	s.metrics.RecordStateValidation(ctx, "validated")

	dest := s.cfg.FrontendURL
	if record.RedirectURI != "" {
		dest = record.RedirectURI
	}

	code := query.Get("code")
	if code == "" {
		s.redirectWithError(w, r, dest, CodeStateInvalid, genericStateMessage)
		return
	}

	token, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		authCode, message := classifyExchange(err)
		s.auditor.LogEvent(security.Event{
			Type:      security.EventExchangeFailed,
			IPAddress: clientIP,
			Details:   map[string]any{"kind": exchangeKind(err)},
		})
		s.redirectWithError(w, r, dest, authCode, message)
		return
	}

	profile, err := s.provider.FetchProfile(ctx, token)
	if err != nil {
		s.logger.Error("profile fetch failed after exchange", "error", err)
		s.redirectWithError(w, r, dest, CodeProviderUnreachable, "GitHub did not return your profile. Please try again.")
		return
	}

	session, refresh, err := s.sessions.Create(ctx, profile, token, clientIP)
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		s.redirectWithError(w, r, dest, CodeServerError, "Sign-in failed. Please try again.")
		return
	}

	reference, err := s.issuer.Mint(session.ID, session.ExternalID, session.Login)
	if err != nil {
		s.logger.Error("failed to mint session reference", "error", err)
		s.redirectWithError(w, r, dest, CodeServerError, "Sign-in failed. Please try again.")
		return
	}

	s.metrics.RecordLogin(ctx, refresh)

	target, err := url.Parse(dest)
	if err != nil {
		// Stored redirect targets are allow-list validated, but the
		// frontend URL itself comes straight from configuration.
		s.logger.Error("redirect target does not parse", "error", err)
		s.redirectWithError(w, r, s.cfg.FrontendURL, CodeServerError, "Sign-in failed. Please try again.")
		return
	}
	q := target.Query()
	q.Set("session_token", reference)
	q.Set("login", session.Login)
	q.Set("avatar_url", session.AvatarURL)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// redirectWithError sends the browser back to the frontend carrying a
// machine code and a human message.
func (s *Server) redirectWithError(w http.ResponseWriter, r *http.Request, dest, code, message string) {
	target, err := url.Parse(dest)
	if err != nil {
		writeError(w, NewAuthError(CodeServerError, "invalid redirect target", http.StatusInternalServerError))
		return
	}
	q := target.Query()
	q.Set("auth_error", code)
	q.Set("auth_message", message)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func stateOutcome(err error) string {
	switch {
	case errors.Is(err, state.ErrStateMissing):
		return "missing"
	case errors.Is(err, state.ErrStateNotFound):
		return "not_found"
	case errors.Is(err, state.ErrStateAlreadyUsed):
		return "already_used"
	case errors.Is(err, state.ErrIPMismatch):
		return "ip_mismatch"
	default:
		return "error"
	}
}

func exchangeKind(err error) string {
	var exchangeErr *providers.ExchangeError
	if errors.As(err, &exchangeErr) {
		return string(exchangeErr.Kind)
	}
	return string(providers.KindNetworkOrUnknown)
}

// classifyExchange maps an exchange failure to the auth_error code and
// user message carried back to the frontend. Codes are single use, so
// no path retries the exchange.
func classifyExchange(err error) (string, string) {
	var exchangeErr *providers.ExchangeError
	if errors.As(err, &exchangeErr) {
		switch exchangeErr.Kind {
		case providers.KindExpiredOrReusedCode:
			return CodeCodeExpired, "Your sign-in expired or was already used. Please start again."
		case providers.KindClientMisconfigured, providers.KindRedirectMismatch:
			// Operator errors; the user can do nothing about them.
			return CodeServerError, "Sign-in is misconfigured. Please contact the administrator."
		}
	}
	return CodeProviderUnreachable, "GitHub could not be reached. Please try again."
}

// authenticate resolves the bearer reference on a request into an
// identity, touching the backing session.
func (s *Server) authenticate(r *http.Request) (*Identity, *AuthError) {
	token := bearerToken(r)
	if token == "" {
		return nil, NewAuthError(CodeInvalidToken, "missing bearer token", http.StatusUnauthorized)
	}

	ref, err := s.verifier.Verify(token)
	if err != nil {
		clientIP := s.clientIP(r)
		if errors.Is(err, sessions.ErrReferenceExpired) {
			s.auditor.LogAuthFailure(clientIP, "token_expired")
			s.metrics.RecordBearerAuthFailure(r.Context(), "token_expired")
			return nil, NewAuthError(CodeTokenExpired, "session reference expired", http.StatusUnauthorized)
		}
		s.auditor.LogAuthFailure(clientIP, "invalid_token")
		s.metrics.RecordBearerAuthFailure(r.Context(), "invalid_token")
		return nil, NewAuthError(CodeInvalidToken, "session reference invalid", http.StatusUnauthorized)
	}

	if s.cfg.DemoMode && ref.SessionID == sessions.DemoReference.SessionID {
		return &Identity{
			SessionID:  ref.SessionID,
			ExternalID: ref.ExternalID,
			Login:      ref.Login,
			Demo:       true,
		}, nil
	}

	// The reference is authentic, but the session behind it may have
	// been logged out or expired server-side.
	if _, err := s.sessions.Get(r.Context(), ref.SessionID); err != nil {
		s.auditor.LogAuthFailure(s.clientIP(r), "session_gone")
		s.metrics.RecordBearerAuthFailure(r.Context(), "session_gone")
		return nil, NewAuthError(CodeInvalidToken, "session no longer exists", http.StatusUnauthorized)
	}
	s.sessions.Touch(r.Context(), ref.SessionID)

	return &Identity{
		SessionID:  ref.SessionID,
		ExternalID: ref.ExternalID,
		Login:      ref.Login,
	}, nil
}

// handleRefresh re-mints an expired but authentic session reference,
// provided the backing session is still live.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(s.limiters.auth, w, r) {
		return
	}

	token := bearerToken(r)
	if token == "" {
		// Clients holding an expired reference may prefer the body over
		// the Authorization header.
		var body struct {
			SessionToken string `json:"session_token"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err == nil {
			token = body.SessionToken
		}
	}
	if token == "" {
		writeError(w, NewAuthError(CodeInvalidToken, "missing session reference", http.StatusUnauthorized))
		return
	}

	if s.cfg.DemoMode && token == sessions.DemoBearerToken {
		writeJSON(w, http.StatusOK, map[string]string{"session_token": sessions.DemoBearerToken})
		return
	}

	minted, ref, err := s.issuer.Refresh(token)
	if err != nil {
		s.metrics.RecordReferenceRefresh(r.Context(), false)
		writeError(w, NewAuthError(CodeInvalidToken, "session reference invalid", http.StatusUnauthorized))
		return
	}

	if _, err := s.sessions.Get(r.Context(), ref.SessionID); err != nil {
		s.metrics.RecordReferenceRefresh(r.Context(), false)
		writeError(w, NewAuthError(CodeInvalidToken, "session no longer exists", http.StatusUnauthorized))
		return
	}
	s.sessions.Touch(r.Context(), ref.SessionID)

	s.auditor.LogEvent(security.Event{
		Type:       security.EventReferenceRefreshed,
		ExternalID: ref.ExternalID,
		Login:      ref.Login,
		IPAddress:  s.clientIP(r),
	})
	s.metrics.RecordReferenceRefresh(r.Context(), true)

	writeJSON(w, http.StatusOK, map[string]string{"session_token": minted})
}

// handleLogout deletes the caller's session. It always succeeds: a
// missing, expired, or garbage reference still yields 200 so clients
// can clear local state unconditionally.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token != "" && !(s.cfg.DemoMode && token == sessions.DemoBearerToken) {
		// Expired references still identify the session to delete.
		if ref, err := s.issuer.Decode(token); err == nil {
			if err := s.sessions.Delete(r.Context(), ref.SessionID, s.clientIP(r)); err != nil {
				s.logger.Error("logout failed to delete session", "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleMe returns the authenticated user's cached profile.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, NewAuthError(CodeInvalidToken, "not authenticated", http.StatusUnauthorized))
		return
	}

	if id.Demo {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":    id.ExternalID,
			"login": id.Login,
			"name":  "Demo User",
			"demo":  true,
		})
		return
	}

	user, err := s.sessions.Profile(r.Context(), id.ExternalID)
	if err != nil {
		writeError(w, NewAuthError(CodeServerError, "profile unavailable", http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":           user.ExternalID,
		"login":        user.Login,
		"name":         user.Name,
		"email":        user.Email,
		"avatar_url":   user.AvatarURL,
		"public_repos": user.PublicRepos,
		"followers":    user.Followers,
		"last_login":   user.LastLogin.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
