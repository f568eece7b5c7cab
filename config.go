// Package ghauth implements the authentication, session, and
// webhook-trust core of the dashboard: the GitHub OAuth login flow,
// encrypted session storage with signed session references, and
// HMAC-verified webhook intake.
package ghauth

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/gitboard/ghauth/internal/util"
	"github.com/gitboard/ghauth/security"
)

// Environments the service recognizes.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config holds the service configuration, loaded from GHAUTH_*
// environment variables.
type Config struct {
	// Environment selects fail-closed behavior. One of development,
	// staging, production.
	Environment string `env:"GHAUTH_ENVIRONMENT" envDefault:"development"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `env:"GHAUTH_LISTEN_ADDR" envDefault:":8080"`

	// PublicBaseURL is the externally visible base URL of this service,
	// used to build the OAuth callback URL.
	PublicBaseURL string `env:"GHAUTH_PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`

	// FrontendURL is the dashboard the user is sent back to after
	// login, and the default post-login destination.
	FrontendURL string `env:"GHAUTH_FRONTEND_URL" envDefault:"http://localhost:3000"`

	// RedirectAllowlist lists additional origins a login may name as
	// its post-login destination. The frontend origin is always
	// allowed.
	RedirectAllowlist []string `env:"GHAUTH_REDIRECT_ALLOWLIST" envSeparator:","`

	// MasterSecret is the base64url master secret the encryption and
	// signing keys are derived from.
	MasterSecret string `env:"GHAUTH_MASTER_SECRET"`

	// GitHubClientID and GitHubClientSecret identify the OAuth App.
	GitHubClientID     string `env:"GHAUTH_GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"GHAUTH_GITHUB_CLIENT_SECRET"`

	// WebhookSecret is the shared HMAC secret configured on the GitHub
	// webhook.
	WebhookSecret string `env:"GHAUTH_WEBHOOK_SECRET"`

	// StoragePath selects the SQLite database file. Empty selects the
	// in-memory backend.
	StoragePath string `env:"GHAUTH_STORAGE_PATH"`

	// StateTTL is the lifetime of a login state token.
	StateTTL time.Duration `env:"GHAUTH_STATE_TTL" envDefault:"10m"`

	// ReferenceTTL is the lifetime of a minted session reference.
	ReferenceTTL time.Duration `env:"GHAUTH_REFERENCE_TTL" envDefault:"168h"`

	// SessionIdleTTL is how long a session may sit without activity
	// before the background sweep deletes it.
	SessionIdleTTL time.Duration `env:"GHAUTH_SESSION_IDLE_TTL" envDefault:"720h"`

	// TrustProxyHeaders enables X-Forwarded-For / X-Real-IP parsing.
	// Only enable behind a proxy that sanitizes these headers.
	TrustProxyHeaders bool `env:"GHAUTH_TRUST_PROXY_HEADERS"`

	// TrustedProxyCount is the number of trusted proxies in front of
	// the service, used to pick the right X-Forwarded-For entry.
	TrustedProxyCount int `env:"GHAUTH_TRUSTED_PROXY_COUNT"`

	// RateLimitPerSecond and RateLimitBurst bound per-IP request rates
	// on the auth endpoints.
	RateLimitPerSecond int `env:"GHAUTH_RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst     int `env:"GHAUTH_RATE_LIMIT_BURST" envDefault:"10"`

	// RateLimitExemptLoopback skips rate limiting for loopback
	// clients. Intended for local development.
	RateLimitExemptLoopback bool `env:"GHAUTH_RATE_LIMIT_EXEMPT_LOOPBACK"`

	// AuditEnabled controls the security audit log.
	AuditEnabled bool `env:"GHAUTH_AUDIT_ENABLED" envDefault:"true"`

	// DemoMode enables the fixed demo bearer. Development only.
	DemoMode bool `env:"GHAUTH_DEMO_MODE"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// CallbackURL is the OAuth callback registered with the GitHub app.
func (c *Config) CallbackURL() string {
	return util.NormalizeOrigin(c.PublicBaseURL) + "/auth/github/callback"
}

// Validate checks the configuration, failing closed: anything that
// would silently weaken security in production is an error there.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	if c.GitHubClientID == "" || c.GitHubClientSecret == "" {
		return fmt.Errorf("github client ID and secret are required")
	}
	if c.FrontendURL == "" {
		return fmt.Errorf("frontend URL is required")
	}
	if c.StateTTL <= 0 || c.ReferenceTTL <= 0 {
		return fmt.Errorf("state and reference TTLs must be positive")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("session idle TTL must be positive")
	}

	if c.MasterSecret != "" {
		if _, err := security.SecretFromBase64(c.MasterSecret); err != nil {
			return fmt.Errorf("master secret: %w", err)
		}
	}

	if c.IsProduction() {
		if c.MasterSecret == "" {
			return fmt.Errorf("master secret is required in production")
		}
		if c.WebhookSecret == "" {
			return fmt.Errorf("webhook secret is required in production")
		}
		if c.DemoMode {
			return fmt.Errorf("demo mode is not allowed in production")
		}
		if c.RateLimitExemptLoopback {
			return fmt.Errorf("loopback rate limit exemption is not allowed in production")
		}
	}

	if c.DemoMode && c.Environment != EnvDevelopment {
		return fmt.Errorf("demo mode requires the development environment")
	}

	return nil
}

// AllowedRedirect reports whether target is an acceptable post-login
// destination: it must parse as a URL and live under the frontend
// origin or one of the allow-listed origins.
func (c *Config) AllowedRedirect(target string) bool {
	if target == "" {
		return false
	}
	if _, err := url.Parse(target); err != nil {
		return false
	}
	origins := append([]string{c.FrontendURL}, c.RedirectAllowlist...)
	for _, origin := range origins {
		normalized := util.NormalizeOrigin(origin)
		if normalized == "" {
			continue
		}
		if target == normalized || strings.HasPrefix(target, normalized+"/") || strings.HasPrefix(target, normalized+"?") {
			return true
		}
	}
	return false
}
