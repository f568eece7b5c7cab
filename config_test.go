package ghauth

import (
	"testing"
	"time"
)

func validConfig(env string) *Config {
	cfg := testConfig()
	cfg.Environment = env
	if env == EnvProduction {
		cfg.WebhookSecret = "wh-secret"
	}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid development", func(c *Config) {}, false},
		{"valid production", func(c *Config) {
			c.Environment = EnvProduction
			c.WebhookSecret = "wh-secret"
		}, false},
		{"unknown environment", func(c *Config) { c.Environment = "prod" }, true},
		{"missing client id", func(c *Config) { c.GitHubClientID = "" }, true},
		{"missing client secret", func(c *Config) { c.GitHubClientSecret = "" }, true},
		{"missing frontend URL", func(c *Config) { c.FrontendURL = "" }, true},
		{"zero state TTL", func(c *Config) { c.StateTTL = 0 }, true},
		{"negative reference TTL", func(c *Config) { c.ReferenceTTL = -time.Hour }, true},
		{"zero session idle TTL", func(c *Config) { c.SessionIdleTTL = 0 }, true},
		{"malformed master secret", func(c *Config) { c.MasterSecret = "not base64!!" }, true},
		{"short master secret", func(c *Config) { c.MasterSecret = "c2hvcnQ=" }, true},
		{"production without master secret", func(c *Config) {
			c.Environment = EnvProduction
			c.WebhookSecret = "wh-secret"
			c.MasterSecret = ""
		}, true},
		{"production without webhook secret", func(c *Config) {
			c.Environment = EnvProduction
		}, true},
		{"production with demo mode", func(c *Config) {
			c.Environment = EnvProduction
			c.WebhookSecret = "wh-secret"
			c.DemoMode = true
		}, true},
		{"production with loopback exemption", func(c *Config) {
			c.Environment = EnvProduction
			c.WebhookSecret = "wh-secret"
			c.RateLimitExemptLoopback = true
		}, true},
		{"demo mode in staging", func(c *Config) {
			c.Environment = EnvStaging
			c.DemoMode = true
		}, true},
		{"demo mode in development", func(c *Config) { c.DemoMode = true }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCallbackURL(t *testing.T) {
	cfg := validConfig(EnvDevelopment)
	cfg.PublicBaseURL = "https://auth.example.com/"

	if got, want := cfg.CallbackURL(), "https://auth.example.com/auth/github/callback"; got != want {
		t.Errorf("CallbackURL() = %q, want %q", got, want)
	}
}

func TestAllowedRedirect(t *testing.T) {
	cfg := validConfig(EnvDevelopment)
	cfg.FrontendURL = "http://localhost:3000"
	cfg.RedirectAllowlist = []string{"https://dash.example.com/"}

	tests := []struct {
		target string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"http://localhost:3000/dashboard", true},
		{"http://localhost:3000?tab=repos", true},
		{"https://dash.example.com/settings", true},
		{"http://localhost:3000.evil.example/", false},
		{"http://localhost:30001/dashboard", false},
		{"https://evil.example/phish", false},
		{"http://localhost:3000/%zz", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			if got := cfg.AllowedRedirect(tt.target); got != tt.want {
				t.Errorf("AllowedRedirect(%q) = %v, want %v", tt.target, got, tt.want)
			}
		})
	}
}
