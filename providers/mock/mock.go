// Package mock provides a scripted providers.Provider implementation
// for tests.
package mock

import (
	"context"
	"sync"

	"golang.org/x/oauth2"

	"github.com/gitboard/ghauth/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// Provider is a scripted OAuth provider. Zero value returns a default
// token and profile; set the error fields to script failures.
type Provider struct {
	mu sync.Mutex

	// NameValue overrides the provider name (default "mock").
	NameValue string

	// AuthURLPrefix is prepended to the state in AuthorizationURL
	// (default "https://mock.example/authorize?state=").
	AuthURLPrefix string

	// Token is returned by ExchangeCode when ExchangeErr is nil.
	Token *oauth2.Token

	// ExchangeErr, when set, is returned by every ExchangeCode call.
	ExchangeErr error

	// Profile is returned by FetchProfile when ProfileErr is nil.
	Profile *providers.Profile

	// ProfileErr, when set, is returned by every FetchProfile call.
	ProfileErr error

	exchangeCalls int
	profileCalls  int
	lastCode      string
}

// Name returns the scripted provider name.
func (p *Provider) Name() string {
	if p.NameValue != "" {
		return p.NameValue
	}
	return "mock"
}

// AuthorizationURL returns a fake authorization URL carrying the state.
func (p *Provider) AuthorizationURL(state string) string {
	prefix := p.AuthURLPrefix
	if prefix == "" {
		prefix = "https://mock.example/authorize?state="
	}
	return prefix + state
}

// ExchangeCode returns the scripted token or error and records the call.
func (p *Provider) ExchangeCode(_ context.Context, code string) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.exchangeCalls++
	p.lastCode = code

	if p.ExchangeErr != nil {
		return nil, p.ExchangeErr
	}
	if p.Token != nil {
		return p.Token, nil
	}
	return &oauth2.Token{AccessToken: "mock-access-token", TokenType: "Bearer"}, nil
}

// FetchProfile returns the scripted profile or error and records the call.
func (p *Provider) FetchProfile(_ context.Context, _ *oauth2.Token) (*providers.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.profileCalls++

	if p.ProfileErr != nil {
		return nil, p.ProfileErr
	}
	if p.Profile != nil {
		cp := *p.Profile
		return &cp, nil
	}
	return &providers.Profile{
		ID:    "1",
		Login: "mockuser",
		Name:  "Mock User",
		Email: "mock@example.com",
	}, nil
}

// ExchangeCalls returns how many times ExchangeCode was invoked.
func (p *Provider) ExchangeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchangeCalls
}

// ProfileCalls returns how many times FetchProfile was invoked.
func (p *Provider) ProfileCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profileCalls
}

// LastCode returns the most recent code passed to ExchangeCode.
func (p *Provider) LastCode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCode
}
