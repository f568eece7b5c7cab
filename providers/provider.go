// Package providers defines the interface for OAuth identity providers.
//
// Implementations live in subpackages:
//   - providers/github: GitHub OAuth provider
//   - providers/mock: scripted provider for testing
package providers

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// ErrProfileFetch is returned when the provider's profile endpoint
// rejects an otherwise successful exchange.
var ErrProfileFetch = errors.New("profile fetch failed")

// ExchangeErrorKind classifies why an authorization-code exchange
// failed, so callers can map the failure to a user-facing outcome
// without parsing provider-specific error strings.
type ExchangeErrorKind string

const (
	// KindExpiredOrReusedCode means the code was invalid, expired, or
	// already redeemed. Codes are single use, so this is terminal.
	KindExpiredOrReusedCode ExchangeErrorKind = "expired_or_reused_code"

	// KindClientMisconfigured means the client ID or secret was
	// rejected by the provider.
	KindClientMisconfigured ExchangeErrorKind = "client_misconfigured"

	// KindRedirectMismatch means the redirect URI presented at exchange
	// did not match the one registered with the provider.
	KindRedirectMismatch ExchangeErrorKind = "redirect_mismatch"

	// KindNetworkOrUnknown covers transport failures and anything the
	// provider did not classify.
	KindNetworkOrUnknown ExchangeErrorKind = "network_or_unknown"
)

// ExchangeError is a classified authorization-code exchange failure.
type ExchangeError struct {
	Kind        ExchangeErrorKind
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	if e.Description == "" {
		return "code exchange failed: " + string(e.Kind)
	}
	return "code exchange failed: " + string(e.Kind) + ": " + e.Description
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Profile is the provider-side identity of an authenticated user.
type Profile struct {
	// ID is the provider's stable numeric identifier rendered as a
	// string. Logins can be renamed; IDs cannot.
	ID string

	// Login is the user's account name at the provider.
	Login string

	// Name is the user's display name, possibly empty.
	Name string

	// Email is the user's primary verified email, possibly empty.
	Email string

	// AvatarURL is the URL of the user's profile picture.
	AvatarURL string

	// PublicRepos is the user's public repository count.
	PublicRepos int

	// Followers is the user's follower count.
	Followers int
}

// Provider is an OAuth identity provider using the authorization-code
// flow.
type Provider interface {
	// Name returns the provider name (e.g. "github").
	Name() string

	// AuthorizationURL generates the URL to redirect users to for
	// authentication, carrying the given anti-forgery state.
	AuthorizationURL(state string) string

	// ExchangeCode exchanges an authorization code for a token. A
	// failure is always an *ExchangeError; codes are single use, so
	// implementations must not retry.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// FetchProfile retrieves the authenticated user's profile with the
	// given token. Failures wrap ErrProfileFetch.
	FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error)
}
