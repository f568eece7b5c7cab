package sessions

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultReferenceTTL is how long a minted session reference stays
// valid before the client must refresh it.
const DefaultReferenceTTL = 7 * 24 * time.Hour

// Reference verification failures. Expiry and signature failure are
// kept distinct so the bearer middleware can tell clients whether a
// refresh is worth attempting.
var (
	// ErrReferenceExpired means the reference was authentic but past
	// its expiry. The underlying session may still be live.
	ErrReferenceExpired = errors.New("session reference expired")

	// ErrReferenceInvalid means the reference was malformed, tampered
	// with, or signed with a different key.
	ErrReferenceInvalid = errors.New("session reference invalid")
)

// Reference is the verified content of a session reference.
type Reference struct {
	SessionID  string
	ExternalID string
	Login      string
	ExpiresAt  time.Time
}

// ReferenceVerifier verifies bearer session references. The production
// implementation is *Issuer; development builds may wrap it with a
// DemoVerifier.
type ReferenceVerifier interface {
	Verify(token string) (*Reference, error)
}

type referenceClaims struct {
	SessionID string `json:"sid"`
	Login     string `json:"login"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies HMAC-signed session references. The
// signing key is dedicated to this purpose and never shared with the
// token encryption path.
type Issuer struct {
	signingKey []byte
	ttl        time.Duration
}

// NewIssuer creates a reference issuer. A non-positive ttl selects
// DefaultReferenceTTL.
func NewIssuer(signingKey []byte, ttl time.Duration) (*Issuer, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	if ttl <= 0 {
		ttl = DefaultReferenceTTL
	}
	return &Issuer{signingKey: signingKey, ttl: ttl}, nil
}

// Mint produces a signed reference for a session.
func (i *Issuer) Mint(sessionID, externalID, login string) (string, error) {
	now := time.Now()
	claims := referenceClaims{
		SessionID: sessionID,
		Login:     login,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   externalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign reference: %w", err)
	}
	return signed, nil
}

// Verify checks a reference's signature and expiry.
func (i *Issuer) Verify(token string) (*Reference, error) {
	claims, err := i.parse(token, true)
	if err != nil {
		return nil, err
	}
	return claimsToReference(claims), nil
}

// Decode verifies a reference's signature and returns its claims,
// ignoring expiry. It mints nothing; use it where the reference only
// needs to identify its session, not authorize a request.
func (i *Issuer) Decode(token string) (*Reference, error) {
	claims, err := i.parse(token, false)
	if err != nil {
		return nil, err
	}
	return claimsToReference(claims), nil
}

// Refresh mints a fresh reference from one whose signature still
// verifies, ignoring expiry. The session itself is not consulted;
// callers must check it is still live before accepting the result.
func (i *Issuer) Refresh(token string) (string, *Reference, error) {
	ref, err := i.Decode(token)
	if err != nil {
		return "", nil, err
	}

	minted, err := i.Mint(ref.SessionID, ref.ExternalID, ref.Login)
	if err != nil {
		return "", nil, err
	}
	return minted, ref, nil
}

func (i *Issuer) parse(token string, validateExpiry bool) (*referenceClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if !validateExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &referenceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrReferenceExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrReferenceInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrReferenceInvalid
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing session claims", ErrReferenceInvalid)
	}
	return claims, nil
}

func claimsToReference(claims *referenceClaims) *Reference {
	ref := &Reference{
		SessionID:  claims.SessionID,
		ExternalID: claims.Subject,
		Login:      claims.Login,
	}
	if claims.ExpiresAt != nil {
		ref.ExpiresAt = claims.ExpiresAt.Time
	}
	return ref
}

var _ ReferenceVerifier = (*Issuer)(nil)
