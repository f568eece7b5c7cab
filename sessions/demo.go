package sessions

import (
	"fmt"

	"github.com/gitboard/ghauth/security"
)

// DemoBearerToken is the fixed bearer that maps to the synthetic demo
// identity in development environments.
const DemoBearerToken = "demo"

// DemoReference is the synthetic identity behind the demo bearer.
var DemoReference = Reference{
	SessionID:  "demo-session",
	ExternalID: "0",
	Login:      "demo-user",
}

// DemoVerifier wraps a ReferenceVerifier and additionally accepts the
// fixed demo bearer. It can only be constructed for the development
// environment; production builds never see this code path.
type DemoVerifier struct {
	inner   ReferenceVerifier
	auditor *security.Auditor
}

// NewDemoVerifier creates a demo verifier. It refuses any environment
// other than "development".
func NewDemoVerifier(environment string, inner ReferenceVerifier, auditor *security.Auditor) (*DemoVerifier, error) {
	if environment != "development" {
		return nil, fmt.Errorf("demo verifier is not available in environment %q", environment)
	}
	if inner == nil {
		return nil, fmt.Errorf("inner verifier is required")
	}
	return &DemoVerifier{inner: inner, auditor: auditor}, nil
}

// Verify accepts the demo bearer, otherwise delegates to the wrapped
// verifier.
func (d *DemoVerifier) Verify(token string) (*Reference, error) {
	if token == DemoBearerToken {
		d.auditor.LogEvent(security.Event{
			Type:       security.EventDemoIdentityUsed,
			ExternalID: DemoReference.ExternalID,
			Login:      DemoReference.Login,
		})
		ref := DemoReference
		return &ref, nil
	}
	return d.inner.Verify(token)
}

var _ ReferenceVerifier = (*DemoVerifier)(nil)
