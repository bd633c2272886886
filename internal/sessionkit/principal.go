package sessionkit

import "github.com/gin-gonic/gin"

// Auth provider labels carried in account records and session claims.
const (
	ProviderLocal  = "local"
	ProviderGoogle = "google"
)

// Onboarding states. Accounts created through Google Sign-In start
// INCOMPLETE until the onboarding flow finishes; local registration
// collects the full profile upfront and starts COMPLETE.
const (
	OnboardingIncomplete = "INCOMPLETE"
	OnboardingComplete   = "COMPLETE"
)

// PrincipalContextKey is where RequireSession stores the resolved principal.
const PrincipalContextKey = "session_principal"

// Principal is the authenticated identity reconstructed per request from a
// verified access token. It is never persisted.
type Principal struct {
	UserID           string
	Email            string
	AuthProvider     string
	OnboardingStatus string
}

// PrincipalFromContext returns the principal injected by RequireSession.
func PrincipalFromContext(contextGin *gin.Context) (Principal, bool) {
	value, found := contextGin.Get(PrincipalContextKey)
	if !found {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	if !ok {
		return Principal{}, false
	}
	return principal, ok
}
