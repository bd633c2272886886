package sessionkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// extractAccessToken pulls the credential from the Authorization header
// first, then the access cookie. Exactly one source is consulted; the
// header wins so pre-cookie bearer clients keep working.
func extractAccessToken(request *http.Request, cookieName string) string {
	authHeader := request.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	cookie, cookieErr := request.Cookie(cookieName)
	if cookieErr != nil || cookie == nil {
		return ""
	}
	return cookie.Value
}

// RequireSession resolves the request to an authenticated principal and
// injects it into the gin context. Session tokens and legacy bearer tokens
// are both accepted; every verification failure collapses to a uniform 401.
func RequireSession(configuration ServerConfig, signer *TokenSigner) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		tokenString := extractAccessToken(contextGin.Request, configuration.AccessCookieName)
		if tokenString == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		principal, sessionErr := signer.VerifySessionToken(tokenString)
		if sessionErr != nil {
			legacyPrincipal, legacyErr := signer.VerifyLegacyToken(tokenString)
			if legacyErr != nil {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
				return
			}
			principal = legacyPrincipal
		}
		contextGin.Set(PrincipalContextKey, principal)
		contextGin.Next()
	}
}

// RequireOnboarded blocks INCOMPLETE principals from onboarding-gated
// routes. Must run after RequireSession. The caller is authenticated, so
// this is a distinct 403 with a machine-readable code, never a 401.
//
// Legacy bearer tokens carry no onboarding claim, so a legacy principal
// passes this gate; routes serving legacy clients that need the gate must
// resolve current account state themselves.
func RequireOnboarded() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		principal, found := PrincipalFromContext(contextGin)
		if !found {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if principal.OnboardingStatus == OnboardingIncomplete {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":             "onboarding_incomplete",
				"code":              "ONBOARDING_REQUIRED",
				"onboarding_status": OnboardingIncomplete,
			})
			return
		}
		contextGin.Next()
	}
}
