package sessionkit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SessionBundle is the output shape every issuance entry point produces:
// access token, legacy bearer token, and the opaque refresh token, plus the
// expiries the cookie writers need.
type SessionBundle struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	LegacyToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// SessionIssuer mints complete session bundles and owns cookie transport.
type SessionIssuer struct {
	configuration ServerConfig
	signer        *TokenSigner
	refreshTokens RefreshTokenStore
	clock         Clock
}

// NewSessionIssuer wires the issuer.
func NewSessionIssuer(configuration ServerConfig, signer *TokenSigner, refreshTokens RefreshTokenStore, clock Clock) *SessionIssuer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &SessionIssuer{
		configuration: configuration,
		signer:        signer,
		refreshTokens: refreshTokens,
		clock:         clock,
	}
}

// Issue mints a full bundle with a brand-new refresh token chain. Used by
// register, login, google, and onboarding-completion flows.
func (issuer *SessionIssuer) Issue(ctx context.Context, account Account) (SessionBundle, error) {
	bundle, mintErr := issuer.mintTokens(account)
	if mintErr != nil {
		return SessionBundle{}, mintErr
	}
	refreshExpiresAt := issuer.clock.Now().Add(issuer.configuration.RefreshTTL)
	_, refreshOpaque, createErr := issuer.refreshTokens.Create(ctx, account.ID, account.AuthProvider, refreshExpiresAt)
	if createErr != nil {
		return SessionBundle{}, fmt.Errorf("issuer.create_refresh: %w", createErr)
	}
	bundle.RefreshToken = refreshOpaque
	bundle.RefreshExpiresAt = refreshExpiresAt
	return bundle, nil
}

// Reissue mints access and legacy tokens around a refresh token the
// rotation engine already created, so the refresh flow never opens a second
// chain.
func (issuer *SessionIssuer) Reissue(account Account, refreshOpaque string, refreshExpiresAt time.Time) (SessionBundle, error) {
	bundle, mintErr := issuer.mintTokens(account)
	if mintErr != nil {
		return SessionBundle{}, mintErr
	}
	bundle.RefreshToken = refreshOpaque
	bundle.RefreshExpiresAt = refreshExpiresAt
	return bundle, nil
}

func (issuer *SessionIssuer) mintTokens(account Account) (SessionBundle, error) {
	principal := Principal{
		UserID:           account.ID,
		Email:            account.Email,
		AuthProvider:     account.AuthProvider,
		OnboardingStatus: account.OnboardingStatus,
	}
	accessToken, accessExpiresAt, accessErr := issuer.signer.MintSessionToken(principal, issuer.configuration.AccessTTL)
	if accessErr != nil {
		return SessionBundle{}, fmt.Errorf("issuer.mint_access: %w", accessErr)
	}
	legacyToken, _, legacyErr := issuer.signer.MintLegacyToken(account.ID, account.Email, issuer.configuration.LegacyTTL)
	if legacyErr != nil {
		return SessionBundle{}, fmt.Errorf("issuer.mint_legacy: %w", legacyErr)
	}
	return SessionBundle{
		AccessToken:     accessToken,
		AccessExpiresAt: accessExpiresAt,
		LegacyToken:     legacyToken,
	}, nil
}

// WriteCookies sets both HttpOnly cookies. Script-readable access to either
// token is never allowed; Secure and SameSite follow deployment config.
func (issuer *SessionIssuer) WriteCookies(contextGin *gin.Context, bundle SessionBundle) {
	configuration := issuer.configuration
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.AccessCookieName,
		Value:    bundle.AccessToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  bundle.AccessExpiresAt,
		Secure:   configuration.SecureCookies,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    bundle.RefreshToken,
		Path:     "/auth",
		Domain:   configuration.CookieDomain,
		Expires:  bundle.RefreshExpiresAt,
		Secure:   configuration.SecureCookies,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

// ClearCookies expires both cookies on logout.
func (issuer *SessionIssuer) ClearCookies(contextGin *gin.Context) {
	configuration := issuer.configuration
	for _, spec := range []struct {
		name string
		path string
	}{
		{name: configuration.AccessCookieName, path: "/"},
		{name: configuration.RefreshCookieName, path: "/auth"},
	} {
		http.SetCookie(contextGin.Writer, &http.Cookie{
			Name:     spec.name,
			Value:    "",
			Path:     spec.path,
			Domain:   configuration.CookieDomain,
			MaxAge:   -1,
			Secure:   configuration.SecureCookies,
			HttpOnly: true,
			SameSite: configuration.SameSiteMode,
		})
	}
}
