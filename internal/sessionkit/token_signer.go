package sessionkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token verification taxonomy. HTTP handlers collapse all three into a
// uniform 401; callers may log them apart.
var (
	// ErrTokenMalformed indicates the string is not one of our signed tokens.
	ErrTokenMalformed = errors.New("token.malformed")
	// ErrTokenSignatureInvalid indicates tampering or a wrong signing key.
	ErrTokenSignatureInvalid = errors.New("token.signature_invalid")
	// ErrTokenExpired indicates a well-signed token past its expiry.
	ErrTokenExpired = errors.New("token.expired")
)

// Token kind markers embedded in the token_use claim. The two kinds share
// the signing key but are never interchangeable during verification.
const (
	tokenUseSession = "session"
	tokenUseLegacy  = "legacy"
)

// SessionClaims is the full principal snapshot carried by the short-lived
// access token.
type SessionClaims struct {
	UserID           string `json:"user_id"`
	UserEmail        string `json:"user_email"`
	AuthProvider     string `json:"auth_provider"`
	OnboardingStatus string `json:"onboarding_status"`
	TokenUse         string `json:"token_use"`
	jwt.RegisteredClaims
}

// LegacyClaims is the reduced claim set issued for bearer-header clients
// that predate cookie sessions. It deliberately omits onboarding state.
type LegacyClaims struct {
	UserID    string `json:"id"`
	UserEmail string `json:"email"`
	TokenUse  string `json:"token_use"`
	jwt.RegisteredClaims
}

// TokenSigner mints and verifies both token kinds with a process-wide
// HS256 secret. The secret is fixed at construction and never mutated.
type TokenSigner struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

var (
	errSignerMissingKey    = errors.New("token.signer.missing_signing_key")
	errSignerMissingIssuer = errors.New("token.signer.missing_issuer")
	errSignerEmptySubject  = errors.New("token.signer.empty_subject")
)

// NewTokenSigner constructs a signer after validating the configuration.
func NewTokenSigner(signingKey []byte, issuer string, clock Clock) (*TokenSigner, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("token.signer.new: %w", errSignerMissingKey)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("token.signer.new: %w", errSignerMissingIssuer)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &TokenSigner{signingKey: signingKey, issuer: issuer, clock: clock}, nil
}

// MintSessionToken signs a short-lived access token embedding the principal.
func (signer *TokenSigner) MintSessionToken(principal Principal, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(principal.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("token.mint.session: %w", errSignerEmptySubject)
	}
	issuedAt := signer.clock.Now()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID:           principal.UserID,
		UserEmail:        principal.Email,
		AuthProvider:     principal.AuthProvider,
		OnboardingStatus: principal.OnboardingStatus,
		TokenUse:         tokenUseSession,
		RegisteredClaims: signer.registeredClaims(principal.UserID, issuedAt, expiresAt),
	})
	signed, signErr := token.SignedString(signer.signingKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("token.mint.session: %w", signErr)
	}
	return signed, expiresAt, nil
}

// MintLegacyToken signs the longer-lived reduced-claims bearer token.
func (signer *TokenSigner) MintLegacyToken(userID string, userEmail string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("token.mint.legacy: %w", errSignerEmptySubject)
	}
	issuedAt := signer.clock.Now()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, LegacyClaims{
		UserID:           userID,
		UserEmail:        userEmail,
		TokenUse:         tokenUseLegacy,
		RegisteredClaims: signer.registeredClaims(userID, issuedAt, expiresAt),
	})
	signed, signErr := token.SignedString(signer.signingKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("token.mint.legacy: %w", signErr)
	}
	return signed, expiresAt, nil
}

// VerifySessionToken validates an access token and reconstructs its principal.
func (signer *TokenSigner) VerifySessionToken(tokenString string) (Principal, error) {
	claims := &SessionClaims{}
	if err := signer.parse(tokenString, claims); err != nil {
		return Principal{}, err
	}
	if claims.TokenUse != tokenUseSession || claims.UserID == "" {
		return Principal{}, fmt.Errorf("token.verify.session: %w", ErrTokenMalformed)
	}
	return Principal{
		UserID:           claims.UserID,
		Email:            claims.UserEmail,
		AuthProvider:     claims.AuthProvider,
		OnboardingStatus: claims.OnboardingStatus,
	}, nil
}

// VerifyLegacyToken validates a legacy bearer token. The returned principal
// has no onboarding state; the account gate never trusts it implicitly.
func (signer *TokenSigner) VerifyLegacyToken(tokenString string) (Principal, error) {
	claims := &LegacyClaims{}
	if err := signer.parse(tokenString, claims); err != nil {
		return Principal{}, err
	}
	if claims.TokenUse != tokenUseLegacy || claims.UserID == "" {
		return Principal{}, fmt.Errorf("token.verify.legacy: %w", ErrTokenMalformed)
	}
	return Principal{UserID: claims.UserID, Email: claims.UserEmail}, nil
}

func (signer *TokenSigner) registeredClaims(subject string, issuedAt time.Time, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    signer.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}

func (signer *TokenSigner) parse(tokenString string, claims jwt.Claims) error {
	if strings.TrimSpace(tokenString) == "" {
		return fmt.Errorf("token.verify: %w", ErrTokenMalformed)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, claims, func(parsed *jwt.Token) (interface{}, error) {
		return signer.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return signer.clock.Now()
	}))
	if parseErr != nil {
		// Signature failures outrank expiry: jwt joins both when a tampered
		// token is also past its expiry.
		switch {
		case errors.Is(parseErr, jwt.ErrTokenSignatureInvalid):
			return fmt.Errorf("token.verify: %w", ErrTokenSignatureInvalid)
		case errors.Is(parseErr, jwt.ErrTokenExpired):
			return fmt.Errorf("token.verify: %w", ErrTokenExpired)
		default:
			return fmt.Errorf("token.verify: %w", ErrTokenMalformed)
		}
	}
	if parsedToken == nil || !parsedToken.Valid {
		return fmt.Errorf("token.verify: %w", ErrTokenSignatureInvalid)
	}
	if issuer, issuerErr := claims.GetIssuer(); issuerErr != nil || issuer != signer.issuer {
		return fmt.Errorf("token.verify: %w", ErrTokenSignatureInvalid)
	}
	return nil
}
