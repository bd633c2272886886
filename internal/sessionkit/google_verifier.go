package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

// ErrProviderVerificationFailed covers every way a Google credential can be
// rejected: invalid token, wrong audience, wrong issuer, unverified email.
var ErrProviderVerificationFailed = errors.New("google_verifier.failed")

// ExternalIdentity is the verified triple-plus extracted from a provider
// credential. Used once to resolve an account, never retained.
type ExternalIdentity struct {
	Subject     string
	Email       string
	DisplayName string
	AvatarURL   string
}

// GoogleTokenValidator abstracts idtoken validation so tests can fake the
// provider endpoint.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

type googleAPITokenValidator struct {
	validator *idtoken.Validator
}

func (wrapper *googleAPITokenValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return wrapper.validator.Validate(ctx, token, audience)
}

// NewGoogleTokenValidator builds a validator backed by Google's certs endpoint.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("google_verifier.init: %w", err)
	}
	return &googleAPITokenValidator{validator: validator}, nil
}

// GoogleVerifier exchanges an opaque Google ID token for a verified identity.
type GoogleVerifier struct {
	validator GoogleTokenValidator
	clientID  string
}

// NewGoogleVerifier binds a validator to this service's OAuth client id.
func NewGoogleVerifier(validator GoogleTokenValidator, clientID string) *GoogleVerifier {
	return &GoogleVerifier{validator: validator, clientID: clientID}
}

// Verify validates the credential against Google and our own client id.
// The audience check happens inside Validate; trust extends no further than
// a verified (subject, email, name) triple.
func (verifier *GoogleVerifier) Verify(ctx context.Context, credential string) (ExternalIdentity, error) {
	if strings.TrimSpace(credential) == "" {
		return ExternalIdentity{}, fmt.Errorf("google_verifier.verify: %w", ErrProviderVerificationFailed)
	}
	payload, validateErr := verifier.validator.Validate(ctx, credential, verifier.clientID)
	if validateErr != nil || payload == nil {
		return ExternalIdentity{}, fmt.Errorf("google_verifier.verify: %w", ErrProviderVerificationFailed)
	}

	issuerValue, okIssuer := payload.Claims["iss"].(string)
	if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
		return ExternalIdentity{}, fmt.Errorf("google_verifier.issuer: %w", ErrProviderVerificationFailed)
	}

	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	displayName, _ := payload.Claims["name"].(string)
	avatarURL, _ := payload.Claims["picture"].(string)

	if googleSub == "" || userEmail == "" || !emailVerified {
		return ExternalIdentity{}, fmt.Errorf("google_verifier.identity: %w", ErrProviderVerificationFailed)
	}

	return ExternalIdentity{
		Subject:     googleSub,
		Email:       strings.ToLower(userEmail),
		DisplayName: displayName,
		AvatarURL:   avatarURL,
	}, nil
}
