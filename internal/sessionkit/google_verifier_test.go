package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/api/idtoken"
)

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, fmt.Errorf("audience mismatch: want %q got %q", result.expectedAudience, audience)
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.payload, nil
}

func googlePayload(overrides map[string]interface{}) *idtoken.Payload {
	claims := map[string]interface{}{
		"iss":            "https://accounts.google.com",
		"sub":            "google-sub-1",
		"email":          "Person@Example.com",
		"email_verified": true,
		"name":           "Google Person",
		"picture":        "https://example.com/avatar.png",
	}
	for key, value := range overrides {
		claims[key] = value
	}
	return &idtoken.Payload{Claims: claims}
}

func TestGoogleVerifierAcceptsValidCredential(t *testing.T) {
	t.Parallel()

	verifier := NewGoogleVerifier(&fakeGoogleValidator{results: map[string]validatorResult{
		"good": {payload: googlePayload(nil), expectedAudience: "client-id"},
	}}, "client-id")

	identity, err := verifier.Verify(context.Background(), "good")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if identity.Subject != "google-sub-1" {
		t.Fatalf("unexpected subject: %q", identity.Subject)
	}
	if identity.Email != "person@example.com" {
		t.Fatalf("email must be lowercased, got %q", identity.Email)
	}
	if identity.DisplayName != "Google Person" || identity.AvatarURL == "" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestGoogleVerifierRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		credential string
		results    map[string]validatorResult
	}{
		{
			name:       "empty credential",
			credential: "  ",
			results:    map[string]validatorResult{},
		},
		{
			name:       "provider rejects token",
			credential: "rejected",
			results: map[string]validatorResult{
				"rejected": {err: errors.New("invalid signature")},
			},
		},
		{
			name:       "audience mismatch",
			credential: "other-audience",
			results: map[string]validatorResult{
				"other-audience": {payload: googlePayload(nil), expectedAudience: "someone-else"},
			},
		},
		{
			name:       "wrong issuer",
			credential: "bad-issuer",
			results: map[string]validatorResult{
				"bad-issuer": {payload: googlePayload(map[string]interface{}{"iss": "https://evil.example.com"})},
			},
		},
		{
			name:       "unverified email",
			credential: "unverified",
			results: map[string]validatorResult{
				"unverified": {payload: googlePayload(map[string]interface{}{"email_verified": false})},
			},
		},
		{
			name:       "missing subject",
			credential: "no-sub",
			results: map[string]validatorResult{
				"no-sub": {payload: googlePayload(map[string]interface{}{"sub": ""})},
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			verifier := NewGoogleVerifier(&fakeGoogleValidator{results: testCase.results}, "client-id")
			if _, err := verifier.Verify(context.Background(), testCase.credential); !errors.Is(err, ErrProviderVerificationFailed) {
				t.Fatalf("expected ErrProviderVerificationFailed, got %v", err)
			}
		})
	}
}

func TestGoogleVerifierAcceptsLegacyIssuerForm(t *testing.T) {
	t.Parallel()

	verifier := NewGoogleVerifier(&fakeGoogleValidator{results: map[string]validatorResult{
		"legacy-iss": {payload: googlePayload(map[string]interface{}{"iss": "accounts.google.com"})},
	}}, "client-id")

	if _, err := verifier.Verify(context.Background(), "legacy-iss"); err != nil {
		t.Fatalf("issuer without scheme must be accepted: %v", err)
	}
}
