package sessionvalidator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func mintToken(t *testing.T, signingKey []byte, issuer string, tokenUse string, onboarding string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:           "user-123",
		UserEmail:        "user@example.com",
		AuthProvider:     "google",
		OnboardingStatus: onboarding,
		TokenUse:         tokenUse,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user-123",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	result, err := token.SignedString(signingKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return result
}

func newTestValidator(t *testing.T, now time.Time) *Validator {
	t.Helper()
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		CookieName: "session",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	return validator
}

func TestNewValidatorRequiresSigningKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Issuer: "issuer"})
	if err == nil || !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
}

func TestNewValidatorRequiresIssuer(t *testing.T) {
	t.Parallel()

	_, err := New(Config{SigningKey: []byte("secret")})
	if err == nil || !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestNewValidatorDefaults(t *testing.T) {
	t.Parallel()

	validator, err := New(Config{
		SigningKey: []byte("secret"),
		Issuer:     "issuer",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.cookieName != DefaultCookieName {
		t.Fatalf("expected default cookie name, got %s", validator.cookieName)
	}
	if validator.clock == nil {
		t.Fatalf("expected default clock to be set")
	}
}

func TestValidateTokenSuccess(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	tokenString := mintToken(t, []byte("secret-key"), "issuer", sessionTokenUse, "COMPLETE", now, time.Minute)
	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.GetUserID() != "user-123" || claims.GetUserEmail() != "user@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.IsOnboarded() {
		t.Fatalf("expected onboarded claims, got %+v", claims)
	}
	if claims.GetExpiresAt() != now.Add(time.Minute) {
		t.Fatalf("unexpected expiry: %v", claims.GetExpiresAt())
	}
}

func TestValidateTokenFailures(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	testCases := []struct {
		name        string
		tokenString string
		expectedErr error
	}{
		{
			name:        "empty token",
			tokenString: "",
			expectedErr: ErrMissingToken,
		},
		{
			name:        "garbage token",
			tokenString: "garbage",
			expectedErr: ErrInvalidToken,
		},
		{
			name:        "wrong signing key",
			tokenString: mintToken(t, []byte("another-key"), "issuer", sessionTokenUse, "COMPLETE", now, time.Minute),
			expectedErr: ErrInvalidToken,
		},
		{
			name:        "wrong issuer",
			tokenString: mintToken(t, []byte("secret-key"), "someone-else", sessionTokenUse, "COMPLETE", now, time.Minute),
			expectedErr: ErrInvalidIssuer,
		},
		{
			name:        "expired token",
			tokenString: mintToken(t, []byte("secret-key"), "issuer", sessionTokenUse, "COMPLETE", now.Add(-time.Hour), time.Minute),
			expectedErr: ErrTokenExpired,
		},
		{
			name:        "legacy token rejected",
			tokenString: mintToken(t, []byte("secret-key"), "issuer", "legacy", "", now, time.Minute),
			expectedErr: ErrInvalidToken,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if _, err := validator.ValidateToken(testCase.tokenString); !errors.Is(err, testCase.expectedErr) {
				t.Fatalf("expected %v, got %v", testCase.expectedErr, err)
			}
		})
	}
}

func TestValidateRequestPrefersAuthorizationHeader(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	headerToken := mintToken(t, []byte("secret-key"), "issuer", sessionTokenUse, "COMPLETE", now, time.Minute)
	expiredCookieToken := mintToken(t, []byte("secret-key"), "issuer", sessionTokenUse, "COMPLETE", now.Add(-time.Hour), time.Minute)

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("Authorization", "Bearer "+headerToken)
	request.AddCookie(&http.Cookie{Name: "session", Value: expiredCookieToken})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("expected header token to win: %v", err)
	}
	if claims.GetUserID() != "user-123" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateRequestFallsBackToCookie(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	tokenString := mintToken(t, []byte("secret-key"), "issuer", sessionTokenUse, "COMPLETE", now, time.Minute)
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.AddCookie(&http.Cookie{Name: "session", Value: tokenString})

	if _, err := validator.ValidateRequest(request); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := validator.ValidateRequest(bare); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestGinMiddlewareInjectsClaims(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	router := gin.New()
	router.GET("/protected", validator.GinMiddleware(""), func(contextGin *gin.Context) {
		stored, _ := contextGin.Get(DefaultContextKey)
		claims, _ := stored.(*Claims)
		contextGin.String(http.StatusOK, claims.GetUserID())
	})

	tokenString := mintToken(t, []byte("secret-key"), "issuer", sessionTokenUse, "COMPLETE", now, time.Minute)
	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.AddCookie(&http.Cookie{Name: "session", Value: tokenString})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK || recorder.Body.String() != "user-123" {
		t.Fatalf("expected claims-backed 200, got %d %q", recorder.Code, recorder.Body.String())
	}

	unauthenticated := httptest.NewRequest(http.MethodGet, "/protected", nil)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, unauthenticated)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", recorder.Code)
	}
}

func TestRequireOnboardedGate(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	router := gin.New()
	router.GET("/gated", validator.GinMiddleware(""), validator.RequireOnboarded(""), func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	incomplete := mintToken(t, []byte("secret-key"), "issuer", sessionTokenUse, "INCOMPLETE", now, time.Minute)
	request := httptest.NewRequest(http.MethodGet, "/gated", nil)
	request.AddCookie(&http.Cookie{Name: "session", Value: incomplete})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for incomplete onboarding, got %d", recorder.Code)
	}

	complete := mintToken(t, []byte("secret-key"), "issuer", sessionTokenUse, "COMPLETE", now, time.Minute)
	request = httptest.NewRequest(http.MethodGet, "/gated", nil)
	request.AddCookie(&http.Cookie{Name: "session", Value: complete})
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for complete onboarding, got %d", recorder.Code)
	}
}
