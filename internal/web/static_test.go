package web

import (
	"embed"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

var emptyFS embed.FS

func TestSanitizeOrigins(t *testing.T) {
	t.Parallel()

	logger := zaptest.NewLogger(t)

	testCases := []struct {
		name        string
		origins     []string
		expected    []string
		expectedErr error
	}{
		{
			name:        "empty list rejected",
			origins:     nil,
			expectedErr: errEmptyAllowedOrigins,
		},
		{
			name:        "wildcard rejected",
			origins:     []string{"https://app.example.com", "*"},
			expectedErr: errWildcardOrigin,
		},
		{
			name:        "path segment rejected",
			origins:     []string{"https://app.example.com/callback"},
			expectedErr: errInvalidOrigin,
		},
		{
			name:        "unsupported scheme rejected",
			origins:     []string{"ftp://app.example.com"},
			expectedErr: errInvalidOrigin,
		},
		{
			name:        "missing scheme rejected",
			origins:     []string{"app.example.com"},
			expectedErr: errInvalidOrigin,
		},
		{
			name:     "duplicates collapse and normalize",
			origins:  []string{"HTTPS://app.example.com", "https://app.example.com", " https://app.example.com "},
			expected: []string{"https://app.example.com"},
		},
		{
			name:     "local http allowed for development",
			origins:  []string{"http://localhost:3000", "https://app.example.com"},
			expected: []string{"http://localhost:3000", "https://app.example.com"},
		},
		{
			name:        "blank entries alone rejected",
			origins:     []string{"", "   "},
			expectedErr: errEmptyAllowedOrigins,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			sanitized, err := sanitizeOrigins(logger, testCase.origins)
			if testCase.expectedErr != nil {
				if !errors.Is(err, testCase.expectedErr) {
					t.Fatalf("expected %v, got %v", testCase.expectedErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(sanitized, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, sanitized)
			}
		})
	}
}

func TestConfigureCORSAllowsConfiguredOrigin(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"https://app.example.com"})
	if err != nil {
		t.Fatalf("cors setup failed: %v", err)
	}

	router := gin.New()
	router.Use(middleware)
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	request.Header.Set("Origin", "https://app.example.com")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if allowed := recorder.Header().Get("Access-Control-Allow-Origin"); allowed != "https://app.example.com" {
		t.Fatalf("expected allow-origin header, got %q", allowed)
	}
	if credentials := recorder.Header().Get("Access-Control-Allow-Credentials"); credentials != "true" {
		t.Fatalf("expected credentials header, got %q", credentials)
	}
}

func TestServeEmbeddedStaticMissingAssetIs404(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/static/missing.js", func(contextGin *gin.Context) {
		ServeEmbeddedStatic(contextGin, emptyFS, "missing.js", "application/javascript")
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/static/missing.js", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}
