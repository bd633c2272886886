package sessionkit

import (
	"net/http"
	"time"
)

// ServerConfig configures signing, cookies, and token lifetimes.
type ServerConfig struct {
	GoogleWebClientID string
	SigningKey        []byte
	TokenIssuer       string
	CookieDomain      string
	AccessCookieName  string
	RefreshCookieName string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	LegacyTTL         time.Duration
	SameSiteMode      http.SameSite
	SecureCookies     bool
	AllowInsecureHTTP bool
}
