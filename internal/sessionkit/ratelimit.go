package sessionkit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines a token-bucket profile for an endpoint group.
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

// CredentialLimit is the default profile for credential endpoints
// (register, login, google, refresh). Tight enough to blunt brute force
// without getting in the way of a browser retrying a refresh.
var CredentialLimit = RateLimitConfig{
	RequestsPerWindow: 10,
	Window:            time.Minute,
	Burst:             10,
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ipRateLimiter struct {
	mutex         sync.Mutex
	clients       map[string]*clientLimiter
	configuration RateLimitConfig
	clock         Clock
}

// RateLimit returns a per-client-IP limiter middleware.
func RateLimit(configuration RateLimitConfig, clock Clock) gin.HandlerFunc {
	if clock == nil {
		clock = SystemClock{}
	}
	limiter := &ipRateLimiter{
		clients:       make(map[string]*clientLimiter),
		configuration: configuration,
		clock:         clock,
	}
	return func(contextGin *gin.Context) {
		if !limiter.allow(contextGin.ClientIP()) {
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		contextGin.Next()
	}
}

func (limiter *ipRateLimiter) allow(clientIP string) bool {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()

	now := limiter.clock.Now()
	limiter.evictStaleLocked(now)

	client, ok := limiter.clients[clientIP]
	if !ok {
		perSecond := rate.Limit(float64(limiter.configuration.RequestsPerWindow) / limiter.configuration.Window.Seconds())
		client = &clientLimiter{limiter: rate.NewLimiter(perSecond, limiter.configuration.Burst)}
		limiter.clients[clientIP] = client
	}
	client.lastSeen = now
	return client.limiter.Allow()
}

// evictStaleLocked drops buckets idle for three windows so the map does not
// grow with every address ever seen.
func (limiter *ipRateLimiter) evictStaleLocked(now time.Time) {
	staleAfter := 3 * limiter.configuration.Window
	for clientIP, client := range limiter.clients {
		if now.Sub(client.lastSeen) > staleAfter {
			delete(limiter.clients, clientIP)
		}
	}
}
