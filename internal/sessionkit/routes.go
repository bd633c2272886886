package sessionkit

import (
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)

// AuthService owns the credential lifecycle endpoints.
type AuthService struct {
	configuration ServerConfig
	accounts      AccountStore
	refreshTokens RefreshTokenStore
	verifier      *GoogleVerifier
	signer        *TokenSigner
	rotation      *RotationEngine
	issuer        *SessionIssuer
	clock         Clock
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewAuthService wires the orchestrator. Logger and metrics may be nil.
func NewAuthService(configuration ServerConfig, accounts AccountStore, refreshTokens RefreshTokenStore, verifier *GoogleVerifier, signer *TokenSigner, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *AuthService {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &AuthService{
		configuration: configuration,
		accounts:      accounts,
		refreshTokens: refreshTokens,
		verifier:      verifier,
		signer:        signer,
		rotation:      NewRotationEngine(refreshTokens, clock, logger, metrics),
		issuer:        NewSessionIssuer(configuration, signer, refreshTokens, clock),
		clock:         clock,
		logger:        logger,
		metrics:       metrics,
	}
}

// Issuer exposes the session issuer for callers that mount extra routes.
func (service *AuthService) Issuer() *SessionIssuer {
	return service.issuer
}

// MountRoutes registers the /auth endpoints.
func (service *AuthService) MountRoutes(router gin.IRouter) {
	limited := router.Group("/auth")
	limited.Use(RateLimit(CredentialLimit, service.clock))
	limited.POST("/register", service.handleRegister)
	limited.POST("/login", service.handleLogin)
	limited.POST("/google", service.handleGoogle)
	limited.POST("/refresh", service.handleRefresh)

	router.POST("/auth/onboarding", RequireSession(service.configuration, service.signer), service.handleOnboarding)
	router.POST("/auth/logout", service.handleLogout)
	router.GET("/auth/me", RequireSession(service.configuration, service.signer), service.handleMe)
	router.GET("/auth/check-username/:username", service.handleCheckUsername)
}

func (service *AuthService) handleRegister(contextGin *gin.Context) {
	var inbound struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	inbound.Name = strings.TrimSpace(inbound.Name)
	inbound.Email = strings.ToLower(strings.TrimSpace(inbound.Email))
	if inbound.Name == "" || !strings.Contains(inbound.Email, "@") || len(inbound.Password) < 6 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_registration"})
		return
	}

	account, createErr := service.accounts.CreateLocalAccount(contextGin, inbound.Name, inbound.Email, inbound.Password)
	if createErr != nil {
		service.metrics.Increment(metricRegisterFailure)
		if errors.Is(createErr, ErrEmailTaken) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "email_exists"})
			return
		}
		service.logger.Error("account creation failed",
			zap.String("code", "auth.register.create_error"),
			zap.Error(createErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	service.metrics.Increment(metricRegisterSuccess)
	service.issueAndRespond(contextGin, http.StatusCreated, account, nil)
}

func (service *AuthService) handleLogin(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}

	account, authErr := service.accounts.AuthenticateLocal(contextGin, strings.ToLower(strings.TrimSpace(inbound.Email)), inbound.Password)
	if authErr != nil {
		service.metrics.Increment(metricLoginFailure)
		if errors.Is(authErr, ErrInvalidCredentials) {
			// One response for unknown email, wrong password, and
			// federated-only accounts; no enumeration.
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
			return
		}
		service.logger.Error("login failed",
			zap.String("code", "auth.login.store_error"),
			zap.Error(authErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	service.metrics.Increment(metricLoginSuccess)
	service.issueAndRespond(contextGin, http.StatusOK, account, nil)
}

func (service *AuthService) handleGoogle(contextGin *gin.Context) {
	var inbound struct {
		Credential string `json:"credential"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Credential) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_google_credential"})
		return
	}
	if !service.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
		return
	}

	identity, verifyErr := service.verifier.Verify(contextGin, inbound.Credential)
	if verifyErr != nil {
		service.metrics.Increment(metricGoogleFailure)
		service.logger.Warn("google credential rejected",
			zap.String("code", "auth.google.verify_failed"),
			zap.Error(verifyErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
		return
	}

	account, isNewUser, resolveErr := service.accounts.ResolveGoogleAccount(contextGin, identity)
	if resolveErr != nil {
		service.metrics.Increment(metricGoogleFailure)
		service.logger.Error("google account resolution failed",
			zap.String("code", "auth.google.resolve_error"),
			zap.Error(resolveErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	service.metrics.Increment(metricGoogleSuccess)
	service.issueAndRespond(contextGin, http.StatusOK, account, gin.H{"is_new_user": isNewUser})
}

func (service *AuthService) handleOnboarding(contextGin *gin.Context) {
	principal, found := PrincipalFromContext(contextGin)
	if !found {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var inbound struct {
		Username      string  `json:"username"`
		Gender        string  `json:"gender"`
		Age           int     `json:"age"`
		Weight        float64 `json:"weight"`
		Height        float64 `json:"height"`
		ActivityLevel string  `json:"activity_level"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	inbound.Username = strings.ToLower(strings.TrimSpace(inbound.Username))
	if !usernamePattern.MatchString(inbound.Username) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_username"})
		return
	}

	account, completeErr := service.accounts.CompleteOnboarding(contextGin, principal.UserID, OnboardingProfile{
		Username:      inbound.Username,
		Gender:        inbound.Gender,
		Age:           inbound.Age,
		Weight:        inbound.Weight,
		Height:        inbound.Height,
		ActivityLevel: inbound.ActivityLevel,
	})
	if completeErr != nil {
		service.metrics.Increment(metricOnboardingFailure)
		switch {
		case errors.Is(completeErr, ErrUsernameTaken):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username_taken"})
		case errors.Is(completeErr, ErrAccountNotFound):
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
		default:
			service.logger.Error("onboarding completion failed",
				zap.String("code", "auth.onboarding.store_error"),
				zap.String("user_id", principal.UserID),
				zap.Error(completeErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
		}
		return
	}

	// Fresh tokens immediately, so the COMPLETE state does not wait for a
	// natural refresh cycle.
	service.metrics.Increment(metricOnboardingSuccess)
	service.issueAndRespond(contextGin, http.StatusOK, account, nil)
}

func (service *AuthService) handleRefresh(contextGin *gin.Context) {
	tokenOpaque := service.readRefreshToken(contextGin)
	if tokenOpaque == "" {
		service.metrics.Increment(metricRefreshFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
		return
	}

	successor, newOpaque, rotateErr := service.rotation.Rotate(contextGin, tokenOpaque, service.configuration.RefreshTTL)
	if rotateErr != nil {
		service.metrics.Increment(metricRefreshFailure)
		// Reuse detection stays internal; the client only learns the
		// token no longer works.
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
		return
	}

	account, accountErr := service.accounts.GetAccount(contextGin, successor.UserID)
	if accountErr != nil {
		service.metrics.Increment(metricRefreshFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
		return
	}

	// Current account state goes into the new access token; a completed
	// onboarding or provider change heals here.
	bundle, reissueErr := service.issuer.Reissue(account, newOpaque, successor.ExpiresAt)
	if reissueErr != nil {
		service.logger.Error("session reissue failed",
			zap.String("code", "auth.refresh.mint_error"),
			zap.String("user_id", account.ID),
			zap.Error(reissueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	service.metrics.Increment(metricRefreshSuccess)
	service.issuer.WriteCookies(contextGin, bundle)
	contextGin.JSON(http.StatusOK, gin.H{"token": bundle.LegacyToken, "user": account})
}

func (service *AuthService) handleLogout(contextGin *gin.Context) {
	if tokenOpaque := service.readRefreshToken(contextGin); tokenOpaque != "" {
		if revokeErr := service.rotation.RevokeSingle(contextGin, tokenOpaque); revokeErr != nil && !errors.Is(revokeErr, ErrRefreshTokenNotFound) {
			service.logger.Warn("logout revocation failed",
				zap.String("code", "auth.logout.revoke_error"),
				zap.Error(revokeErr))
		}
	}
	service.metrics.Increment(metricLogoutSuccess)
	service.issuer.ClearCookies(contextGin)
	contextGin.Status(http.StatusNoContent)
}

func (service *AuthService) handleMe(contextGin *gin.Context) {
	principal, found := PrincipalFromContext(contextGin)
	if !found {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	account, accountErr := service.accounts.GetAccount(contextGin, principal.UserID)
	if accountErr != nil {
		if errors.Is(accountErr, ErrAccountNotFound) {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		service.logger.Error("profile lookup failed",
			zap.String("code", "auth.me.store_error"),
			zap.String("user_id", principal.UserID),
			zap.Error(accountErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"user": account})
}

func (service *AuthService) handleCheckUsername(contextGin *gin.Context) {
	username := strings.ToLower(strings.TrimSpace(contextGin.Param("username")))
	if !usernamePattern.MatchString(username) {
		contextGin.JSON(http.StatusOK, gin.H{"available": false})
		return
	}
	available, checkErr := service.accounts.UsernameAvailable(contextGin, username)
	if checkErr != nil {
		service.logger.Error("username check failed",
			zap.String("code", "auth.check_username.store_error"),
			zap.Error(checkErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"available": available})
}

// issueAndRespond mints a full session bundle, writes the cookies, and
// answers with the legacy bearer token plus the safe account view.
func (service *AuthService) issueAndRespond(contextGin *gin.Context, status int, account Account, extra gin.H) {
	bundle, issueErr := service.issuer.Issue(contextGin, account)
	if issueErr != nil {
		service.logger.Error("session issuance failed",
			zap.String("code", "auth.issue.error"),
			zap.String("user_id", account.ID),
			zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	service.issuer.WriteCookies(contextGin, bundle)

	payload := gin.H{"token": bundle.LegacyToken, "user": account}
	for key, value := range extra {
		payload[key] = value
	}
	contextGin.JSON(status, payload)
}

// readRefreshToken accepts the refresh token from the cookie or an explicit
// body field so non-cookie clients can refresh too.
func (service *AuthService) readRefreshToken(contextGin *gin.Context) string {
	if cookie, cookieErr := contextGin.Request.Cookie(service.configuration.RefreshCookieName); cookieErr == nil && cookie != nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value
	}
	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		return ""
	}
	return strings.TrimSpace(inbound.RefreshToken)
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
