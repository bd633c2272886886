package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/fitsession/internal/sessionkit"
	"github.com/tyemirov/fitsession/internal/sessionpg"
	"github.com/tyemirov/fitsession/internal/web"
	webassets "github.com/tyemirov/fitsession/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (sessionkit.GoogleTokenValidator, error) {
	return sessionkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "fitsession",
		Short:   "Session service with password and Google sign-in, JWT access tokens, and rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access and legacy JWTs")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("legacy_ttl", 7*24*time.Hour, "Legacy bearer token TTL")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL for refresh tokens (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("cookie_domain", rootCmd.Flags().Lookup("cookie_domain"))
	_ = viper.BindPFlag("google_web_client_id", rootCmd.Flags().Lookup("google_web_client_id"))
	_ = viper.BindPFlag("jwt_signing_key", rootCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("access_ttl", rootCmd.Flags().Lookup("access_ttl"))
	_ = viper.BindPFlag("refresh_ttl", rootCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("legacy_ttl", rootCmd.Flags().Lookup("legacy_ttl"))
	_ = viper.BindPFlag("dev_insecure_http", rootCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	accessCookieName  = "fit_access"
	refreshCookieName = "fit_refresh"
	tokenIssuerName   = "fitsession"

	configCodeMissingGoogleClientID   = "config.missing_google_web_client_id"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidLegacyTTL        = "config.invalid_legacy_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (sessionkit.ServerConfig, error) {
	googleWebClientID := viper.GetString("google_web_client_id")
	if googleWebClientID == "" {
		return sessionkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_web_client_id must be provided")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return sessionkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return sessionkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return sessionkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	legacyTTL := viper.GetDuration("legacy_ttl")
	if legacyTTL <= 0 {
		return sessionkit.ServerConfig{}, configError(configCodeInvalidLegacyTTL, "legacy_ttl must be greater than zero")
	}

	return sessionkit.ServerConfig{
		GoogleWebClientID: googleWebClientID,
		SigningKey:        []byte(jwtSigningKey),
		TokenIssuer:       tokenIssuerName,
		CookieDomain:      viper.GetString("cookie_domain"),
		AccessCookieName:  accessCookieName,
		RefreshCookieName: refreshCookieName,
		AccessTTL:         accessTTL,
		RefreshTTL:        refreshTTL,
		LegacyTTL:         legacyTTL,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(sessionkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/static/auth-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStatic(contextGin, webassets.FS, "auth-client.js", "application/javascript; charset=utf-8")
	})

	router.GET("/demo/config.js", func(contextGin *gin.Context) {
		web.ServeDemoConfig(contextGin, web.DemoConfig{
			GoogleClientID: serverConfig.GoogleWebClientID,
		})
	})

	router.GET("/demo", func(contextGin *gin.Context) {
		web.ServeEmbeddedStatic(contextGin, webassets.FS, "demo.html", "text/html; charset=utf-8")
	})

	accountStore := web.NewInMemoryAccounts()
	refreshStore, storeErr := buildRefreshStore(context.Background(), databaseURL, logger)
	if storeErr != nil {
		return storeErr
	}

	serverConfig.AllowInsecureHTTP = devInsecureHTTP
	serverConfig.SecureCookies = !devInsecureHTTP
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	validator, validatorErr := buildGoogleTokenValidator(command.Context())
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}
	verifier := sessionkit.NewGoogleVerifier(validator, serverConfig.GoogleWebClientID)

	signer, signerErr := sessionkit.NewTokenSigner(serverConfig.SigningKey, serverConfig.TokenIssuer, sessionkit.SystemClock{})
	if signerErr != nil {
		return signerErr
	}

	metricsRecorder := sessionkit.NewCounterMetrics()
	authService := sessionkit.NewAuthService(serverConfig, accountStore, refreshStore, verifier, signer, sessionkit.SystemClock{}, logger, metricsRecorder)
	authService.MountRoutes(router)

	protected := router.Group("/api")
	protected.Use(sessionkit.RequireSession(serverConfig, signer))
	protected.GET("/profile", sessionkit.RequireOnboarded(), web.HandleProfile(logger, accountStore))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go sweepExpiredRefreshTokens(shutdownCtx, refreshStore, logger)

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// buildRefreshStore selects the refresh token backend from the database URL:
// empty means in-memory, postgres schemes go through the pgx store, anything
// else through the GORM store.
func buildRefreshStore(ctx context.Context, databaseURL string, logger *zap.Logger) (sessionkit.RefreshTokenStore, error) {
	if databaseURL == "" {
		logger.Info("using in-memory refresh token store")
		return sessionkit.NewMemoryRefreshTokenStore(sessionkit.SystemClock{}), nil
	}
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		pool, poolErr := sessionpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, fmt.Errorf("refresh_store.pool: %w", poolErr)
		}
		if schemaErr := sessionpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, fmt.Errorf("refresh_store.schema: %w", schemaErr)
		}
		logger.Info("using postgres refresh token store")
		return sessionpg.NewPostgresRefreshTokenStore(pool, sessionkit.SystemClock{}), nil
	}
	persistentStore, storeErr := sessionkit.NewDatabaseRefreshTokenStore(ctx, databaseURL, sessionkit.SystemClock{})
	if storeErr != nil {
		return nil, storeErr
	}
	logger.Info("using persistent refresh token store", zap.String("driver", persistentStore.Driver()))
	return persistentStore, nil
}

// sweepExpiredRefreshTokens ages out long-dead refresh records. Storage
// hygiene only; revoked and expired records are already inert.
func sweepExpiredRefreshTokens(ctx context.Context, store sessionkit.RefreshTokenStore, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, purgeErr := store.PurgeExpired(ctx, time.Now().UTC())
			if purgeErr != nil {
				logger.Warn("refresh token sweep failed",
					zap.String("code", "sweep.purge_error"),
					zap.Error(purgeErr))
				continue
			}
			if purged > 0 {
				logger.Info("purged expired refresh tokens", zap.Int64("count", purged))
			}
		}
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
