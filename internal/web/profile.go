package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/fitsession/internal/sessionkit"
	"go.uber.org/zap"
)

// ProfileView is the full profile payload returned to the authenticated
// owner. It never carries the password hash.
type ProfileView struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	Username         string    `json:"username"`
	AuthProvider     string    `json:"auth_provider"`
	OnboardingStatus string    `json:"onboarding_status"`
	AvatarURL        string    `json:"avatar_url"`
	Gender           string    `json:"gender"`
	Age              int       `json:"age"`
	Weight           float64   `json:"weight"`
	Height           float64   `json:"height"`
	ActivityLevel    string    `json:"activity_level"`
	DailyGoal        DailyGoal `json:"daily_goal"`
}

// GetProfile returns the owner view of a live account.
func (store *InMemoryAccounts) GetProfile(ctx context.Context, userID string) (ProfileView, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[userID]
	if record == nil || record.Deleted {
		return ProfileView{}, fmt.Errorf("accounts.profile: %w", sessionkit.ErrAccountNotFound)
	}
	return ProfileView{
		ID:               record.ID,
		Name:             record.Name,
		Email:            record.Email,
		Username:         record.Username,
		AuthProvider:     record.AuthProvider,
		OnboardingStatus: record.OnboardingStatus,
		AvatarURL:        record.AvatarURL,
		Gender:           record.Gender,
		Age:              record.Age,
		Weight:           record.Weight,
		Height:           record.Height,
		ActivityLevel:    record.ActivityLevel,
		DailyGoal:        record.DailyGoal,
	}, nil
}

// ProfileStore resolves full profiles for authenticated subjects.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (ProfileView, error)
}

// HandleProfile serves the authenticated user's full profile. It sits behind
// both the session middleware and the onboarding gate.
func HandleProfile(logger *zap.Logger, profiles ProfileStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if profiles == nil {
		panic("profile store is required")
	}

	return func(contextGin *gin.Context) {
		principal, found := sessionkit.PrincipalFromContext(contextGin)
		if !found {
			logger.Warn("missing principal on context",
				zap.String("code", "api.profile.missing_principal"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		profile, profileErr := profiles.GetProfile(contextGin, principal.UserID)
		if profileErr != nil {
			logger.Warn("profile lookup failed",
				zap.String("code", "api.profile.lookup_failed"),
				zap.String("user_id", principal.UserID),
				zap.Error(profileErr))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{"profile": profile})
	}
}
