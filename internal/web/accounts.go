package web

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/fitsession/internal/sessionkit"
)

// DailyGoal is the default macro target assigned to every account until
// onboarding overrides it.
type DailyGoal struct {
	Calories int `json:"calories"`
	Protein  int `json:"protein"`
	Carbs    int `json:"carbs"`
	Fats     int `json:"fats"`
}

func defaultDailyGoal() DailyGoal {
	return DailyGoal{Calories: 2200, Protein: 160, Carbs: 250, Fats: 70}
}

// AccountRecord is the full account document. The session layer only ever
// sees the sessionkit.Account view; the password hash stays here.
type AccountRecord struct {
	ID               string
	Name             string
	Email            string
	Username         string
	PasswordHash     string
	AuthProvider     string
	GoogleSubject    string
	AvatarURL        string
	OnboardingStatus string
	Gender           string
	Age              int
	Weight           float64
	Height           float64
	ActivityLevel    string
	DailyGoal        DailyGoal
	Deleted          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InMemoryAccounts implements sessionkit.AccountStore for demo and local
// runs. Production deployments swap in a database-backed collaborator.
type InMemoryAccounts struct {
	mutex           sync.Mutex
	byID            map[string]*AccountRecord
	byEmail         map[string]string
	byUsername      map[string]string
	byGoogleSubject map[string]string
	hasher          *PasswordHasher
}

// NewInMemoryAccounts constructs an empty store.
func NewInMemoryAccounts() *InMemoryAccounts {
	return &InMemoryAccounts{
		byID:            make(map[string]*AccountRecord),
		byEmail:         make(map[string]string),
		byUsername:      make(map[string]string),
		byGoogleSubject: make(map[string]string),
		hasher:          NewPasswordHasher(),
	}
}

// CreateLocalAccount registers a password account. Local signup collects the
// full profile upfront, so it starts COMPLETE.
func (store *InMemoryAccounts) CreateLocalAccount(ctx context.Context, name string, email string, password string) (sessionkit.Account, error) {
	passwordHash, hashErr := store.hasher.Hash(password)
	if hashErr != nil {
		return sessionkit.Account{}, fmt.Errorf("accounts.create_local: %w", hashErr)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if _, exists := store.byEmail[normalizedEmail]; exists {
		return sessionkit.Account{}, fmt.Errorf("accounts.create_local: %w", sessionkit.ErrEmailTaken)
	}

	now := time.Now().UTC()
	record := &AccountRecord{
		ID:               uuid.NewString(),
		Name:             name,
		Email:            normalizedEmail,
		PasswordHash:     passwordHash,
		AuthProvider:     sessionkit.ProviderLocal,
		OnboardingStatus: sessionkit.OnboardingComplete,
		ActivityLevel:    "moderate",
		DailyGoal:        defaultDailyGoal(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	store.byID[record.ID] = record
	store.byEmail[normalizedEmail] = record.ID
	return record.view(), nil
}

// AuthenticateLocal verifies a password login. Unknown email, wrong
// password, soft-deleted accounts, and federated-only accounts all return
// the same ErrInvalidCredentials.
func (store *InMemoryAccounts) AuthenticateLocal(ctx context.Context, email string, password string) (sessionkit.Account, error) {
	store.mutex.Lock()
	record := store.lookupByEmailLocked(email)
	store.mutex.Unlock()

	if record == nil || record.Deleted {
		return sessionkit.Account{}, fmt.Errorf("accounts.authenticate: %w", sessionkit.ErrInvalidCredentials)
	}
	if record.PasswordHash == "" {
		// Google-only account; password login is not a thing for it.
		return sessionkit.Account{}, fmt.Errorf("accounts.authenticate: %w", sessionkit.ErrInvalidCredentials)
	}
	matches, verifyErr := store.hasher.Verify(password, record.PasswordHash)
	if verifyErr != nil || !matches {
		return sessionkit.Account{}, fmt.Errorf("accounts.authenticate: %w", sessionkit.ErrInvalidCredentials)
	}
	return record.view(), nil
}

// ResolveGoogleAccount matches by Google subject, then by email. A matching
// local account gets the identity linked onto it; no match creates a fresh
// INCOMPLETE account.
func (store *InMemoryAccounts) ResolveGoogleAccount(ctx context.Context, identity sessionkit.ExternalIdentity) (sessionkit.Account, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if recordID, ok := store.byGoogleSubject[identity.Subject]; ok {
		record := store.byID[recordID]
		if record == nil || record.Deleted {
			return sessionkit.Account{}, false, fmt.Errorf("accounts.resolve_google: %w", sessionkit.ErrAccountNotFound)
		}
		return record.view(), false, nil
	}

	if record := store.lookupByEmailLocked(identity.Email); record != nil && !record.Deleted {
		record.GoogleSubject = identity.Subject
		record.AuthProvider = sessionkit.ProviderGoogle
		if record.AvatarURL == "" {
			record.AvatarURL = identity.AvatarURL
		}
		record.UpdatedAt = time.Now().UTC()
		store.byGoogleSubject[identity.Subject] = record.ID
		return record.view(), false, nil
	}

	displayName := identity.DisplayName
	if displayName == "" {
		displayName = strings.SplitN(identity.Email, "@", 2)[0]
	}
	now := time.Now().UTC()
	record := &AccountRecord{
		ID:               uuid.NewString(),
		Name:             displayName,
		Email:            identity.Email,
		GoogleSubject:    identity.Subject,
		AvatarURL:        identity.AvatarURL,
		AuthProvider:     sessionkit.ProviderGoogle,
		OnboardingStatus: sessionkit.OnboardingIncomplete,
		ActivityLevel:    "moderate",
		DailyGoal:        defaultDailyGoal(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	store.byID[record.ID] = record
	store.byEmail[record.Email] = record.ID
	store.byGoogleSubject[identity.Subject] = record.ID
	return record.view(), true, nil
}

// GetAccount returns the session view of a live account.
func (store *InMemoryAccounts) GetAccount(ctx context.Context, userID string) (sessionkit.Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[userID]
	if record == nil || record.Deleted {
		return sessionkit.Account{}, fmt.Errorf("accounts.get: %w", sessionkit.ErrAccountNotFound)
	}
	return record.view(), nil
}

// CompleteOnboarding claims the username and fills in the profile.
func (store *InMemoryAccounts) CompleteOnboarding(ctx context.Context, userID string, profile sessionkit.OnboardingProfile) (sessionkit.Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[userID]
	if record == nil || record.Deleted {
		return sessionkit.Account{}, fmt.Errorf("accounts.onboarding: %w", sessionkit.ErrAccountNotFound)
	}

	username := strings.ToLower(strings.TrimSpace(profile.Username))
	if ownerID, taken := store.byUsername[username]; taken && ownerID != userID {
		return sessionkit.Account{}, fmt.Errorf("accounts.onboarding: %w", sessionkit.ErrUsernameTaken)
	}

	if record.Username != "" && record.Username != username {
		delete(store.byUsername, record.Username)
	}
	record.Username = username
	store.byUsername[username] = userID

	if profile.Gender != "" {
		record.Gender = profile.Gender
	}
	if profile.Age > 0 {
		record.Age = profile.Age
	}
	if profile.Weight > 0 {
		record.Weight = profile.Weight
	}
	if profile.Height > 0 {
		record.Height = profile.Height
	}
	if profile.ActivityLevel != "" {
		record.ActivityLevel = profile.ActivityLevel
	}
	record.OnboardingStatus = sessionkit.OnboardingComplete
	record.UpdatedAt = time.Now().UTC()
	return record.view(), nil
}

// UsernameAvailable reports whether the username is unclaimed.
func (store *InMemoryAccounts) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	_, taken := store.byUsername[strings.ToLower(strings.TrimSpace(username))]
	return !taken, nil
}

func (store *InMemoryAccounts) lookupByEmailLocked(email string) *AccountRecord {
	recordID, ok := store.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil
	}
	return store.byID[recordID]
}

func (record *AccountRecord) view() sessionkit.Account {
	return sessionkit.Account{
		ID:               record.ID,
		Name:             record.Name,
		Email:            record.Email,
		Username:         record.Username,
		AuthProvider:     record.AuthProvider,
		OnboardingStatus: record.OnboardingStatus,
		AvatarURL:        record.AvatarURL,
	}
}
