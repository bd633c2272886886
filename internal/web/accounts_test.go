package web

import (
	"context"
	"errors"
	"testing"

	"github.com/tyemirov/fitsession/internal/sessionkit"
)

func TestCreateLocalAccountAndAuthenticate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryAccounts()

	account, createErr := store.CreateLocalAccount(ctx, "Local User", "Local@Example.com", "password123")
	if createErr != nil {
		t.Fatalf("create failed: %v", createErr)
	}
	if account.ID == "" {
		t.Fatal("account must get an id")
	}
	if account.Email != "local@example.com" {
		t.Fatalf("email must be normalized, got %q", account.Email)
	}
	if account.AuthProvider != sessionkit.ProviderLocal {
		t.Fatalf("unexpected provider: %q", account.AuthProvider)
	}
	if account.OnboardingStatus != sessionkit.OnboardingComplete {
		t.Fatalf("local signup collects the profile upfront, expected COMPLETE, got %q", account.OnboardingStatus)
	}

	if _, err := store.CreateLocalAccount(ctx, "Other", "local@example.com", "password456"); !errors.Is(err, sessionkit.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	authenticated, authErr := store.AuthenticateLocal(ctx, "local@example.com", "password123")
	if authErr != nil {
		t.Fatalf("authenticate failed: %v", authErr)
	}
	if authenticated.ID != account.ID {
		t.Fatalf("expected account %q, got %q", account.ID, authenticated.ID)
	}

	for name, attempt := range map[string]func() error{
		"wrong password": func() error {
			_, err := store.AuthenticateLocal(ctx, "local@example.com", "wrong")
			return err
		},
		"unknown email": func() error {
			_, err := store.AuthenticateLocal(ctx, "nobody@example.com", "password123")
			return err
		},
	} {
		if err := attempt(); !errors.Is(err, sessionkit.ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", name, err)
		}
	}
}

func TestResolveGoogleAccountCreatesAndLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryAccounts()

	identity := sessionkit.ExternalIdentity{
		Subject:     "google-sub-1",
		Email:       "fresh@example.com",
		DisplayName: "Fresh Person",
		AvatarURL:   "https://example.com/avatar.png",
	}

	created, isNew, resolveErr := store.ResolveGoogleAccount(ctx, identity)
	if resolveErr != nil {
		t.Fatalf("resolve failed: %v", resolveErr)
	}
	if !isNew {
		t.Fatal("first resolution must create an account")
	}
	if created.OnboardingStatus != sessionkit.OnboardingIncomplete {
		t.Fatalf("google-created account must start INCOMPLETE, got %q", created.OnboardingStatus)
	}
	if created.AuthProvider != sessionkit.ProviderGoogle {
		t.Fatalf("unexpected provider: %q", created.AuthProvider)
	}

	again, isNewAgain, againErr := store.ResolveGoogleAccount(ctx, identity)
	if againErr != nil || isNewAgain {
		t.Fatalf("second resolution must match by subject: %v %v", againErr, isNewAgain)
	}
	if again.ID != created.ID {
		t.Fatalf("expected account %q, got %q", created.ID, again.ID)
	}

	// Google-only accounts cannot log in with a password.
	if _, err := store.AuthenticateLocal(ctx, "fresh@example.com", "anything"); !errors.Is(err, sessionkit.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for google-only account, got %v", err)
	}
}

func TestResolveGoogleAccountLinksExistingLocalAccount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryAccounts()

	local, _ := store.CreateLocalAccount(ctx, "Existing", "existing@example.com", "password123")

	linked, isNew, resolveErr := store.ResolveGoogleAccount(ctx, sessionkit.ExternalIdentity{
		Subject: "google-sub-2",
		Email:   "existing@example.com",
	})
	if resolveErr != nil {
		t.Fatalf("resolve failed: %v", resolveErr)
	}
	if isNew {
		t.Fatal("email match must link, not create")
	}
	if linked.ID != local.ID {
		t.Fatalf("expected linked account %q, got %q", local.ID, linked.ID)
	}

	// Subsequent resolutions go through the subject index.
	bySubject, _, _ := store.ResolveGoogleAccount(ctx, sessionkit.ExternalIdentity{
		Subject: "google-sub-2",
		Email:   "changed@example.com",
	})
	if bySubject.ID != local.ID {
		t.Fatalf("subject match must win over email, got %q", bySubject.ID)
	}

	// The original password still works after linking.
	if _, err := store.AuthenticateLocal(ctx, "existing@example.com", "password123"); err != nil {
		t.Fatalf("linked account must keep its password: %v", err)
	}
}

func TestResolveGoogleAccountFallsBackToEmailLocalPart(t *testing.T) {
	t.Parallel()

	store := NewInMemoryAccounts()
	created, _, err := store.ResolveGoogleAccount(context.Background(), sessionkit.ExternalIdentity{
		Subject: "google-sub-3",
		Email:   "nameless@example.com",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if created.Name != "nameless" {
		t.Fatalf("expected name from email local part, got %q", created.Name)
	}
}

func TestCompleteOnboardingClaimsUsername(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryAccounts()

	first, _, _ := store.ResolveGoogleAccount(ctx, sessionkit.ExternalIdentity{Subject: "sub-a", Email: "a@example.com"})
	second, _, _ := store.ResolveGoogleAccount(ctx, sessionkit.ExternalIdentity{Subject: "sub-b", Email: "b@example.com"})

	completed, completeErr := store.CompleteOnboarding(ctx, first.ID, sessionkit.OnboardingProfile{
		Username: "First_User",
		Gender:   "male",
		Age:      28,
		Weight:   80,
		Height:   180,
	})
	if completeErr != nil {
		t.Fatalf("onboarding failed: %v", completeErr)
	}
	if completed.Username != "first_user" {
		t.Fatalf("username must be lowercased, got %q", completed.Username)
	}
	if completed.OnboardingStatus != sessionkit.OnboardingComplete {
		t.Fatalf("expected COMPLETE, got %q", completed.OnboardingStatus)
	}

	if _, err := store.CompleteOnboarding(ctx, second.ID, sessionkit.OnboardingProfile{Username: "first_user"}); !errors.Is(err, sessionkit.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}

	// Re-running onboarding with the same username is allowed for the owner.
	if _, err := store.CompleteOnboarding(ctx, first.ID, sessionkit.OnboardingProfile{Username: "first_user"}); err != nil {
		t.Fatalf("owner must be able to keep its username: %v", err)
	}

	available, _ := store.UsernameAvailable(ctx, "first_user")
	if available {
		t.Fatal("claimed username must be unavailable")
	}
	available, _ = store.UsernameAvailable(ctx, "someone_else")
	if !available {
		t.Fatal("unclaimed username must be available")
	}

	if _, err := store.CompleteOnboarding(ctx, "missing-id", sessionkit.OnboardingProfile{Username: "ghost"}); !errors.Is(err, sessionkit.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestGetProfileIncludesOnboardingFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryAccounts()

	account, _ := store.CreateLocalAccount(ctx, "Profiled", "profiled@example.com", "password123")
	if _, err := store.CompleteOnboarding(ctx, account.ID, sessionkit.OnboardingProfile{
		Username:      "profiled_user",
		Gender:        "female",
		Age:           35,
		Weight:        62.5,
		Height:        168,
		ActivityLevel: "high",
	}); err != nil {
		t.Fatalf("onboarding failed: %v", err)
	}

	profile, profileErr := store.GetProfile(ctx, account.ID)
	if profileErr != nil {
		t.Fatalf("profile lookup failed: %v", profileErr)
	}
	if profile.Username != "profiled_user" || profile.Age != 35 || profile.ActivityLevel != "high" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.DailyGoal != defaultDailyGoal() {
		t.Fatalf("expected default daily goal, got %+v", profile.DailyGoal)
	}

	if _, err := store.GetProfile(ctx, "missing"); !errors.Is(err, sessionkit.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestGetAccountHidesDeletedAccounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryAccounts()

	account, _ := store.CreateLocalAccount(ctx, "Gone", "gone@example.com", "password123")

	store.mutex.Lock()
	store.byID[account.ID].Deleted = true
	store.mutex.Unlock()

	if _, err := store.GetAccount(ctx, account.ID); !errors.Is(err, sessionkit.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound for deleted account, got %v", err)
	}
	if _, err := store.AuthenticateLocal(ctx, "gone@example.com", "password123"); !errors.Is(err, sessionkit.ErrInvalidCredentials) {
		t.Fatalf("deleted account login must read as invalid credentials, got %v", err)
	}
}
