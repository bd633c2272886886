package sessionkit

import (
	"context"
	"errors"
	"time"
)

// RefreshTokenRecord is one link in a rotation chain. Records are immutable
// to callers; all mutation goes through the store operations below.
type RefreshTokenRecord struct {
	TokenHash    string
	UserID       string
	AuthProvider string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	RevokedAt    time.Time // zero while active
	ReplacedBy   string    // successor token hash, empty until rotated away
}

// Active reports whether the record is neither revoked nor expired.
func (record RefreshTokenRecord) Active(now time.Time) bool {
	return record.RevokedAt.IsZero() && now.Before(record.ExpiresAt)
}

// RefreshTokenStore is the durable record-keeper for opaque refresh tokens.
// It is the single point enforcing the one-active-token-per-chain invariant.
type RefreshTokenStore interface {
	// Create persists a new active record and returns it with its opaque value.
	// The opaque value is only ever held in memory and by the client.
	Create(ctx context.Context, userID string, authProvider string, expiresAt time.Time) (RefreshTokenRecord, string, error)
	// FindByToken resolves an opaque value to its record.
	FindByToken(ctx context.Context, tokenOpaque string) (RefreshTokenRecord, error)
	// Revoke marks the record revoked as a single conditional update: it
	// succeeds only if the record was still unrevoked, and returns
	// ErrRefreshTokenAlreadyRevoked otherwise. Rotation relies on this
	// being atomic to stay race-safe.
	Revoke(ctx context.Context, tokenOpaque string, now time.Time) error
	// RevokeAllForUser revokes every live token for the subject. Used for
	// reuse containment and logout-everywhere.
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) error
	// LinkSuccessor sets the write-once replaced-by pointer on the old record.
	LinkSuccessor(ctx context.Context, oldOpaque string, newOpaque string) error
	// PurgeExpired deletes records past expiry. Storage hygiene only;
	// correctness never depends on it.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Account is the view of an application account the session layer needs.
// Profile details beyond this stay with the account collaborator.
type Account struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	Username         string `json:"username,omitempty"`
	AuthProvider     string `json:"auth_provider"`
	OnboardingStatus string `json:"onboarding_status"`
	AvatarURL        string `json:"avatar,omitempty"`
}

// OnboardingProfile is the payload completing a Google-created account.
type OnboardingProfile struct {
	Username      string
	Gender        string
	Age           int
	Weight        float64
	Height        float64
	ActivityLevel string
}

// Account collaborator failures surfaced to the session layer.
var (
	// ErrInvalidCredentials covers unknown email, wrong password, and
	// provider conflicts alike so responses cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("accounts.invalid_credentials")
	// ErrEmailTaken indicates a registration against an existing email.
	ErrEmailTaken = errors.New("accounts.email_taken")
	// ErrUsernameTaken indicates an onboarding username collision.
	ErrUsernameTaken = errors.New("accounts.username_taken")
	// ErrAccountNotFound indicates the subject no longer resolves to a live account.
	ErrAccountNotFound = errors.New("accounts.not_found")
)

// AccountStore is the account persistence collaborator. The session layer
// never touches password hashes or profile storage directly.
type AccountStore interface {
	CreateLocalAccount(ctx context.Context, name string, email string, password string) (Account, error)
	AuthenticateLocal(ctx context.Context, email string, password string) (Account, error)
	// ResolveGoogleAccount matches by external subject id or email, linking
	// the identity onto an existing local account when needed. The boolean
	// reports whether the account was newly created.
	ResolveGoogleAccount(ctx context.Context, identity ExternalIdentity) (Account, bool, error)
	GetAccount(ctx context.Context, userID string) (Account, error)
	CompleteOnboarding(ctx context.Context, userID string, profile OnboardingProfile) (Account, error)
	UsernameAvailable(ctx context.Context, username string) (bool, error)
}
