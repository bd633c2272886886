package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("refresh_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("refresh_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("refresh_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("refresh_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("refresh_store.unsupported_no_scheme")
)

// DatabaseRefreshTokenStore persists rotation chains through GORM, selecting
// sqlite or postgres from the database URL scheme.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	clock       Clock
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

type refreshTokenRow struct {
	TokenHash     string `gorm:"column:token_hash;primaryKey"`
	UserID        string `gorm:"column:user_id;index;not null"`
	AuthProvider  string `gorm:"column:auth_provider;not null;default:''"`
	IssuedAtUnix  int64  `gorm:"column:issued_at_unix;not null"`
	ExpiresUnix   int64  `gorm:"column:expires_unix;index;not null"`
	RevokedAtUnix int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	ReplacedBy    string `gorm:"column:replaced_by_hash;not null;default:''"`
}

func (refreshTokenRow) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseRefreshTokenStore opens the database and migrates the table.
// A nil clock falls back to the system clock.
func NewDatabaseRefreshTokenStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseRefreshTokenStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("refresh_store.open: %w", errEmptyDatabaseURL)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("refresh_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&refreshTokenRow{}); migrateErr != nil {
		return nil, fmt.Errorf("refresh_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseRefreshTokenStore{
		db:          gormDB,
		clock:       clock,
		driverLabel: driverLabel,
	}, nil
}

// Create persists a new active record and returns it with its opaque value.
func (store *DatabaseRefreshTokenStore) Create(ctx context.Context, userID string, authProvider string, expiresAt time.Time) (RefreshTokenRecord, string, error) {
	opaque, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return RefreshTokenRecord{}, "", fmt.Errorf("refresh_store.create.%s: %w", store.driverLabel, randomErr)
	}
	row := refreshTokenRow{
		TokenHash:    hashValue,
		UserID:       userID,
		AuthProvider: authProvider,
		IssuedAtUnix: store.clock.Now().Unix(),
		ExpiresUnix:  expiresAt.Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return RefreshTokenRecord{}, "", fmt.Errorf("refresh_store.create.%s: %w", store.driverLabel, err)
	}
	return row.view(), opaque, nil
}

// FindByToken resolves an opaque value to its record.
func (store *DatabaseRefreshTokenStore) FindByToken(ctx context.Context, tokenOpaque string) (RefreshTokenRecord, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	var row refreshTokenRow
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(tokenOpaque)).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
		}
		return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, err)
	}
	return row.view(), nil
}

// Revoke is a single conditional UPDATE; the WHERE clause on revoked_at_unix
// is what makes concurrent rotations of the same token resolve to exactly
// one winner.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenOpaque string, now time.Time) error {
	hashValue := hashOpaque(tokenOpaque)
	result := store.db.WithContext(ctx).Model(&refreshTokenRow{}).
		Where("token_hash = ? AND revoked_at_unix = 0", hashValue).
		Update("revoked_at_unix", now.Unix())
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		var row refreshTokenRow
		findErr := store.db.WithContext(ctx).Where("token_hash = ?", hashValue).Take(&row).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
		}
		if findErr != nil {
			return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, findErr)
		}
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenAlreadyRevoked)
	}
	return nil
}

// RevokeAllForUser revokes every live token for the subject.
func (store *DatabaseRefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRow{}).
		Where("user_id = ? AND revoked_at_unix = 0", userID).
		Update("revoked_at_unix", now.Unix())
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke_all.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// LinkSuccessor sets the write-once replaced-by pointer on the old record.
func (store *DatabaseRefreshTokenStore) LinkSuccessor(ctx context.Context, oldOpaque string, newOpaque string) error {
	oldHash := hashOpaque(oldOpaque)
	result := store.db.WithContext(ctx).Model(&refreshTokenRow{}).
		Where("token_hash = ? AND replaced_by_hash = ''", oldHash).
		Update("replaced_by_hash", hashOpaque(newOpaque))
	if result.Error != nil {
		return fmt.Errorf("refresh_store.link.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		var row refreshTokenRow
		findErr := store.db.WithContext(ctx).Where("token_hash = ?", oldHash).Take(&row).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("refresh_store.link.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
		}
		if findErr != nil {
			return fmt.Errorf("refresh_store.link.%s: %w", store.driverLabel, findErr)
		}
		return fmt.Errorf("refresh_store.link.%s: %w", store.driverLabel, ErrSuccessorAlreadyLinked)
	}
	return nil
}

// PurgeExpired deletes records past expiry.
func (store *DatabaseRefreshTokenStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_unix <= ?", now.Unix()).Delete(&refreshTokenRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_store.purge.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

func (row refreshTokenRow) view() RefreshTokenRecord {
	view := RefreshTokenRecord{
		TokenHash:    row.TokenHash,
		UserID:       row.UserID,
		AuthProvider: row.AuthProvider,
		IssuedAt:     time.Unix(row.IssuedAtUnix, 0).UTC(),
		ExpiresAt:    time.Unix(row.ExpiresUnix, 0).UTC(),
		ReplacedBy:   row.ReplacedBy,
	}
	if row.RevokedAtUnix != 0 {
		view.RevokedAt = time.Unix(row.RevokedAtUnix, 0).UTC()
	}
	return view
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("refresh_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("refresh_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("refresh_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("refresh_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
