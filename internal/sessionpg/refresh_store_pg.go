package sessionpg

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/fitsession/internal/sessionkit"
)

// PostgresRefreshTokenStore persists rotation chains in PostgreSQL through
// pgx. The conditional UPDATEs rely on row-level atomicity for the
// linearizable revoke the rotation protocol needs.
type PostgresRefreshTokenStore struct {
	pool  *pgxpool.Pool
	clock sessionkit.Clock
}

// NewPostgresRefreshTokenStore constructs a Postgres store. A nil clock
// falls back to the system clock.
func NewPostgresRefreshTokenStore(pool *pgxpool.Pool, clock sessionkit.Clock) *PostgresRefreshTokenStore {
	if clock == nil {
		clock = sessionkit.SystemClock{}
	}
	return &PostgresRefreshTokenStore{pool: pool, clock: clock}
}

// Create inserts a new active record and returns it with its opaque value.
func (store *PostgresRefreshTokenStore) Create(ctx context.Context, userID string, authProvider string, expiresAt time.Time) (sessionkit.RefreshTokenRecord, string, error) {
	opaque, hashValue, randomErr := randomOpaque()
	if randomErr != nil {
		return sessionkit.RefreshTokenRecord{}, "", fmt.Errorf("refresh_store.create.pgx: %w", randomErr)
	}
	issuedAt := store.clock.Now().UTC()
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO refresh_tokens (token_hash, user_id, auth_provider, issued_at_unix, expires_unix, revoked_at_unix, replaced_by_hash)
VALUES ($1, $2, $3, $4, $5, 0, '')
`, hashValue, userID, authProvider, issuedAt.Unix(), expiresAt.Unix())
	if execErr != nil {
		return sessionkit.RefreshTokenRecord{}, "", fmt.Errorf("refresh_store.create.pgx: %w", execErr)
	}
	return sessionkit.RefreshTokenRecord{
		TokenHash:    hashValue,
		UserID:       userID,
		AuthProvider: authProvider,
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt.UTC(),
	}, opaque, nil
}

// FindByToken resolves an opaque value to its record.
func (store *PostgresRefreshTokenStore) FindByToken(ctx context.Context, tokenOpaque string) (sessionkit.RefreshTokenRecord, error) {
	if tokenOpaque == "" {
		return sessionkit.RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.pgx: %w", sessionkit.ErrRefreshTokenEmptyOpaque)
	}
	row := store.pool.QueryRow(ctx, `
SELECT token_hash, user_id, auth_provider, issued_at_unix, expires_unix, revoked_at_unix, replaced_by_hash
FROM refresh_tokens
WHERE token_hash = $1
`, hashOpaque(tokenOpaque))

	var record sessionkit.RefreshTokenRecord
	var issuedAtUnix, expiresUnix, revokedAtUnix int64
	scanErr := row.Scan(&record.TokenHash, &record.UserID, &record.AuthProvider, &issuedAtUnix, &expiresUnix, &revokedAtUnix, &record.ReplacedBy)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return sessionkit.RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.pgx: %w", sessionkit.ErrRefreshTokenNotFound)
		}
		return sessionkit.RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.pgx: %w", scanErr)
	}
	record.IssuedAt = time.Unix(issuedAtUnix, 0).UTC()
	record.ExpiresAt = time.Unix(expiresUnix, 0).UTC()
	if revokedAtUnix != 0 {
		record.RevokedAt = time.Unix(revokedAtUnix, 0).UTC()
	}
	return record, nil
}

// Revoke marks the record revoked only if it was still unrevoked.
func (store *PostgresRefreshTokenStore) Revoke(ctx context.Context, tokenOpaque string, now time.Time) error {
	hashValue := hashOpaque(tokenOpaque)
	tag, execErr := store.pool.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $1
WHERE token_hash = $2 AND revoked_at_unix = 0
`, now.Unix(), hashValue)
	if execErr != nil {
		return fmt.Errorf("refresh_store.revoke.pgx: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if scanErr := store.pool.QueryRow(ctx, `SELECT TRUE FROM refresh_tokens WHERE token_hash = $1`, hashValue).Scan(&exists); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return fmt.Errorf("refresh_store.revoke.pgx: %w", sessionkit.ErrRefreshTokenNotFound)
			}
			return fmt.Errorf("refresh_store.revoke.pgx: %w", scanErr)
		}
		return fmt.Errorf("refresh_store.revoke.pgx: %w", sessionkit.ErrRefreshTokenAlreadyRevoked)
	}
	return nil
}

// RevokeAllForUser revokes every live token for the subject.
func (store *PostgresRefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) error {
	_, execErr := store.pool.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $1
WHERE user_id = $2 AND revoked_at_unix = 0
`, now.Unix(), userID)
	if execErr != nil {
		return fmt.Errorf("refresh_store.revoke_all.pgx: %w", execErr)
	}
	return nil
}

// LinkSuccessor sets the write-once replaced-by pointer on the old record.
func (store *PostgresRefreshTokenStore) LinkSuccessor(ctx context.Context, oldOpaque string, newOpaque string) error {
	oldHash := hashOpaque(oldOpaque)
	tag, execErr := store.pool.Exec(ctx, `
UPDATE refresh_tokens
SET replaced_by_hash = $1
WHERE token_hash = $2 AND replaced_by_hash = ''
`, hashOpaque(newOpaque), oldHash)
	if execErr != nil {
		return fmt.Errorf("refresh_store.link.pgx: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if scanErr := store.pool.QueryRow(ctx, `SELECT TRUE FROM refresh_tokens WHERE token_hash = $1`, oldHash).Scan(&exists); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return fmt.Errorf("refresh_store.link.pgx: %w", sessionkit.ErrRefreshTokenNotFound)
			}
			return fmt.Errorf("refresh_store.link.pgx: %w", scanErr)
		}
		return fmt.Errorf("refresh_store.link.pgx: %w", sessionkit.ErrSuccessorAlreadyLinked)
	}
	return nil
}

// PurgeExpired deletes records past expiry.
func (store *PostgresRefreshTokenStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, execErr := store.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_unix <= $1`, now.Unix())
	if execErr != nil {
		return 0, fmt.Errorf("refresh_store.purge.pgx: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func randomOpaque() (string, string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", err
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
