package sessionkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore keeps refresh token records in process memory.
// Intended for tests and local development; the mutex provides the same
// linearizable conditional revoke the SQL stores get from the database.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	clock  Clock
	byHash map[string]*memoryRefreshRecord
}

type memoryRefreshRecord struct {
	tokenHash     string
	userID        string
	authProvider  string
	issuedAtUnix  int64
	expiresUnix   int64
	revokedAtUnix int64
	replacedBy    string
}

// NewMemoryRefreshTokenStore creates an empty in-memory store. A nil clock
// falls back to the system clock.
func NewMemoryRefreshTokenStore(clock Clock) *MemoryRefreshTokenStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryRefreshTokenStore{clock: clock, byHash: make(map[string]*memoryRefreshRecord)}
}

// Create persists a new active record and returns it with its opaque value.
func (store *MemoryRefreshTokenStore) Create(ctx context.Context, userID string, authProvider string, expiresAt time.Time) (RefreshTokenRecord, string, error) {
	opaque, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return RefreshTokenRecord{}, "", fmt.Errorf("refresh_store.create.memory: %w", randomErr)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := &memoryRefreshRecord{
		tokenHash:    hashValue,
		userID:       userID,
		authProvider: authProvider,
		issuedAtUnix: store.clock.Now().Unix(),
		expiresUnix:  expiresAt.Unix(),
	}
	store.byHash[hashValue] = record
	return record.view(), opaque, nil
}

// FindByToken resolves an opaque value to its record.
func (store *MemoryRefreshTokenStore) FindByToken(ctx context.Context, tokenOpaque string) (RefreshTokenRecord, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.memory: %w", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.memory: %w", ErrRefreshTokenNotFound)
	}
	return record.view(), nil
}

// Revoke performs the conditional revoke under the store mutex.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenOpaque string, now time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.revokedAtUnix != 0 {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenAlreadyRevoked)
	}
	record.revokedAtUnix = now.Unix()
	return nil
}

// RevokeAllForUser revokes every live token for the subject.
func (store *MemoryRefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	for _, record := range store.byHash {
		if record.userID == userID && record.revokedAtUnix == 0 {
			record.revokedAtUnix = now.Unix()
		}
	}
	return nil
}

// LinkSuccessor sets the write-once replaced-by pointer on the old record.
func (store *MemoryRefreshTokenStore) LinkSuccessor(ctx context.Context, oldOpaque string, newOpaque string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byHash[hashOpaque(oldOpaque)]
	if !ok {
		return fmt.Errorf("refresh_store.link.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.replacedBy != "" {
		return fmt.Errorf("refresh_store.link.memory: %w", ErrSuccessorAlreadyLinked)
	}
	record.replacedBy = hashOpaque(newOpaque)
	return nil
}

// PurgeExpired drops records past expiry.
func (store *MemoryRefreshTokenStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var purged int64
	for hashValue, record := range store.byHash {
		if now.Unix() >= record.expiresUnix {
			delete(store.byHash, hashValue)
			purged++
		}
	}
	return purged, nil
}

func (record *memoryRefreshRecord) view() RefreshTokenRecord {
	view := RefreshTokenRecord{
		TokenHash:    record.tokenHash,
		UserID:       record.userID,
		AuthProvider: record.authProvider,
		IssuedAt:     time.Unix(record.issuedAtUnix, 0).UTC(),
		ExpiresAt:    time.Unix(record.expiresUnix, 0).UTC(),
		ReplacedBy:   record.replacedBy,
	}
	if record.revokedAtUnix != 0 {
		view.RevokedAt = time.Unix(record.revokedAtUnix, 0).UTC()
	}
	return view
}
