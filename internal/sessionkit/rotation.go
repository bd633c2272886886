package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrReuseDetected signals that an already-rotated, revoked, or expired
// refresh token was presented. The whole family has been revoked by the
// time callers see it; externally it still reads as plain 401.
var ErrReuseDetected = errors.New("rotation.reuse_detected")

// RotationEngine runs the refresh protocol against a RefreshTokenStore.
type RotationEngine struct {
	store   RefreshTokenStore
	clock   Clock
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewRotationEngine wires the engine. Logger and metrics may be nil.
func NewRotationEngine(store RefreshTokenStore, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *RotationEngine {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &RotationEngine{store: store, clock: clock, logger: logger, metrics: metrics}
}

// Rotate exchanges an active refresh token for a successor.
//
// An inactive token is a reuse signal: the chain is assumed stolen and every
// token for the owning subject is revoked. Losing the conditional revoke to
// a concurrent request is treated identically, which keeps the chain from
// forking when two refreshes race on the same value.
func (engine *RotationEngine) Rotate(ctx context.Context, tokenOpaque string, refreshTTL time.Duration) (RefreshTokenRecord, string, error) {
	record, findErr := engine.store.FindByToken(ctx, tokenOpaque)
	if findErr != nil {
		return RefreshTokenRecord{}, "", fmt.Errorf("rotation.lookup: %w", findErr)
	}

	now := engine.clock.Now()
	if !record.Active(now) {
		cause := ErrRefreshTokenExpired
		if !record.RevokedAt.IsZero() {
			cause = ErrRefreshTokenRevoked
		}
		engine.containFamily(ctx, record.UserID, now, "inactive_token_presented")
		return RefreshTokenRecord{}, "", fmt.Errorf("rotation.reuse: %w: %w", cause, ErrReuseDetected)
	}

	if revokeErr := engine.store.Revoke(ctx, tokenOpaque, now); revokeErr != nil {
		if errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) {
			engine.containFamily(ctx, record.UserID, now, "concurrent_rotation")
			return RefreshTokenRecord{}, "", fmt.Errorf("rotation.race: %w", ErrReuseDetected)
		}
		return RefreshTokenRecord{}, "", fmt.Errorf("rotation.revoke: %w", revokeErr)
	}

	// The predecessor is revoked from here on. Any failure below fails
	// closed: the client re-authenticates, no stale token stays valid.
	successor, newOpaque, createErr := engine.store.Create(ctx, record.UserID, record.AuthProvider, now.Add(refreshTTL))
	if createErr != nil {
		return RefreshTokenRecord{}, "", fmt.Errorf("rotation.create_successor: %w", createErr)
	}
	if linkErr := engine.store.LinkSuccessor(ctx, tokenOpaque, newOpaque); linkErr != nil {
		return RefreshTokenRecord{}, "", fmt.Errorf("rotation.link_successor: %w", linkErr)
	}
	return successor, newOpaque, nil
}

// RevokeSingle revokes one token without touching the rest of its family.
// Logout path; an already-revoked token is not an error here.
func (engine *RotationEngine) RevokeSingle(ctx context.Context, tokenOpaque string) error {
	err := engine.store.Revoke(ctx, tokenOpaque, engine.clock.Now())
	if err != nil && !errors.Is(err, ErrRefreshTokenAlreadyRevoked) {
		return fmt.Errorf("rotation.revoke_single: %w", err)
	}
	return nil
}

func (engine *RotationEngine) containFamily(ctx context.Context, userID string, now time.Time, reason string) {
	engine.metrics.Increment(metricRefreshReuseDetected)
	engine.logger.Warn("refresh token reuse detected, revoking family",
		zap.String("code", "rotation.containment"),
		zap.String("user_id", userID),
		zap.String("reason", reason),
	)
	if revokeErr := engine.store.RevokeAllForUser(ctx, userID, now); revokeErr != nil {
		engine.logger.Error("family revocation failed",
			zap.String("code", "rotation.containment_error"),
			zap.String("user_id", userID),
			zap.Error(revokeErr),
		)
	}
}
