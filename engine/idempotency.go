package engine

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/store"
)

// IdempotencyGuard drops deliveries whose (idempotencyKey, deliveryAttempt) lock already exists
type IdempotencyGuard struct {
	store  store.IdempotencyStore
	logger *slog.Logger
}

// NewIdempotencyGuard creates a guard; a nil store disables it
func NewIdempotencyGuard(s store.IdempotencyStore, logger *slog.Logger) *IdempotencyGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyGuard{store: s, logger: logger}
}

// Enabled reports whether a store is configured
func (g *IdempotencyGuard) Enabled() bool {
	return g != nil && g.store != nil
}

// AlreadySeen creates the lock for the delivery and reports whether it already existed.
// Deliveries without an idempotency key are never considered seen.
func (g *IdempotencyGuard) AlreadySeen(ctx context.Context, attrs contracts.Attributes) (bool, error) {
	if !g.Enabled() || attrs.IdempotencyKey == "" {
		return false, nil
	}

	attempt := deliveryAttempt(attrs)
	seen, err := g.store.MessageAlreadySeen(ctx, attrs.IdempotencyKey, attempt)
	if err != nil {
		return false, newStorageError("lock", store.LockKey(attrs.IdempotencyKey, attempt), err)
	}
	if seen {
		g.logger.Info("duplicate delivery dropped",
			"key", attrs.Key,
			"idempotencyKey", attrs.IdempotencyKey,
			"deliveryAttempt", attempt,
		)
	}
	return seen, nil
}

// Release drops the lock of a delivery that failed before completing, so a redelivery
// carrying the same attempt is processed instead of dropped
func (g *IdempotencyGuard) Release(ctx context.Context, attrs contracts.Attributes) {
	if !g.Enabled() || attrs.IdempotencyKey == "" {
		return
	}
	attempt := deliveryAttempt(attrs)
	if err := g.store.ReleaseMessage(ctx, attrs.IdempotencyKey, attempt); err != nil {
		// The lock expires with its retention; until then the redelivery is dropped.
		g.logger.Error("failed to release idempotency lock",
			"key", attrs.Key,
			"idempotencyKey", attrs.IdempotencyKey,
			"deliveryAttempt", attempt,
			"error", err,
		)
	}
}

func deliveryAttempt(attrs contracts.Attributes) int {
	if attrs.DeliveryAttempt == 0 {
		return attrs.RetryCount + 1
	}
	return attrs.DeliveryAttempt
}
