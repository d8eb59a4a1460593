package port

import "context"

// CacheRepository is the best-effort read-side mirror of the stock
// ledger plus request idempotency keys. The database is authoritative;
// a stale or missing mirror entry is never an error for the caller.
type CacheRepository interface {
	// DecrementStock atomically decreases mirrored stock, returns false
	// if the mirror would go negative or the key is absent.
	DecrementStock(ctx context.Context, itemID string, quantity int) (bool, error)

	// IncrementStock restores mirrored stock.
	IncrementStock(ctx context.Context, itemID string, quantity int) error

	// SetStock overwrites the mirrored value (reconciliation).
	SetStock(ctx context.Context, itemID string, quantity int) error

	// SetIdempotency sets a key for idempotency check, returns false if
	// already exists.
	SetIdempotency(ctx context.Context, key string) (bool, error)
}
