package port

import (
	"context"

	"github.com/rl1809/storefront/internal/core/domain"
)

// CatalogRepository is the read-only product catalog.
type CatalogRepository interface {
	// LookupItem returns nil, nil when the item does not exist.
	LookupItem(ctx context.Context, itemID string) (*domain.InventoryItem, error)

	// ListItems returns every catalog item, used to reconcile the stock
	// mirror.
	ListItems(ctx context.Context) ([]domain.InventoryItem, error)
}

// CartRepository reads and clears a user's mutable cart. The cart is
// never authoritative for price or availability.
type CartRepository interface {
	ReadCart(ctx context.Context, userID string) ([]domain.CartLine, error)
	ClearCart(ctx context.Context, userID string) error
}

type UserRepository interface {
	// IsActiveUser reports false for unknown users as well.
	IsActiveUser(ctx context.Context, userID string) (bool, error)
}
