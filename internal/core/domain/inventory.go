package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryItem is a catalog product with its available stock counter.
// Stock is never negative; it is only decremented inside a committed
// order transition.
type InventoryItem struct {
	ID        string
	Name      string
	SKU       string
	Price     decimal.Decimal
	Stock     int
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
