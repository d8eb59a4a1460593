package port

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
)

// OrderFilter narrows ListOrders. Zero values mean "no constraint".
type OrderFilter struct {
	UserID    string
	Status    domain.OrderStatus
	DateFrom  *time.Time
	DateTo    *time.Time
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
}

type Pagination struct {
	CurrentPage int  `json:"current_page"`
	TotalPages  int  `json:"total_pages"`
	TotalOrders int  `json:"total_orders"`
	HasNext     bool `json:"has_next"`
	HasPrev     bool `json:"has_prev"`
}

type StatusStat struct {
	Status  domain.OrderStatus `json:"status"`
	Count   int                `json:"count"`
	Revenue decimal.Decimal    `json:"revenue"`
}

type OrderStats struct {
	TotalOrders  int             `json:"total_orders"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
	AverageOrder decimal.Decimal `json:"average_order_value"`
	ByStatus     []StatusStat    `json:"by_status"`
}

type DatabaseRepository interface {
	// CreateOrder persists a new pending order with its line snapshot.
	// No stock is touched at creation.
	CreateOrder(ctx context.Context, order *domain.Order) error

	// GetOrder loads an order with its lines. A non-empty ownerID
	// restricts the lookup to that user's orders.
	GetOrder(ctx context.Context, orderID, ownerID string) (*domain.Order, error)

	ListOrders(ctx context.Context, filter OrderFilter, page, pageSize int) ([]*domain.Order, Pagination, error)

	// SearchOrdersByNumber matches order numbers by substring, newest
	// first, capped at 10.
	SearchOrdersByNumber(ctx context.Context, fragment, ownerID string) ([]*domain.Order, error)

	OrderStats(ctx context.Context, from, to *time.Time) (*OrderStats, error)

	// TransitionOrder applies a status change and its stock effect as
	// one atomic unit: fresh stock reads, the stock writes, and the
	// status write all commit together or not at all. The order's
	// current status must still equal from at commit time, otherwise
	// ErrAlreadyProcessed. A failed stock guard returns a
	// *domain.ValidationError listing every shortfall. Conflicting
	// concurrent writers surface as ErrTransactionAborted.
	TransitionOrder(ctx context.Context, orderID string, from, to domain.OrderStatus, reason string, effect domain.StockEffect) (*domain.Order, error)
}
