package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

const idempotencyKeyPrefix = "order:create:"

// OrderService is the order lifecycle engine: it turns a validated
// cart into an immutable order record and drives it through the status
// state machine, coupling ledger writes to the transitions that need
// them.
type OrderService struct {
	db        port.DatabaseRepository
	cache     port.CacheRepository
	carts     port.CartRepository
	users     port.UserRepository
	validator *CartValidator
	numbers   *OrderNumberGenerator
	logger    *zap.Logger
}

func NewOrderService(
	db port.DatabaseRepository,
	cache port.CacheRepository,
	catalog port.CatalogRepository,
	carts port.CartRepository,
	users port.UserRepository,
	logger *zap.Logger,
) *OrderService {
	return &OrderService{
		db:        db,
		cache:     cache,
		carts:     carts,
		users:     users,
		validator: NewCartValidator(catalog),
		numbers:   NewOrderNumberGenerator(),
		logger:    logger,
	}
}

// CreateOrder snapshots the user's cart into a new pending order. The
// cart is cleared only after the order is persisted. No stock is
// reserved at this point. Dropped lines (items that vanished or were
// deactivated since being added) are returned so the caller can tell
// the user what was left out.
func (s *OrderService) CreateOrder(ctx context.Context, userID string, shipping domain.Address, idempotencyKey string) (*domain.Order, []domain.LineFailure, error) {
	if idempotencyKey != "" {
		ok, err := s.cache.SetIdempotency(ctx, idempotencyKeyPrefix+userID+":"+idempotencyKey)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return nil, nil, domain.ErrDuplicateRequest
		}
	}

	active, err := s.users.IsActiveUser(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("user lookup failed: %w", err)
	}
	if !active {
		return nil, nil, domain.ErrInactiveUser
	}

	cartLines, err := s.carts.ReadCart(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("read cart: %w", err)
	}

	snapshot, err := s.validator.Validate(ctx, cartLines)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	order := &domain.Order{
		ID:              uuid.NewString(),
		UserID:          userID,
		OrderNumber:     s.numbers.Next(),
		Lines:           snapshot.Lines,
		TotalAmount:     snapshot.Total,
		Status:          domain.OrderStatusPending,
		ShippingAddress: shipping,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.db.CreateOrder(ctx, order); err != nil {
		return nil, nil, fmt.Errorf("create order: %w", err)
	}

	if err := s.carts.ClearCart(ctx, userID); err != nil {
		// The order exists; a lingering cart is an inconvenience, not a
		// failure.
		s.logger.Warn("failed to clear cart after order creation",
			zap.String("order_id", order.ID),
			zap.String("user_id", userID),
			zap.Error(err))
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", userID),
		zap.Int("lines", len(order.Lines)))

	return order, snapshot.Dropped, nil
}

// TransitionOrder moves an order to target, applying the transition
// table's stock effect in the same atomic unit as the status write.
// Non-admin callers may only cancel their own orders. A retry after
// ErrTransactionAborted is safe: the status precondition inside the
// transaction guarantees a confirm never decrements stock twice.
func (s *OrderService) TransitionOrder(ctx context.Context, orderID string, target domain.OrderStatus, actingUserID string, isAdmin bool, reason string) (*domain.Order, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, target)
	}

	ownerID := ""
	if !isAdmin {
		if target != domain.OrderStatusCancelled {
			return nil, fmt.Errorf("%w: only cancellation is allowed", domain.ErrPermissionDenied)
		}
		ownerID = actingUserID
	}

	order, err := s.db.GetOrder(ctx, orderID, ownerID)
	if err != nil {
		return nil, err
	}

	switch {
	case order.Status.IsTerminal():
		return nil, fmt.Errorf("%w: order is %s", domain.ErrImmutableOrder, order.Status)
	case order.Status == domain.OrderStatusShipped && target == domain.OrderStatusCancelled:
		return nil, domain.ErrNotCancellable
	case order.Status == target:
		return nil, domain.ErrAlreadyProcessed
	case !order.Status.CanTransition(target):
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, order.Status, target)
	}

	effect := order.Status.Effect(target)
	updated, err := s.db.TransitionOrder(ctx, order.ID, order.Status, target, reason, effect)
	if err != nil {
		return nil, err
	}

	s.mirrorStock(ctx, updated, effect)

	s.logger.Info("order transitioned",
		zap.String("order_id", updated.ID),
		zap.String("from", order.Status.String()),
		zap.String("to", updated.Status.String()))

	return updated, nil
}

// mirrorStock pushes the committed stock effect into the cache mirror.
// Best effort only; the syncer reconciles drift.
func (s *OrderService) mirrorStock(ctx context.Context, order *domain.Order, effect domain.StockEffect) {
	for _, line := range order.Lines {
		var err error
		switch effect {
		case domain.StockEffectReserve:
			_, err = s.cache.DecrementStock(ctx, line.ItemID, line.Quantity)
		case domain.StockEffectRelease:
			err = s.cache.IncrementStock(ctx, line.ItemID, line.Quantity)
		default:
			continue
		}
		if err != nil {
			s.logger.Warn("stock mirror update failed",
				zap.String("item_id", line.ItemID),
				zap.Error(err))
		}
	}
}

// GetOrder loads a single order. Non-admins only see their own.
func (s *OrderService) GetOrder(ctx context.Context, orderID, actingUserID string, isAdmin bool) (*domain.Order, error) {
	ownerID := actingUserID
	if isAdmin {
		ownerID = ""
	}
	return s.db.GetOrder(ctx, orderID, ownerID)
}

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// ListOrders returns a page of orders matching the filter, newest
// first. Non-admins are always scoped to their own orders.
func (s *OrderService) ListOrders(ctx context.Context, filter port.OrderFilter, page, pageSize int, actingUserID string, isAdmin bool) ([]*domain.Order, port.Pagination, error) {
	if !isAdmin {
		filter.UserID = actingUserID
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return s.db.ListOrders(ctx, filter, page, pageSize)
}

// SearchOrders finds orders whose number contains the fragment.
func (s *OrderService) SearchOrders(ctx context.Context, fragment, actingUserID string, isAdmin bool) ([]*domain.Order, error) {
	ownerID := actingUserID
	if isAdmin {
		ownerID = ""
	}
	return s.db.SearchOrdersByNumber(ctx, fragment, ownerID)
}

// OrderStats aggregates order counts and revenue, admin only.
func (s *OrderService) OrderStats(ctx context.Context, from, to *time.Time, isAdmin bool) (*port.OrderStats, error) {
	if !isAdmin {
		return nil, domain.ErrPermissionDenied
	}
	return s.db.OrderStats(ctx, from, to)
}
