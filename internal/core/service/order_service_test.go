package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// memStore implements the database, catalog, cart and user ports with
// the same atomicity guarantees the MySQL adapter provides: a
// transition either applies its full stock effect plus the status
// write, or nothing at all.
type memStore struct {
	mu        sync.Mutex
	items     map[string]*domain.InventoryItem
	carts     map[string][]domain.CartLine
	users     map[string]bool
	orders    map[string]*domain.Order
	abortNext bool
}

func newMemStore() *memStore {
	return &memStore{
		items:  make(map[string]*domain.InventoryItem),
		carts:  make(map[string][]domain.CartLine),
		users:  make(map[string]bool),
		orders: make(map[string]*domain.Order),
	}
}

func (m *memStore) addItem(id, name string, price int64, stock int, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = &domain.InventoryItem{
		ID: id, Name: name, Price: decimal.NewFromInt(price), Stock: stock, Active: active,
	}
}

func (m *memStore) stockOf(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].Stock
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Lines = append([]domain.OrderLine(nil), o.Lines...)
	return &cp
}

func (m *memStore) LookupItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (m *memStore) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.InventoryItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, *item)
	}
	return out, nil
}

func (m *memStore) ReadCart(ctx context.Context, userID string) ([]domain.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.CartLine(nil), m.carts[userID]...), nil
}

func (m *memStore) ClearCart(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, userID)
	return nil
}

func (m *memStore) IsActiveUser(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID], nil
}

func (m *memStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *memStore) GetOrder(ctx context.Context, orderID, ownerID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || (ownerID != "" && o.UserID != ownerID) {
		return nil, domain.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *memStore) ListOrders(ctx context.Context, filter port.OrderFilter, page, pageSize int) ([]*domain.Order, port.Pagination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*domain.Order
	for _, o := range m.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneOrder(o))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	totalPages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return matched[start:end], port.Pagination{
		CurrentPage: page,
		TotalPages:  totalPages,
		TotalOrders: total,
		HasNext:     page < totalPages,
		HasPrev:     page > 1,
	}, nil
}

func (m *memStore) SearchOrdersByNumber(ctx context.Context, fragment, ownerID string) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if ownerID != "" && o.UserID != ownerID {
			continue
		}
		if strings.Contains(o.OrderNumber, fragment) {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (m *memStore) OrderStats(ctx context.Context, from, to *time.Time) (*port.OrderStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &port.OrderStats{TotalRevenue: decimal.Zero, AverageOrder: decimal.Zero}
	for _, o := range m.orders {
		stats.TotalOrders++
		stats.TotalRevenue = stats.TotalRevenue.Add(o.TotalAmount)
	}
	if stats.TotalOrders > 0 {
		stats.AverageOrder = stats.TotalRevenue.Div(decimal.NewFromInt(int64(stats.TotalOrders)))
	}
	return stats, nil
}

func (m *memStore) TransitionOrder(ctx context.Context, orderID string, from, to domain.OrderStatus, reason string, effect domain.StockEffect) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.abortNext {
		m.abortNext = false
		return nil, domain.ErrTransactionAborted
	}

	o, ok := m.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if o.Status != from {
		return nil, domain.ErrAlreadyProcessed
	}

	if effect == domain.StockEffectReserve {
		var failures []domain.LineFailure
		for _, l := range o.Lines {
			item, ok := m.items[l.ItemID]
			if !ok {
				failures = append(failures, domain.LineFailure{
					ItemID: l.ItemID, Name: l.Name, Requested: l.Quantity,
					Reason: domain.ErrItemUnavailable,
				})
				continue
			}
			if item.Stock < l.Quantity {
				failures = append(failures, domain.LineFailure{
					ItemID: l.ItemID, Name: l.Name, Requested: l.Quantity,
					Available: item.Stock, Reason: domain.ErrInsufficientStock,
				})
			}
		}
		if len(failures) > 0 {
			return nil, &domain.ValidationError{Failures: failures}
		}
		for _, l := range o.Lines {
			m.items[l.ItemID].Stock -= l.Quantity
		}
	}
	if effect == domain.StockEffectRelease {
		for _, l := range o.Lines {
			if item, ok := m.items[l.ItemID]; ok {
				item.Stock += l.Quantity
			}
		}
	}

	o.Status = to
	if to == domain.OrderStatusCancelled && reason != "" {
		o.CancellationReason = reason
	}
	o.UpdatedAt = time.Now()
	return cloneOrder(o), nil
}

type mockCache struct {
	mu          sync.Mutex
	stock       map[string]int
	idempotency map[string]bool
}

func newMockCache() *mockCache {
	return &mockCache{stock: make(map[string]int), idempotency: make(map[string]bool)}
}

func (c *mockCache) DecrementStock(ctx context.Context, itemID string, quantity int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stock[itemID] >= quantity {
		c.stock[itemID] -= quantity
		return true, nil
	}
	return false, nil
}

func (c *mockCache) IncrementStock(ctx context.Context, itemID string, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock[itemID] += quantity
	return nil
}

func (c *mockCache) SetStock(ctx context.Context, itemID string, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock[itemID] = quantity
	return nil
}

func (c *mockCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idempotency[key] {
		return false, nil
	}
	c.idempotency[key] = true
	return true, nil
}

func newTestService() (*OrderService, *memStore, *mockCache) {
	store := newMemStore()
	cache := newMockCache()
	svc := NewOrderService(store, cache, store, store, store, zap.NewNop())
	return svc, store, cache
}

var testAddress = domain.Address{
	Street: "742 Evergreen Terrace", City: "Springfield", Region: "OR",
	PostalCode: "97401", Country: "US",
}

func seedCheckout(store *memStore, userID string) {
	store.users[userID] = true
	store.addItem("item-a", "Widget", 10, 5, true)
	store.addItem("item-b", "Gadget", 5, 3, true)
	store.carts[userID] = []domain.CartLine{
		{ItemID: "item-a", Quantity: 2, Price: decimal.NewFromInt(9)}, // stale price
		{ItemID: "item-b", Quantity: 1, Price: decimal.NewFromInt(5)},
	}
}

func TestCreateOrder_Success(t *testing.T) {
	svc, store, _ := newTestService()
	seedCheckout(store, "user-1")

	order, dropped, err := svc.CreateOrder(context.Background(), "user-1", testAddress, "")
	require.NoError(t, err)
	require.Empty(t, dropped)

	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.True(t, order.TotalAmount.Equal(decimal.NewFromInt(25)), "stale cart price must be refreshed: got %s", order.TotalAmount)
	assert.True(t, order.TotalAmount.Equal(order.ComputeTotal()))
	assert.True(t, strings.HasPrefix(order.OrderNumber, "ORD-"))
	require.Len(t, order.Lines, 2)
	assert.True(t, order.Lines[0].UnitPrice.Equal(decimal.NewFromInt(10)))

	// No stock is reserved for a pending order.
	assert.Equal(t, 5, store.stockOf("item-a"))
	assert.Equal(t, 3, store.stockOf("item-b"))

	// Cart cleared only after successful creation.
	lines, _ := store.ReadCart(context.Background(), "user-1")
	assert.Empty(t, lines)

	got, err := svc.GetOrder(context.Background(), order.ID, "user-1", false)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, got.OrderNumber)
}

func TestCreateOrder_EmptyCart(t *testing.T) {
	svc, store, _ := newTestService()
	store.users["user-1"] = true

	_, _, err := svc.CreateOrder(context.Background(), "user-1", testAddress, "")
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestCreateOrder_InactiveUser(t *testing.T) {
	svc, store, _ := newTestService()
	seedCheckout(store, "user-1")
	store.users["user-1"] = false

	_, _, err := svc.CreateOrder(context.Background(), "user-1", testAddress, "")
	assert.ErrorIs(t, err, domain.ErrInactiveUser)
}

func TestCreateOrder_DuplicateIdempotencyKey(t *testing.T) {
	svc, store, _ := newTestService()
	seedCheckout(store, "user-1")

	_, _, err := svc.CreateOrder(context.Background(), "user-1", testAddress, "req-1")
	require.NoError(t, err)

	_, _, err = svc.CreateOrder(context.Background(), "user-1", testAddress, "req-1")
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
}

func TestCreateOrder_DropsDeactivatedItems(t *testing.T) {
	svc, store, _ := newTestService()
	seedCheckout(store, "user-1")
	store.addItem("item-b", "Gadget", 5, 3, false) // deactivated since added

	order, dropped, err := svc.CreateOrder(context.Background(), "user-1", testAddress, "")
	require.NoError(t, err)

	require.Len(t, dropped, 1)
	assert.Equal(t, "item-b", dropped[0].ItemID)
	assert.ErrorIs(t, dropped[0].Reason, domain.ErrItemUnavailable)
	require.Len(t, order.Lines, 1)
	assert.Equal(t, "item-a", order.Lines[0].ItemID)
	assert.True(t, order.TotalAmount.Equal(decimal.NewFromInt(20)))
}

func createTestOrder(t *testing.T, svc *OrderService, store *memStore, userID string) *domain.Order {
	t.Helper()
	seedCheckout(store, userID)
	order, _, err := svc.CreateOrder(context.Background(), userID, testAddress, "")
	require.NoError(t, err)
	return order
}

func transition(t *testing.T, svc *OrderService, orderID string, to domain.OrderStatus) *domain.Order {
	t.Helper()
	order, err := svc.TransitionOrder(context.Background(), orderID, to, "admin", true, "")
	require.NoError(t, err)
	return order
}

func TestConfirm_DecrementsStock(t *testing.T) {
	svc, store, _ := newTestService()
	order := createTestOrder(t, svc, store, "user-1")

	confirmed := transition(t, svc, order.ID, domain.OrderStatusConfirmed)

	assert.Equal(t, domain.OrderStatusConfirmed, confirmed.Status)
	assert.Equal(t, 3, store.stockOf("item-a"))
	assert.Equal(t, 2, store.stockOf("item-b"))
}

func TestConfirm_InsufficientStockIsAtomic(t *testing.T) {
	svc, store, _ := newTestService()
	order := createTestOrder(t, svc, store, "user-1")

	// Concurrent consumption drained item-b after the order was placed.
	store.addItem("item-b", "Gadget", 5, 0, true)

	_, err := svc.TransitionOrder(context.Background(), order.ID, domain.OrderStatusConfirmed, "admin", true, "")
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Failures, 1)
	assert.Equal(t, "item-b", ve.Failures[0].ItemID)
	assert.Equal(t, 1, ve.Failures[0].Requested)
	assert.Equal(t, 0, ve.Failures[0].Available)

	// No partial decrement, order still pending.
	assert.Equal(t, 5, store.stockOf("item-a"))
	got, _ := svc.GetOrder(context.Background(), order.ID, "", true)
	assert.Equal(t, domain.OrderStatusPending, got.Status)
}

func TestConcurrentConfirms_SameItemExactlyOneWins(t *testing.T) {
	svc, store, _ := newTestService()
	store.users["u1"] = true
	store.users["u2"] = true
	store.addItem("item-x", "Hot Item", 10, 5, true)
	store.carts["u1"] = []domain.CartLine{{ItemID: "item-x", Quantity: 3}}
	store.carts["u2"] = []domain.CartLine{{ItemID: "item-x", Quantity: 3}}

	o1, _, err := svc.CreateOrder(context.Background(), "u1", testAddress, "")
	require.NoError(t, err)
	o2, _, err := svc.CreateOrder(context.Background(), "u2", testAddress, "")
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []string{o1.ID, o2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = svc.TransitionOrder(context.Background(), id, domain.OrderStatusConfirmed, "admin", true, "")
		}(i, id)
	}
	wg.Wait()

	successes, stockFailures := 0, 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else if errors.Is(err, domain.ErrInsufficientStock) {
			stockFailures++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes, "exactly one confirm must win")
	assert.Equal(t, 1, stockFailures)
	assert.Equal(t, 2, store.stockOf("item-x"))
}

func TestConcurrentConfirms_SameOrderLoserGetsAlreadyProcessed(t *testing.T) {
	svc, store, _ := newTestService()
	order := createTestOrder(t, svc, store, "user-1")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.TransitionOrder(context.Background(), order.ID, domain.OrderStatusConfirmed, "admin", true, "")
		}(i)
	}
	wg.Wait()

	successes, alreadyProcessed := 0, 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else if errors.Is(err, domain.ErrAlreadyProcessed) {
			alreadyProcessed++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, alreadyProcessed, "loser must see AlreadyProcessed, not a stock error")
	assert.Equal(t, 3, store.stockOf("item-a"), "stock must be decremented exactly once")
}

func TestCancelConfirmed_RestoresStock(t *testing.T) {
	svc, store, _ := newTestService()
	order := createTestOrder(t, svc, store, "user-1")
	transition(t, svc, order.ID, domain.OrderStatusConfirmed)

	cancelled, err := svc.TransitionOrder(context.Background(), order.ID, domain.OrderStatusCancelled, "admin", true, "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, "changed my mind", cancelled.CancellationReason)
	assert.Equal(t, 5, store.stockOf("item-a"))
	assert.Equal(t, 3, store.stockOf("item-b"))
}

func TestCancelPending_NoStockChange(t *testing.T) {
	svc, store, _ := newTestService()
	order := createTestOrder(t, svc, store, "user-1")

	cancelled := transition(t, svc, order.ID, domain.OrderStatusCancelled)

	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, store.stockOf("item-a"))
	assert.Equal(t, 3, store.stockOf("item-b"))
}

func TestRevertConfirmedToPending_RestoresStock(t *testing.T) {
	svc, store, _ := newTestService()
	order := createTestOrder(t, svc, store, "user-1")
	transition(t, svc, order.ID, domain.OrderStatusConfirmed)
	require.Equal(t, 3, store.stockOf("item-a"))

	reverted := transition(t, svc, order.ID, domain.OrderStatusPending)

	assert.Equal(t, domain.OrderStatusPending, reverted.Status)
	assert.Equal(t, 5, store.stockOf("item-a"))
	assert.Equal(t, 3, store.stockOf("item-b"))
}

func TestCancelShipped_NotCancellable(t *testing.T) {
	svc, store, _ := newTestService()
	order := createTestOrder(t, svc, store, "user-1")
	transition(t, svc, order.ID, domain.OrderStatusConfirmed)
	transition(t, svc, order.ID, domain.OrderStatusShipped)

	_, err := svc.TransitionOrder(context.Background(), order.ID, domain.OrderStatusCancelled, "admin", true, "")
	assert.ErrorIs(t, err, domain.ErrNotCancellable)

	// Status and stock unchanged.
	got, _ := svc.GetOrder(context.Background(), order.ID, "", true)
	assert.Equal(t, domain.OrderStatusShipped, got.Status)
	assert.Equal(t, 3, store.stockOf("item-a"))
}

func TestTerminalOrdersAreImmutable(t *testing.T) {
	svc, store, _ := newTestService()

	delivered := createTestOrder(t, svc, store, "user-1")
	transition(t, svc, delivered.ID, domain.OrderStatusConfirmed)
	transition(t, svc, delivered.ID, domain.OrderStatusShipped)
	transition(t, svc, delivered.ID, domain.OrderStatusDelivered)

	cancelled := createTestOrder(t, svc, store, "user-2")
	transition(t, svc, cancelled.ID, domain.OrderStatusCancelled)

	for _, id := range []string{delivered.ID, cancelled.ID} {
		for _, target := range []domain.OrderStatus{
			domain.OrderStatusPending, domain.OrderStatusConfirmed,
			domain.OrderStatusShipped, domain.OrderStatusDelivered,
		} {
			_, err := svc.TransitionOrder(context.Background(), id, target, "admin", true, "")
			assert.ErrorIs(t, err, domain.ErrImmutableOrder, "%s must be immutable", id)
		}
	}
}

func TestNonAdmin_MayOnlyCancelOwnOrders(t *testing.T) {
	svc, store, _ := newTestService()
	order := createTestOrder(t, svc, store, "user-1")

	_, err := svc.TransitionOrder(context.Background(), order.ID, domain.OrderStatusConfirmed, "user-1", false, "")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = svc.TransitionOrder(context.Background(), order.ID, domain.OrderStatusCancelled, "someone-else", false, "")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	cancelled, err := svc.TransitionOrder(context.Background(), order.ID, domain.OrderStatusCancelled, "user-1", false, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
}

func TestInvalidTransition(t *testing.T) {
	svc, store, _ := newTestService()
	order := createTestOrder(t, svc, store, "user-1")

	_, err := svc.TransitionOrder(context.Background(), order.ID, domain.OrderStatusShipped, "admin", true, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = svc.TransitionOrder(context.Background(), order.ID, "returned", "admin", true, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestConfirmRetry_AfterAbortDoesNotDoubleDecrement(t *testing.T) {
	svc, store, _ := newTestService()
	order := createTestOrder(t, svc, store, "user-1")

	store.mu.Lock()
	store.abortNext = true
	store.mu.Unlock()

	_, err := svc.TransitionOrder(context.Background(), order.ID, domain.OrderStatusConfirmed, "admin", true, "")
	require.ErrorIs(t, err, domain.ErrTransactionAborted)

	// Nothing was applied.
	assert.Equal(t, 5, store.stockOf("item-a"))
	got, _ := svc.GetOrder(context.Background(), order.ID, "", true)
	require.Equal(t, domain.OrderStatusPending, got.Status)

	// Retrying the same transition succeeds exactly once.
	confirmed := transition(t, svc, order.ID, domain.OrderStatusConfirmed)
	assert.Equal(t, domain.OrderStatusConfirmed, confirmed.Status)
	assert.Equal(t, 3, store.stockOf("item-a"))
}

func TestMirror_FollowsConfirmAndCancel(t *testing.T) {
	svc, store, cache := newTestService()
	order := createTestOrder(t, svc, store, "user-1")
	cache.SetStock(context.Background(), "item-a", 5)
	cache.SetStock(context.Background(), "item-b", 3)

	transition(t, svc, order.ID, domain.OrderStatusConfirmed)
	assert.Equal(t, 3, cache.stock["item-a"])
	assert.Equal(t, 2, cache.stock["item-b"])

	transition(t, svc, order.ID, domain.OrderStatusCancelled)
	assert.Equal(t, 5, cache.stock["item-a"])
	assert.Equal(t, 3, cache.stock["item-b"])
}

func TestListOrders_ScopedToOwnerForNonAdmins(t *testing.T) {
	svc, store, _ := newTestService()
	createTestOrder(t, svc, store, "user-1")
	createTestOrder(t, svc, store, "user-2")

	orders, pagination, err := svc.ListOrders(context.Background(), port.OrderFilter{}, 1, 10, "user-1", false)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "user-1", orders[0].UserID)
	assert.Equal(t, 1, pagination.TotalOrders)

	orders, pagination, err = svc.ListOrders(context.Background(), port.OrderFilter{}, 1, 10, "user-1", true)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Equal(t, 2, pagination.TotalOrders)
	assert.False(t, pagination.HasNext)
}

func TestOrderStats_AdminOnly(t *testing.T) {
	svc, store, _ := newTestService()
	createTestOrder(t, svc, store, "user-1")

	_, err := svc.OrderStats(context.Background(), nil, nil, false)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	stats, err := svc.OrderStats(context.Background(), nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalOrders)
	assert.True(t, stats.TotalRevenue.Equal(decimal.NewFromInt(25)))
}
