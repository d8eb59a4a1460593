package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// MySQLAdapter is the authoritative store for orders and the inventory
// ledger. Every stock-touching transition runs inside one transaction:
// order row lock, fresh stock reads, stock writes, status write.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

const orderColumns = `id, user_id, order_number, total_amount, status, cancellation_reason,
	ship_street, ship_city, ship_region, ship_postal_code, ship_country,
	created_at, updated_at`

func (m *MySQLAdapter) CreateOrder(ctx context.Context, order *domain.Order) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.UserID, order.OrderNumber, order.TotalAmount, order.Status,
		order.ShippingAddress.Street, order.ShippingAddress.City, order.ShippingAddress.Region,
		order.ShippingAddress.PostalCode, order.ShippingAddress.Country,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, line := range order.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, position, item_id, item_name, quantity, unit_price, line_total)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			order.ID, i, line.ItemID, line.Name, line.Quantity, line.UnitPrice, line.LineTotal,
		)
		if err != nil {
			return fmt.Errorf("insert order line %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID, ownerID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	args := []any{orderID}
	if ownerID != "" {
		query += ` AND user_id = ?`
		args = append(args, ownerID)
	}

	order, err := scanOrder(m.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	linesByOrder, err := m.loadLines(ctx, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Lines = linesByOrder[order.ID]
	return order, nil
}

func (m *MySQLAdapter) ListOrders(ctx context.Context, filter port.OrderFilter, page, pageSize int) ([]*domain.Order, port.Pagination, error) {
	conds := []string{"1=1"}
	args := []any{}

	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.DateFrom != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, *filter.DateTo)
	}
	if filter.MinAmount != nil {
		conds = append(conds, "total_amount >= ?")
		args = append(args, *filter.MinAmount)
	}
	if filter.MaxAmount != nil {
		conds = append(conds, "total_amount <= ?")
		args = append(args, *filter.MaxAmount)
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE `+where, args...).Scan(&total); err != nil {
		return nil, port.Pagination{}, fmt.Errorf("count orders: %w", err)
	}

	pageArgs := append(args, pageSize, (page-1)*pageSize)
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, port.Pagination{}, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, port.Pagination{}, err
	}
	if err := m.attachLines(ctx, orders); err != nil {
		return nil, port.Pagination{}, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	return orders, port.Pagination{
		CurrentPage: page,
		TotalPages:  totalPages,
		TotalOrders: total,
		HasNext:     page < totalPages,
		HasPrev:     page > 1,
	}, nil
}

func (m *MySQLAdapter) SearchOrdersByNumber(ctx context.Context, fragment, ownerID string) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_number LIKE ?`
	args := []any{"%" + fragment + "%"}
	if ownerID != "" {
		query += ` AND user_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC LIMIT 10`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search orders: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}
	if err := m.attachLines(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (m *MySQLAdapter) OrderStats(ctx context.Context, from, to *time.Time) (*port.OrderStats, error) {
	conds := []string{"1=1"}
	args := []any{}
	if from != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *from)
	}
	if to != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, *to)
	}
	where := strings.Join(conds, " AND ")

	stats := &port.OrderStats{}
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_amount), 0), COALESCE(AVG(total_amount), 0)
		FROM orders WHERE `+where, args...,
	).Scan(&stats.TotalOrders, &stats.TotalRevenue, &stats.AverageOrder)
	if err != nil {
		return nil, fmt.Errorf("order totals: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total_amount), 0)
		FROM orders WHERE `+where+`
		GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("status stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st port.StatusStat
		if err := rows.Scan(&st.Status, &st.Count, &st.Revenue); err != nil {
			return nil, fmt.Errorf("scan status stat: %w", err)
		}
		stats.ByStatus = append(stats.ByStatus, st)
	}
	return stats, rows.Err()
}

func (m *MySQLAdapter) TransitionOrder(ctx context.Context, orderID string, from, to domain.OrderStatus, reason string, effect domain.StockEffect) (*domain.Order, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the order row first. Concurrent transitions on the same
	// order serialize here; the loser sees the winner's status and
	// fails the precondition below.
	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ? FOR UPDATE`, orderID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, mapTxErr("lock order", err)
	}
	if current != string(from) {
		return nil, fmt.Errorf("%w: order is %s", domain.ErrAlreadyProcessed, current)
	}

	lines, err := loadLineQuantities(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	switch effect {
	case domain.StockEffectReserve:
		if err := reserveStock(ctx, tx, lines); err != nil {
			return nil, err
		}
	case domain.StockEffectRelease:
		if err := releaseStock(ctx, tx, lines); err != nil {
			return nil, err
		}
	}

	if to == domain.OrderStatusCancelled && reason != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET status = ?, cancellation_reason = ?, updated_at = NOW()
			WHERE id = ?`, to, reason, orderID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET status = ?, updated_at = NOW()
			WHERE id = ?`, to, orderID)
	}
	if err != nil {
		return nil, mapTxErr("update status", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxErr("commit", err)
	}

	return m.GetOrder(ctx, orderID, "")
}

type lineQuantity struct {
	itemID   string
	name     string
	quantity int
}

func loadLineQuantities(ctx context.Context, tx *sql.Tx, orderID string) ([]lineQuantity, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT item_id, item_name, quantity FROM order_lines
		WHERE order_id = ? ORDER BY position`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order lines: %w", err)
	}
	defer rows.Close()

	var lines []lineQuantity
	for rows.Next() {
		var l lineQuantity
		if err := rows.Scan(&l.itemID, &l.name, &l.quantity); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// reserveStock re-checks every line's current stock under row locks and
// decrements. If any line fails its guard the whole transaction rolls
// back with an itemized shortfall report; no partial decrement is ever
// retained.
func reserveStock(ctx context.Context, tx *sql.Tx, lines []lineQuantity) error {
	var failures []domain.LineFailure

	for _, l := range lines {
		var stock int
		err := tx.QueryRowContext(ctx, `
			SELECT stock FROM products WHERE id = ? FOR UPDATE`, l.itemID).Scan(&stock)
		if errors.Is(err, sql.ErrNoRows) {
			failures = append(failures, domain.LineFailure{
				ItemID:    l.itemID,
				Name:      l.name,
				Requested: l.quantity,
				Reason:    domain.ErrItemUnavailable,
			})
			continue
		}
		if err != nil {
			return mapTxErr("read stock", err)
		}
		if stock < l.quantity {
			failures = append(failures, domain.LineFailure{
				ItemID:    l.itemID,
				Name:      l.name,
				Requested: l.quantity,
				Available: stock,
				Reason:    domain.ErrInsufficientStock,
			})
		}
	}
	if len(failures) > 0 {
		return &domain.ValidationError{Failures: failures}
	}

	for _, l := range lines {
		res, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock - ?, updated_at = NOW()
			WHERE id = ? AND stock >= ?`, l.quantity, l.itemID, l.quantity)
		if err != nil {
			return mapTxErr("decrement stock", err)
		}
		// Rows are locked above, so the guard cannot fail here unless
		// something else is badly wrong.
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("decrement stock for %s: guard failed under lock", l.itemID)
		}
	}
	return nil
}

// releaseStock adds quantities back. An item whose row is gone is
// skipped: the order's historical record is unaffected and the
// bookkeeping for a deleted item is simply dropped.
func releaseStock(ctx context.Context, tx *sql.Tx, lines []lineQuantity) error {
	for _, l := range lines {
		_, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + ?, updated_at = NOW()
			WHERE id = ?`, l.quantity, l.itemID)
		if err != nil {
			return mapTxErr("increment stock", err)
		}
	}
	return nil
}

// mapTxErr turns InnoDB serialization failures into the retryable
// ErrTransactionAborted. 1213 = deadlock, 1205 = lock wait timeout.
func mapTxErr(op string, err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == 1213 || me.Number == 1205) {
		return fmt.Errorf("%s: %w", op, domain.ErrTransactionAborted)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var reason sql.NullString
	err := row.Scan(
		&o.ID, &o.UserID, &o.OrderNumber, &o.TotalAmount, &o.Status, &reason,
		&o.ShippingAddress.Street, &o.ShippingAddress.City, &o.ShippingAddress.Region,
		&o.ShippingAddress.PostalCode, &o.ShippingAddress.Country,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.CancellationReason = reason.String
	return &o, nil
}

func collectOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (m *MySQLAdapter) attachLines(ctx context.Context, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	linesByOrder, err := m.loadLines(ctx, ids)
	if err != nil {
		return err
	}
	for _, o := range orders {
		o.Lines = linesByOrder[o.ID]
	}
	return nil
}

func (m *MySQLAdapter) loadLines(ctx context.Context, orderIDs []string) (map[string][]domain.OrderLine, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(orderIDs)), ",")
	args := make([]any, len(orderIDs))
	for i, id := range orderIDs {
		args[i] = id
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT order_id, item_id, item_name, quantity, unit_price, line_total
		FROM order_lines WHERE order_id IN (`+placeholders+`)
		ORDER BY order_id, position`, args...)
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.OrderLine, len(orderIDs))
	for rows.Next() {
		var orderID string
		var l domain.OrderLine
		if err := rows.Scan(&orderID, &l.ItemID, &l.Name, &l.Quantity, &l.UnitPrice, &l.LineTotal); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		out[orderID] = append(out[orderID], l)
	}
	return out, rows.Err()
}
