package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rl1809/storefront/internal/core/domain"
)

// LookupItem returns nil, nil when the item does not exist.
func (m *MySQLAdapter) LookupItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, sku, price, stock, is_active, created_at, updated_at
		FROM products WHERE id = ?`, itemID,
	).Scan(&item.ID, &item.Name, &item.SKU, &item.Price, &item.Stock,
		&item.Active, &item.CreatedAt, &item.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return &item, nil
}

func (m *MySQLAdapter) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, sku, price, stock, is_active, created_at, updated_at
		FROM products`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []domain.InventoryItem
	for rows.Next() {
		var item domain.InventoryItem
		if err := rows.Scan(&item.ID, &item.Name, &item.SKU, &item.Price, &item.Stock,
			&item.Active, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (m *MySQLAdapter) ReadCart(ctx context.Context, userID string) ([]domain.CartLine, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT item_id, quantity, price FROM cart_items
		WHERE user_id = ? ORDER BY added_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}
	defer rows.Close()

	var lines []domain.CartLine
	for rows.Next() {
		var l domain.CartLine
		if err := rows.Scan(&l.ItemID, &l.Quantity, &l.Price); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (m *MySQLAdapter) ClearCart(ctx context.Context, userID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// IsActiveUser reports false for unknown users.
func (m *MySQLAdapter) IsActiveUser(ctx context.Context, userID string) (bool, error) {
	var active bool
	err := m.db.QueryRowContext(ctx, `SELECT is_active FROM users WHERE id = ?`, userID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return active, nil
}
