package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// ValidatedCart is the immutable, priced snapshot produced from a
// user's cart at checkout. Dropped lists the lines removed because
// their item disappeared or was deactivated since being added.
type ValidatedCart struct {
	Lines   []domain.OrderLine
	Total   decimal.Decimal
	Dropped []domain.LineFailure
}

// CartValidator gates order creation. It is a pure read: it never
// writes to the ledger or the cart.
type CartValidator struct {
	catalog port.CatalogRepository
}

func NewCartValidator(catalog port.CatalogRepository) *CartValidator {
	return &CartValidator{catalog: catalog}
}

// Validate checks every cart line against the current catalog state.
// Lines whose item is missing or inactive are dropped and reported.
// Unit prices are refreshed to the item's current price; the cart is
// not a price lock. Stock shortfalls are collected across all
// remaining lines and returned together as a *domain.ValidationError.
func (v *CartValidator) Validate(ctx context.Context, lines []domain.CartLine) (*ValidatedCart, error) {
	out := &ValidatedCart{Total: decimal.Zero}
	var shortfalls []domain.LineFailure

	for _, cl := range lines {
		item, err := v.catalog.LookupItem(ctx, cl.ItemID)
		if err != nil {
			return nil, fmt.Errorf("lookup item %s: %w", cl.ItemID, err)
		}
		if item == nil || !item.Active {
			f := domain.LineFailure{ItemID: cl.ItemID, Requested: cl.Quantity, Reason: domain.ErrItemUnavailable}
			if item != nil {
				f.Name = item.Name
			}
			out.Dropped = append(out.Dropped, f)
			continue
		}
		if item.Stock < cl.Quantity {
			shortfalls = append(shortfalls, domain.LineFailure{
				ItemID:    item.ID,
				Name:      item.Name,
				Requested: cl.Quantity,
				Available: item.Stock,
				Reason:    domain.ErrInsufficientStock,
			})
			continue
		}

		lineTotal := item.Price.Mul(decimal.NewFromInt(int64(cl.Quantity)))
		out.Lines = append(out.Lines, domain.OrderLine{
			ItemID:    item.ID,
			Name:      item.Name,
			Quantity:  cl.Quantity,
			UnitPrice: item.Price,
			LineTotal: lineTotal,
		})
		out.Total = out.Total.Add(lineTotal)
	}

	if len(shortfalls) > 0 {
		return nil, &domain.ValidationError{Failures: shortfalls}
	}
	if len(out.Lines) == 0 {
		if len(out.Dropped) > 0 {
			return nil, fmt.Errorf("%w: all %d lines unavailable", domain.ErrEmptyCart, len(out.Dropped))
		}
		return nil, domain.ErrEmptyCart
	}

	return out, nil
}
