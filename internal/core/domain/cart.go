package domain

import "github.com/shopspring/decimal"

// CartLine is one entry of a user's mutable cart. The captured price is
// advisory only; it is refreshed against the catalog at checkout.
type CartLine struct {
	ItemID   string
	Quantity int
	Price    decimal.Decimal
}
