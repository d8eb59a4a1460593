package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// StockEffect describes what a status transition does to the inventory
// ledger. Reserve decrements each line's item by its quantity, release
// increments it back.
type StockEffect int

const (
	StockEffectNone StockEffect = iota
	StockEffectReserve
	StockEffectRelease
)

// transitions is the closed table of legal status moves. Anything not
// listed here is rejected; terminal states have no outgoing edges.
var transitions = map[OrderStatus]map[OrderStatus]StockEffect{
	OrderStatusPending: {
		OrderStatusConfirmed: StockEffectReserve,
		OrderStatusCancelled: StockEffectNone, // nothing was reserved yet
	},
	OrderStatusConfirmed: {
		OrderStatusPending:   StockEffectRelease, // admin revert
		OrderStatusShipped:   StockEffectNone,
		OrderStatusCancelled: StockEffectRelease,
	},
	OrderStatusShipped: {
		OrderStatusDelivered: StockEffectNone,
	},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

func (s OrderStatus) CanTransition(to OrderStatus) bool {
	_, ok := transitions[s][to]
	return ok
}

// Effect returns the ledger side effect of moving from s to the given
// status. Callers must check CanTransition first; an illegal pair
// reports StockEffectNone.
func (s OrderStatus) Effect(to OrderStatus) StockEffect {
	return transitions[s][to]
}

func (s OrderStatus) String() string {
	return string(s)
}

type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// OrderLine is a point-in-time snapshot of a purchased item. Name and
// unit price are denormalized so the order survives later catalog
// edits or deletion.
type OrderLine struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type Order struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	OrderNumber        string          `json:"order_number"`
	Lines              []OrderLine     `json:"lines"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	Status             OrderStatus     `json:"status"`
	ShippingAddress    Address         `json:"shipping_address"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ComputeTotal sums the line totals. The persisted TotalAmount must
// always equal this.
func (o *Order) ComputeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.LineTotal)
	}
	return total
}
