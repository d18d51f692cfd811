// Package venue routes orders across external execution venues, tracking a
// decaying reputation score per venue and rotating on failure.
package venue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order is the routed order shape. Quantity and Price are exact decimals.
type Order struct {
	ID       uuid.UUID       `json:"id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"` // "buy" or "sell"
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Fill is a venue adapter's report for one placement attempt.
type Fill struct {
	Success        bool            `json:"success"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	Fee            decimal.Decimal `json:"fee"`
}

// Adapter is the boundary contract to one external venue. Implementations
// must be safe to call with a deadline-bearing context and must not leave
// ambiguous partial state on timeout.
type Adapter interface {
	Name() string
	PlaceOrder(ctx context.Context, order Order) (Fill, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID) (bool, error)
}

var ErrNoVenues = errors.New("venue: no candidate venues")
