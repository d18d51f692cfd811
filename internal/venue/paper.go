package venue

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperAdapter fills every order at its limit price with a flat fee rate.
// It stands in for real venue connectors in development and dry runs.
type PaperAdapter struct {
	name    string
	feeRate decimal.Decimal
}

func NewPaperAdapter(name string, feeRate decimal.Decimal) *PaperAdapter {
	return &PaperAdapter{name: name, feeRate: feeRate}
}

func (p *PaperAdapter) Name() string { return p.name }

func (p *PaperAdapter) PlaceOrder(ctx context.Context, order Order) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	notional := order.Quantity.Mul(order.Price)
	return Fill{
		Success:        true,
		FilledQuantity: order.Quantity,
		Price:          order.Price,
		Fee:            notional.Mul(p.feeRate),
	}, nil
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	return true, ctx.Err()
}
