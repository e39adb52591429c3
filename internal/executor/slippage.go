package executor

import (
	"github.com/shopspring/decimal"

	"github.com/crypto-trading/funding/internal/domain"
)

// Slippage above this on a market entry is worth an operator's
// attention: at 8h funding it can eat more than a day of yield.
var maxEntrySlippageBps = decimal.NewFromInt(20)

// estimateFill walks the side of the book a market order would consume
// and returns the volume-weighted fill price. ok is false when the
// visible depth cannot absorb the quantity.
func estimateFill(book *domain.OrderBook, side domain.OrderSide, qty decimal.Decimal) (decimal.Decimal, bool) {
	if book == nil || !qty.IsPositive() {
		return decimal.Zero, false
	}

	levels := book.Asks
	if side == domain.OrderSideSell {
		levels = book.Bids
	}

	remaining := qty
	cost := decimal.Zero
	for _, lvl := range levels {
		take := lvl.Size
		if take.GreaterThan(remaining) {
			take = remaining
		}
		cost = cost.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			return cost.Div(qty), true
		}
	}
	return decimal.Zero, false
}

// slippageBps measures how far the estimated fill sits from mid, in
// basis points. Always non-negative.
func slippageBps(mid, fill decimal.Decimal) decimal.Decimal {
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return fill.Sub(mid).Abs().Div(mid).Mul(decimal.NewFromInt(10000))
}
