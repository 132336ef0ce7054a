// slippage.go estimates execution slippage by walking order book depth.
package market

import (
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// InfeasibleSlippagePct is returned when the book holds less liquidity
// than the requested size. The risk gate treats it as an automatic reject.
var InfeasibleSlippagePct = decimal.NewFromInt(999)

var hundred = decimal.NewFromInt(100)

// EstimateSlippage walks the book for the given side and size and returns
// the expected slippage in percent relative to the best level:
// |avgFill - best| / best * 100. Pure function of its inputs.
//
// BUY walks asks ascending; SELL walks bids descending (the levels are
// already sorted that way per the OrderBook invariant).
func EstimateSlippage(book types.OrderBook, side types.Side, size decimal.Decimal) decimal.Decimal {
	if size.Sign() <= 0 {
		return decimal.Decimal{}
	}

	levels := book.Asks
	if side == types.Sell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return InfeasibleSlippagePct
	}

	best := levels[0].Price
	remaining := size
	cost := decimal.Decimal{}

	for _, lvl := range levels {
		take := lvl.Size
		if take.GreaterThan(remaining) {
			take = remaining
		}
		cost = cost.Add(lvl.Price.Mul(take))
		remaining = remaining.Sub(take)
		if remaining.Sign() == 0 {
			break
		}
	}
	if remaining.Sign() > 0 {
		return InfeasibleSlippagePct
	}

	avg := cost.Div(size)
	return avg.Sub(best).Abs().Div(best).Mul(hundred)
}

// Infeasible reports whether a slippage estimate is the sentinel.
func Infeasible(slippagePct decimal.Decimal) bool {
	return slippagePct.GreaterThanOrEqual(InfeasibleSlippagePct)
}
