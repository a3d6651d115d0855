package engine

import "github.com/shopspring/decimal"

// Position is the compounding state the engine advances on every fill.
// Capital moves only through realized P/L on SELL fills; CostBasis grows on
// BUY fills and shrinks proportionally on SELL fills.
type Position struct {
	Capital   decimal.Decimal
	CostBasis decimal.Decimal
}

// ApplyBuyFill attributes the executed quote value to the held inventory.
// Capital is untouched; profit is only realized on exit.
func ApplyBuyFill(p Position, quoteValue decimal.Decimal) Position {
	p.CostBasis = p.CostBasis.Add(quoteValue)
	return p
}

// ApplySellFill realizes P/L for a sell of soldQty base units at quoteValue,
// given the base balance remaining after the fill. Returns the new position
// and the realized profit.
//
// The cost of the sold portion is attributed by the fraction of total
// holdings sold: ratio = soldQty / (remaining + soldQty). When nothing was
// held before the sell the attribution is skipped entirely and realized
// profit is zero (there is no basis to divide).
//
// Dust cleanup: a remainder smaller than soldQty * dustFactor is residual
// float, not a real position; the cost basis is forced to exactly zero so
// the drift cannot poison future P/L indefinitely.
func ApplySellFill(p Position, quoteValue, soldQty, remaining, dustFactor decimal.Decimal) (Position, decimal.Decimal) {
	totalHeld := remaining.Add(soldQty)
	if totalHeld.Sign() <= 0 {
		return p, decimal.Zero
	}

	ratio := soldQty.Div(totalHeld)
	costOfSold := p.CostBasis.Mul(ratio)
	profit := quoteValue.Sub(costOfSold)

	p.Capital = p.Capital.Add(profit)
	p.CostBasis = p.CostBasis.Sub(costOfSold)

	if remaining.LessThan(soldQty.Mul(dustFactor)) {
		p.CostBasis = decimal.Zero
	}

	return p, profit
}
