package position

import "math"

// LiquidationPrice estimates where an isolated-margin linear short is liquidated:
//
//	entry * (1 + 1/leverage - mmr - takerFee)
//
// This is an approximation; venues add tiered maintenance margin and funding
// adjustments. A non-positive leverage or entry yields +Inf, which no mark price
// can cross.
func LiquidationPrice(entry, leverage, mmr, takerFee float64) float64 {
	if leverage <= 0 || entry <= 0 {
		return math.Inf(1)
	}
	return entry * (1 + 1/leverage - mmr - takerFee)
}

// crossed reports whether a short with the given liquidation price is underwater
// at mark.
func crossed(liquidationPrice, mark float64) bool {
	return mark > 0 && mark >= liquidationPrice
}
