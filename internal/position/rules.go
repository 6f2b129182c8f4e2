package position

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InstrumentRules are the exchange's rounding and size constraints for a coin.
type InstrumentRules struct {
	TickSize float64 `json:"tick_size" yaml:"tick_size"`
	QtyStep  float64 `json:"qty_step" yaml:"qty_step"`
	MinQty   float64 `json:"min_qty" yaml:"min_qty"`
	MaxQty   float64 `json:"max_qty" yaml:"max_qty"`
}

// RoundQty floors qty to the quantity step. A zero step leaves qty unchanged.
func (r InstrumentRules) RoundQty(qty float64) float64 {
	return floorToStep(qty, r.QtyStep)
}

// RoundPrice floors price to the tick size.
func (r InstrumentRules) RoundPrice(price float64) float64 {
	return floorToStep(price, r.TickSize)
}

// Validate checks qty against the minimum and maximum order size.
func (r InstrumentRules) Validate(qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidQuantity, qty)
	}
	if r.MinQty > 0 && qty < r.MinQty {
		return fmt.Errorf("%w: qty %v < min %v", ErrBelowMinimum, qty, r.MinQty)
	}
	if r.MaxQty > 0 && qty > r.MaxQty {
		return fmt.Errorf("%w: qty %v > max %v", ErrInvalidQuantity, qty, r.MaxQty)
	}
	return nil
}

// SplitPartial floors qty to the step and checks that closing it out of size leaves
// both the closed and the remaining quantity tradable. It returns the rounded close
// and the remainder.
func (r InstrumentRules) SplitPartial(size, qty float64) (float64, float64, error) {
	rounded := r.RoundQty(qty)
	if !(rounded > 0) {
		return 0, 0, fmt.Errorf("%w: %v rounds to %v", ErrInvalidQuantity, qty, rounded)
	}
	if rounded >= size {
		return 0, 0, fmt.Errorf("%w: %v >= %v", ErrPartialExceedsSize, rounded, size)
	}
	remaining := subtract(size, rounded)
	if r.MinQty > 0 && (rounded < r.MinQty || remaining < r.MinQty) {
		return 0, 0, fmt.Errorf("%w: close %v leaves %v (min %v)", ErrBelowMinimum, rounded, remaining, r.MinQty)
	}
	return rounded, remaining, nil
}

func floorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	return d.Div(s).Floor().Mul(s).InexactFloat64()
}

// subtract returns a-b computed in decimal so repeated partial closes do not
// accumulate binary rounding noise.
func subtract(a, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).InexactFloat64()
}
