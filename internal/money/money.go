// Package money holds the tax-inclusive price arithmetic used by sales and returns.
//
// Amounts flow through the calculator as unrounded decimals and are converted to
// integer cents only at the boundary (ToCents, Breakdown.Cents), so aggregate totals
// never accumulate per-line rounding drift.
package money

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Breakdown is a tax-inclusive amount split into its net and tax parts.
type Breakdown struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// CentsBreakdown is a Breakdown rounded to minor units. SubtotalCents+TaxCents always
// equals TotalCents.
type CentsBreakdown struct {
	SubtotalCents int64
	TaxCents      int64
	TotalCents    int64
}

// LineBreakdown derives subtotal and tax from a tax-inclusive unit price. No rounding
// is applied.
func LineBreakdown(unitPriceInclusive decimal.Decimal, quantity int64, taxRatePercent decimal.Decimal) Breakdown {
	total := unitPriceInclusive.Mul(decimal.NewFromInt(quantity))
	subtotal := total
	if taxRatePercent.IsPositive() {
		subtotal = total.Div(decimal.NewFromInt(1).Add(taxRatePercent.Div(hundred)))
	}
	return Breakdown{
		Subtotal: subtotal,
		Tax:      total.Sub(subtotal),
		Total:    total,
	}
}

// ApplyDiscount removes discount from the total and scales subtotal and tax by the
// same factor so the discount is allocated proportionally.
func ApplyDiscount(b Breakdown, discount decimal.Decimal) Breakdown {
	discounted := decimal.Max(decimal.Zero, b.Total.Sub(discount))
	if !b.Total.IsPositive() {
		return Breakdown{Subtotal: decimal.Zero, Tax: decimal.Zero, Total: discounted}
	}
	factor := discounted.Div(b.Total)
	return Breakdown{
		Subtotal: b.Subtotal.Mul(factor),
		Tax:      b.Tax.Mul(factor),
		Total:    discounted,
	}
}

// Add sums two breakdowns.
func (b Breakdown) Add(other Breakdown) Breakdown {
	return Breakdown{
		Subtotal: b.Subtotal.Add(other.Subtotal),
		Tax:      b.Tax.Add(other.Tax),
		Total:    b.Total.Add(other.Total),
	}
}

// Cents rounds total and tax to cents and derives the subtotal from them.
func (b Breakdown) Cents() CentsBreakdown {
	total := ToCents(b.Total)
	tax := ToCents(b.Tax)
	return CentsBreakdown{
		SubtotalCents: total - tax,
		TaxCents:      tax,
		TotalCents:    total,
	}
}

// ZeroBreakdown is the additive identity for Add.
func ZeroBreakdown() Breakdown {
	return Breakdown{Subtotal: decimal.Zero, Tax: decimal.Zero, Total: decimal.Zero}
}

// ToCents rounds half away from zero to two places and returns minor units.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

// FromCents converts minor units to a two-place decimal.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Format renders cents as a fixed two-decimal string.
func Format(cents int64) string {
	return FromCents(cents).StringFixed(2)
}
