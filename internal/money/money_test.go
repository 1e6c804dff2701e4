package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestLineBreakdownTaxInclusive(t *testing.T) {
	b := LineBreakdown(dec(t, "115.00"), 1, dec(t, "15"))

	c := b.Cents()
	assert.Equal(t, int64(10000), c.SubtotalCents)
	assert.Equal(t, int64(1500), c.TaxCents)
	assert.Equal(t, int64(11500), c.TotalCents)
}

func TestLineBreakdownZeroRate(t *testing.T) {
	b := LineBreakdown(dec(t, "12.50"), 4, decimal.Zero)

	assert.True(t, b.Total.Equal(dec(t, "50")))
	assert.True(t, b.Subtotal.Equal(b.Total))
	assert.True(t, b.Tax.IsZero())
}

func TestLineBreakdownMultipleUnits(t *testing.T) {
	b := LineBreakdown(dec(t, "10.00"), 3, dec(t, "11"))

	c := b.Cents()
	assert.Equal(t, int64(3000), c.TotalCents)
	assert.Equal(t, int64(297), c.TaxCents)
	assert.Equal(t, c.TotalCents, c.SubtotalCents+c.TaxCents)
}

func TestApplyDiscountScalesProportionally(t *testing.T) {
	cart := Breakdown{Subtotal: dec(t, "160"), Tax: dec(t, "40"), Total: dec(t, "200")}

	got := ApplyDiscount(cart, dec(t, "50"))

	assert.True(t, got.Total.Equal(dec(t, "150")), "total %s", got.Total)
	assert.True(t, got.Subtotal.Equal(dec(t, "120")), "subtotal %s", got.Subtotal)
	assert.True(t, got.Tax.Equal(dec(t, "30")), "tax %s", got.Tax)
}

func TestApplyDiscountNeverNegative(t *testing.T) {
	cart := Breakdown{Subtotal: dec(t, "8"), Tax: dec(t, "2"), Total: dec(t, "10")}

	got := ApplyDiscount(cart, dec(t, "25"))

	assert.True(t, got.Total.IsZero())
	assert.True(t, got.Subtotal.IsZero())
	assert.True(t, got.Tax.IsZero())
}

func TestApplyDiscountOnEmptyCart(t *testing.T) {
	got := ApplyDiscount(ZeroBreakdown(), dec(t, "5"))

	assert.True(t, got.Total.IsZero())
	assert.True(t, got.Subtotal.IsZero())
}

func TestApplyDiscountRoundTrip(t *testing.T) {
	cases := []struct {
		price    string
		qty      int64
		rate     string
		discount string
	}{
		{"115.00", 1, "15", "10.00"},
		{"19.99", 7, "11", "3.33"},
		{"0.99", 13, "7.5", "1.01"},
		{"250.00", 2, "0", "99.99"},
	}

	for _, tc := range cases {
		original := LineBreakdown(dec(t, tc.price), tc.qty, dec(t, tc.rate))
		discounted := ApplyDiscount(original, dec(t, tc.discount))
		factor := discounted.Total.Div(original.Total)

		restored := Breakdown{
			Subtotal: discounted.Subtotal.Div(factor),
			Tax:      discounted.Tax.Div(factor),
			Total:    discounted.Total.Div(factor),
		}

		tolerance := dec(t, "0.01")
		assert.True(t, restored.Total.Sub(original.Total).Abs().LessThanOrEqual(tolerance), "total %s vs %s", restored.Total, original.Total)
		assert.True(t, restored.Subtotal.Sub(original.Subtotal).Abs().LessThanOrEqual(tolerance), "subtotal %s vs %s", restored.Subtotal, original.Subtotal)
		assert.True(t, restored.Tax.Sub(original.Tax).Abs().LessThanOrEqual(tolerance), "tax %s vs %s", restored.Tax, original.Tax)

		c := discounted.Cents()
		assert.Equal(t, c.TotalCents, c.SubtotalCents+c.TaxCents)
	}
}

func TestToCentsRoundsHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, int64(101), ToCents(dec(t, "1.005")))
	assert.Equal(t, int64(100), ToCents(dec(t, "1.004")))
	assert.Equal(t, int64(-101), ToCents(dec(t, "-1.005")))
	assert.Equal(t, "40.00", Format(4000))
	assert.True(t, FromCents(1499).Equal(dec(t, "14.99")))
}

func TestResolveRefundSplitMixed(t *testing.T) {
	split := ResolveRefundSplit("mixed", dec(t, "25.00"), dec(t, "15.00"), 4000, 0, 0)
	assert.Equal(t, int64(2500), split.CashCents)
	assert.Equal(t, int64(1500), split.CardCents)
	assert.Equal(t, int64(4000), split.TotalCents())

	short := ResolveRefundSplit("mixed", dec(t, "25.00"), dec(t, "14.99"), 4000, 0, 0)
	assert.Equal(t, int64(3999), short.TotalCents())
}

func TestResolveRefundSplitSingleTender(t *testing.T) {
	cash := ResolveRefundSplit("CASH", dec(t, "12.345"), dec(t, "99"), 1235, 0, 0)
	assert.Equal(t, MethodCash, cash.Method)
	assert.Equal(t, int64(1235), cash.CashCents)
	assert.Zero(t, cash.CardCents)

	card := ResolveRefundSplit("card", dec(t, "99"), dec(t, "7.10"), 710, 0, 0)
	assert.Equal(t, MethodCard, card.Method)
	assert.Zero(t, card.CashCents)
	assert.Equal(t, int64(710), card.CardCents)
}

func TestResolveRefundSplitFallsBackToSaleRatio(t *testing.T) {
	split := ResolveRefundSplit("", decimal.Zero, decimal.Zero, 1000, 2000, 1000)
	assert.Equal(t, MethodMixed, split.Method)
	assert.Equal(t, int64(667), split.CashCents)
	assert.Equal(t, int64(333), split.CardCents)

	cashOnly := ResolveRefundSplit("voucher", decimal.Zero, decimal.Zero, 999, 5000, 0)
	assert.Equal(t, MethodCash, cashOnly.Method)
	assert.Equal(t, int64(999), cashOnly.CashCents)
}

func TestProportionalSplitRemainderGoesToLargerShare(t *testing.T) {
	cases := []struct {
		total, cashW, cardW int64
	}{
		{1, 1, 1},
		{101, 1, 1},
		{1000, 1, 2},
		{3333, 7, 3},
		{5, 0, 0},
		{250, 1, 999},
	}
	for _, tc := range cases {
		cash, card := ProportionalSplit(tc.total, tc.cashW, tc.cardW)
		assert.Equal(t, tc.total, cash+card, "total=%d weights=%d:%d", tc.total, tc.cashW, tc.cardW)
		assert.GreaterOrEqual(t, cash, int64(0))
		assert.GreaterOrEqual(t, card, int64(0))
	}

	cash, card := ProportionalSplit(101, 1, 1)
	assert.Equal(t, int64(50), cash)
	assert.Equal(t, int64(51), card)

	cash, card = ProportionalSplit(1001, 2, 1)
	assert.Equal(t, int64(667), cash)
	assert.Equal(t, int64(334), card)
}
