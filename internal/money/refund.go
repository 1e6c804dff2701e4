package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	MethodCash  = "cash"
	MethodCard  = "card"
	MethodMixed = "mixed"
)

// Split is a refund divided between cash and card tenders.
type Split struct {
	Method    string
	CashCents int64
	CardCents int64
}

func (s Split) TotalCents() int64 {
	return s.CashCents + s.CardCents
}

// ResolveRefundSplit turns the operator's proposal into the split that will be
// committed. Known methods take the proposed amounts rounded to cents. Any other
// method falls back to the original sale's cash/card proportions of totalCents.
func ResolveRefundSplit(method string, proposedCash, proposedCard decimal.Decimal, totalCents, saleCashCents, saleCardCents int64) Split {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case MethodCash:
		return Split{Method: MethodCash, CashCents: ToCents(proposedCash)}
	case MethodCard:
		return Split{Method: MethodCard, CardCents: ToCents(proposedCard)}
	case MethodMixed:
		return Split{Method: MethodMixed, CashCents: ToCents(proposedCash), CardCents: ToCents(proposedCard)}
	}

	cash, card := ProportionalSplit(totalCents, saleCashCents, saleCardCents)
	split := Split{Method: MethodMixed, CashCents: cash, CardCents: card}
	switch {
	case card == 0:
		split.Method = MethodCash
	case cash == 0:
		split.Method = MethodCard
	}
	return split
}

// ProportionalSplit divides totalCents by the cashWeight:cardWeight ratio. The
// rounding remainder goes to the larger share so the parts sum exactly. With no
// usable weights the whole amount is cash.
func ProportionalSplit(totalCents, cashWeight, cardWeight int64) (int64, int64) {
	if cashWeight < 0 {
		cashWeight = 0
	}
	if cardWeight < 0 {
		cardWeight = 0
	}
	weights := cashWeight + cardWeight
	if weights == 0 {
		return totalCents, 0
	}

	total := decimal.NewFromInt(totalCents)
	sum := decimal.NewFromInt(weights)
	cash := total.Mul(decimal.NewFromInt(cashWeight)).Div(sum).Round(0).IntPart()
	card := total.Mul(decimal.NewFromInt(cardWeight)).Div(sum).Round(0).IntPart()

	remainder := totalCents - cash - card
	if cash >= card {
		cash += remainder
	} else {
		card += remainder
	}
	return cash, card
}
