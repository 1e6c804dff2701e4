package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/money"
)

// QuantityEpsilon absorbs representation error in legacy fractional return quantities.
var QuantityEpsilon = decimal.New(1, -6)

type refKind uint8

const (
	refNone refKind = iota
	refSaleLine
	refProduct
)

// SaleLineRef points at a sale line either directly or through its product.
type SaleLineRef struct {
	kind refKind
	id   string
}

func BySaleLineID(id string) SaleLineRef {
	return SaleLineRef{kind: refSaleLine, id: id}
}

func ByProductID(id string) SaleLineRef {
	return SaleLineRef{kind: refProduct, id: id}
}

// RefFor prefers the sale line id when the client supplied one.
func RefFor(item ReturnItemRequest) SaleLineRef {
	switch {
	case item.SaleLineID != "":
		return BySaleLineID(item.SaleLineID)
	case item.ProductID != "":
		return ByProductID(item.ProductID)
	default:
		return SaleLineRef{}
	}
}

func (r SaleLineRef) IsZero() bool {
	return r.kind == refNone || r.id == ""
}

func (r SaleLineRef) String() string {
	switch r.kind {
	case refSaleLine:
		return "sale_line:" + r.id
	case refProduct:
		return "product:" + r.id
	default:
		return "none"
	}
}

// Resolve returns the canonical sale line. A product reference picks the first line
// of that product that can still absorb want, falling back to its first line.
func (r SaleLineRef) Resolve(lines []SaleLine, returned map[string]decimal.Decimal, want decimal.Decimal) (SaleLine, bool) {
	switch r.kind {
	case refSaleLine:
		for _, line := range lines {
			if line.ID == r.id {
				return line, true
			}
		}
	case refProduct:
		var first *SaleLine
		for i := range lines {
			line := lines[i]
			if line.ProductID != r.id {
				continue
			}
			if first == nil {
				first = &lines[i]
			}
			if !ExceedsSold(line.Quantity, returned[line.ID].Add(want)) {
				return line, true
			}
		}
		if first != nil {
			return *first, true
		}
	}
	return SaleLine{}, false
}

// ExceedsSold reports whether returned is more than sold beyond QuantityEpsilon.
func ExceedsSold(sold int, returned decimal.Decimal) bool {
	return returned.GreaterThan(decimal.NewFromInt(int64(sold)).Add(QuantityEpsilon))
}

// ReturnTally sums prior returns for one sale.
type ReturnTally struct {
	ByLine          map[string]decimal.Decimal
	LegacyByProduct map[string]decimal.Decimal
}

func NewReturnTally() ReturnTally {
	return ReturnTally{
		ByLine:          make(map[string]decimal.Decimal),
		LegacyByProduct: make(map[string]decimal.Decimal),
	}
}

func (t ReturnTally) Add(line ReturnLine) {
	if line.SaleLineID != "" {
		t.ByLine[line.SaleLineID] = t.ByLine[line.SaleLineID].Add(line.Quantity)
		return
	}
	t.LegacyByProduct[line.ProductID] = t.LegacyByProduct[line.ProductID].Add(line.Quantity)
}

// PerLine attributes the tally to the sale's lines. Legacy quantities fill lines of
// the same product in order; any excess lands on that product's last line.
func (t ReturnTally) PerLine(lines []SaleLine) map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal, len(lines))
	for _, line := range lines {
		result[line.ID] = t.ByLine[line.ID]
	}

	products := make([]string, 0, len(t.LegacyByProduct))
	for productID := range t.LegacyByProduct {
		products = append(products, productID)
	}
	sort.Strings(products)

	for _, productID := range products {
		left := t.LegacyByProduct[productID]
		lastID := ""
		for _, line := range lines {
			if line.ProductID != productID || !left.IsPositive() {
				continue
			}
			lastID = line.ID
			capacity := decimal.NewFromInt(int64(line.Quantity)).Sub(result[line.ID])
			if !capacity.IsPositive() {
				continue
			}
			take := decimal.Min(capacity, left)
			result[line.ID] = result[line.ID].Add(take)
			left = left.Sub(take)
		}
		if left.IsPositive() && lastID != "" {
			result[lastID] = result[lastID].Add(left)
		}
	}
	return result
}

type PlannedReturnLine struct {
	SaleLine    SaleLine
	Quantity    int
	Reason      string
	RefundCents int64
}

// ReturnPlan is a fully validated return, ready to be written in one transaction.
type ReturnPlan struct {
	ReturnID   string
	RefundID   string
	ReceiptID  string
	SaleID     string
	ActorID    string
	Lines      []PlannedReturnLine
	Split      money.Split
	TotalCents int64
	CreatedAt  time.Time
}

func (p ReturnPlan) RequestedByLine() map[string]int {
	requested := make(map[string]int, len(p.Lines))
	for _, line := range p.Lines {
		requested[line.SaleLine.ID] += line.Quantity
	}
	return requested
}

// Verify re-checks the plan against a fresh tally. It returns the id of the first
// sale line that would be over-returned.
func (p ReturnPlan) Verify(saleLines []SaleLine, tally ReturnTally) (string, bool) {
	returned := tally.PerLine(saleLines)
	sold := make(map[string]int, len(saleLines))
	for _, line := range saleLines {
		sold[line.ID] = line.Quantity
	}

	requested := p.RequestedByLine()
	ids := make([]string, 0, len(requested))
	for id := range requested {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		qty, ok := sold[id]
		if !ok {
			return id, false
		}
		if ExceedsSold(qty, returned[id].Add(decimal.NewFromInt(int64(requested[id])))) {
			return id, false
		}
	}
	return "", true
}

func (p ReturnPlan) ReturnLines() []ReturnLine {
	lines := make([]ReturnLine, 0, len(p.Lines))
	for _, planned := range p.Lines {
		lines = append(lines, ReturnLine{
			ReturnID:    p.ReturnID,
			SaleID:      p.SaleID,
			SaleLineID:  planned.SaleLine.ID,
			ProductID:   planned.SaleLine.ProductID,
			Quantity:    decimal.NewFromInt(int64(planned.Quantity)),
			Reason:      planned.Reason,
			RefundCents: planned.RefundCents,
			ActorID:     p.ActorID,
			CreatedAt:   p.CreatedAt,
		})
	}
	return lines
}

func (p ReturnPlan) Refund() Refund {
	return Refund{
		ID:         p.RefundID,
		ReturnID:   p.ReturnID,
		SaleID:     p.SaleID,
		Method:     p.Split.Method,
		TotalCents: p.TotalCents,
		CashCents:  p.Split.CashCents,
		CardCents:  p.Split.CardCents,
		ActorID:    p.ActorID,
		CreatedAt:  p.CreatedAt,
	}
}

// Receipt snapshots the plan. names maps product id to display name.
func (p ReturnPlan) Receipt(names map[string]string) ReturnReceipt {
	items := make([]ReceiptItem, 0, len(p.Lines))
	for _, planned := range p.Lines {
		items = append(items, ReceiptItem{
			SaleLineID:     planned.SaleLine.ID,
			ProductID:      planned.SaleLine.ProductID,
			ProductName:    names[planned.SaleLine.ProductID],
			Quantity:       planned.Quantity,
			UnitPrice:      money.Amount(planned.SaleLine.UnitPriceCents),
			LineTotal:      money.Amount(planned.RefundCents),
			TaxRatePercent: planned.SaleLine.TaxRatePercent,
			Reason:         planned.Reason,
		})
	}

	return ReturnReceipt{
		ID:         p.ReceiptID,
		SaleID:     p.SaleID,
		RefundID:   p.RefundID,
		TotalCents: p.TotalCents,
		CashCents:  p.Split.CashCents,
		CardCents:  p.Split.CardCents,
		ActorID:    p.ActorID,
		CreatedAt:  p.CreatedAt,
		Payload: ReceiptPayload{
			ReceiptID:     p.ReceiptID,
			ReturnID:      p.ReturnID,
			SaleID:        p.SaleID,
			RefundID:      p.RefundID,
			Items:         items,
			PaymentMethod: p.Split.Method,
			CashRefund:    money.Amount(p.Split.CashCents),
			CardRefund:    money.Amount(p.Split.CardCents),
			TotalRefund:   money.Amount(p.TotalCents),
			ActorID:       p.ActorID,
			CreatedAt:     p.CreatedAt,
		},
	}
}
