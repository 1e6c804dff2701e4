package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/money"
	"posledger/backend/internal/store"
)

func newStore(stock map[string]int) *Store {
	s := New()
	for id, qty := range stock {
		s.PutProduct(domain.Product{ID: id, Name: "Product " + id, PriceCents: 1000, Stock: qty, Active: true})
	}
	return s
}

func line(productID string, qty int) domain.SaleLine {
	return domain.SaleLine{ProductID: productID, Quantity: qty, UnitPriceCents: 1000, TotalCents: 1000 * int64(qty)}
}

func stock(t *testing.T, s *Store, productID string) int {
	t.Helper()
	p, err := s.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.Stock
}

func TestLedgerGuardsAndIncrements(t *testing.T) {
	ctx := context.Background()
	s := newStore(map[string]int{"P-1": 2})

	require.NoError(t, s.DecrementStockGuarded(ctx, "P-1", 2))
	assert.ErrorIs(t, s.DecrementStockGuarded(ctx, "P-1", 1), store.ErrInsufficientStock)
	assert.ErrorIs(t, s.DecrementStockGuarded(ctx, "P-404", 1), store.ErrInsufficientStock)

	require.NoError(t, s.IncrementStock(ctx, "P-1", 3))
	assert.Equal(t, 3, stock(t, s, "P-1"))
	assert.ErrorIs(t, s.IncrementStock(ctx, "P-404", 1), store.ErrStockUpdateFailed)
	assert.ErrorIs(t, s.IncrementStock(ctx, "P-1", 0), store.ErrInvalidTransaction)
}

func TestCommitSaleIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newStore(map[string]int{"P-1": 5, "P-2": 5, "P-3": 0})

	_, err := s.CommitSale(ctx, domain.Sale{Lines: []domain.SaleLine{line("P-1", 1), line("P-2", 2), line("P-3", 1)}})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	assert.Equal(t, 5, stock(t, s, "P-1"))
	assert.Equal(t, 5, stock(t, s, "P-2"))
	assert.Empty(t, s.salesByID)
}

func TestCommitSaleSameProductAcrossLines(t *testing.T) {
	ctx := context.Background()
	s := newStore(map[string]int{"P-1": 3})

	_, err := s.CommitSale(ctx, domain.Sale{Lines: []domain.SaleLine{line("P-1", 2), line("P-1", 2)}})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 3, stock(t, s, "P-1"))

	sale, err := s.CommitSale(ctx, domain.Sale{Lines: []domain.SaleLine{line("P-1", 2), line("P-1", 1)}})
	require.NoError(t, err)
	assert.Equal(t, 0, stock(t, s, "P-1"))
	require.Len(t, sale.Lines, 2)
	assert.NotEqual(t, sale.Lines[0].ID, sale.Lines[1].ID)
	assert.Equal(t, sale.ID, sale.Lines[1].SaleID)
}

func returnPlan(sale *domain.Sale, qty int) domain.ReturnPlan {
	refund := sale.Lines[0].UnitPriceCents * int64(qty)
	return domain.ReturnPlan{
		SaleID:     sale.ID,
		TotalCents: refund,
		Split:      money.Split{Method: money.MethodCard, CardCents: refund},
		Lines:      []domain.PlannedReturnLine{{SaleLine: sale.Lines[0], Quantity: qty, Reason: "damaged", RefundCents: refund}},
	}
}

func TestCommitReturnReverifiesAgainstLegacyRows(t *testing.T) {
	ctx := context.Background()
	s := newStore(map[string]int{"P-1": 5})
	sale, err := s.CommitSale(ctx, domain.Sale{Lines: []domain.SaleLine{line("P-1", 5)}})
	require.NoError(t, err)

	s.AddLegacyReturnLine(sale.ID, "P-1", decimal.RequireFromString("2.5"), "legacy")

	_, err = s.CommitReturn(ctx, returnPlan(sale, 3))
	require.ErrorIs(t, err, store.ErrOverReturn)
	assert.Equal(t, 0, stock(t, s, "P-1"))

	receipt, err := s.CommitReturn(ctx, returnPlan(sale, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, stock(t, s, "P-1"))
	assert.Equal(t, "Product P-1", receipt.Payload.Items[0].ProductName)
	require.Len(t, s.Refunds(sale.ID), 1)

	stored, err := s.GetReturnReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.TotalCents, stored.TotalCents)
}

func TestCommitReturnRejectsUnbalancedPlan(t *testing.T) {
	ctx := context.Background()
	s := newStore(map[string]int{"P-1": 5})
	sale, err := s.CommitSale(ctx, domain.Sale{Lines: []domain.SaleLine{line("P-1", 1)}})
	require.NoError(t, err)

	plan := returnPlan(sale, 1)
	plan.Split.CardCents--
	_, err = s.CommitReturn(ctx, plan)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	plan = returnPlan(sale, 1)
	plan.SaleID = "sale-404"
	_, err = s.CommitReturn(ctx, plan)
	assert.ErrorIs(t, err, store.ErrSaleNotFound)
}

func TestDeletePurchaseRestoresCostInReverse(t *testing.T) {
	ctx := context.Background()
	s := newStore(map[string]int{"P-1": 0})

	first, err := s.CreatePurchase(ctx, domain.Purchase{
		Vendor: "Vendor A",
		Lines: []domain.PurchaseLine{
			{ProductID: "P-1", Quantity: 10, CostCents: 1000},
			{ProductID: "P-1", Quantity: 10, CostCents: 1200},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(22000), first.TotalCents)

	p, err := s.GetProduct(ctx, "P-1")
	require.NoError(t, err)
	assert.Equal(t, 20, p.Stock)
	assert.Equal(t, int64(1200), p.LastCostCents)
	assert.Equal(t, int64(1100), p.AvgCostCents)

	require.NoError(t, s.DecrementStockGuarded(ctx, "P-1", 15))

	movements, err := s.DeletePurchase(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, -10, movements[0].Quantity)

	p, err = s.GetProduct(ctx, "P-1")
	require.NoError(t, err)
	assert.Equal(t, -15, p.Stock)
	assert.Zero(t, p.LastCostCents)
	assert.Zero(t, p.AvgCostCents)

	_, err = s.DeletePurchase(ctx, first.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeletePurchaseKeepsNewerCost(t *testing.T) {
	ctx := context.Background()
	s := newStore(map[string]int{"P-1": 0})

	older, err := s.CreatePurchase(ctx, domain.Purchase{Vendor: "A", Lines: []domain.PurchaseLine{{ProductID: "P-1", Quantity: 5, CostCents: 900}}})
	require.NoError(t, err)
	_, err = s.CreatePurchase(ctx, domain.Purchase{Vendor: "B", Lines: []domain.PurchaseLine{{ProductID: "P-1", Quantity: 5, CostCents: 1100}}})
	require.NoError(t, err)

	_, err = s.DeletePurchase(ctx, older.ID)
	require.NoError(t, err)

	p, err := s.GetProduct(ctx, "P-1")
	require.NoError(t, err)
	assert.Equal(t, 5, p.Stock)
	assert.Equal(t, int64(1100), p.LastCostCents)
}

func TestCreatePurchaseUnknownProductLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := newStore(map[string]int{"P-1": 1})

	_, err := s.CreatePurchase(ctx, domain.Purchase{Vendor: "A", Lines: []domain.PurchaseLine{
		{ProductID: "P-1", Quantity: 5, CostCents: 900},
		{ProductID: "P-404", Quantity: 1, CostCents: 100},
	}})
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, stock(t, s, "P-1"))
	assert.Empty(t, s.purchasesByID)
}
