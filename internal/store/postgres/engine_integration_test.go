package postgres

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/money"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("POSLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POSLEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, 10)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	_, err = s.Migrate(ctx, "integration-test", zap.NewNop())
	require.NoError(t, err)
	pending, err := s.PendingMigrations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	return s
}

func seedProduct(t *testing.T, s *Store, name string, priceCents int64, stock int) string {
	t.Helper()
	id := xid.New("p-it")
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO products (id, name, price_cents, tax_rate_percent, stock, active)
		VALUES ($1, $2, $3, 15, $4, true)
	`, id, name, priceCents, stock)
	require.NoError(t, err)
	return id
}

func stockOf(t *testing.T, s *Store, productID string) int {
	t.Helper()
	product, err := s.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return product.Stock
}

func saleOf(productID string, qty int, unitCents int64) domain.Sale {
	total := unitCents * int64(qty)
	return domain.Sale{
		ActorID:       "it-cashier",
		SubtotalCents: total,
		TotalCents:    total,
		PaymentMethod: domain.PaymentMethodCash,
		CashCents:     total,
		Lines: []domain.SaleLine{{
			ProductID:      productID,
			Quantity:       qty,
			UnitPriceCents: unitCents,
			TaxRatePercent: decimal.NewFromInt(15),
			SubtotalCents:  total,
			TotalCents:     total,
		}},
	}
}

func TestCommitSaleGuardsLastUnitUnderConcurrency(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, "Last Unit", 11500, 1)

	var wins, rejects atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := s.CommitSale(ctx, saleOf(productID, 1, 11500))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, store.ErrInsufficientStock):
				rejects.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), rejects.Load())
	assert.Equal(t, 0, stockOf(t, s, productID))
}

func TestStockLedgerGuard(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, "Ledger", 1000, 2)

	require.NoError(t, s.DecrementStockGuarded(ctx, productID, 2))
	assert.ErrorIs(t, s.DecrementStockGuarded(ctx, productID, 1), store.ErrInsufficientStock)
	require.NoError(t, s.IncrementStock(ctx, productID, 3))
	assert.ErrorIs(t, s.IncrementStock(ctx, "P-404", 1), store.ErrStockUpdateFailed)
	assert.Equal(t, 3, stockOf(t, s, productID))
}

func TestCommitSaleRollsBackEveryLine(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	a := seedProduct(t, s, "Line A", 1000, 5)
	b := seedProduct(t, s, "Line B", 1000, 5)
	c := seedProduct(t, s, "Line C", 1000, 0)

	sale := saleOf(a, 1, 1000)
	sale.Lines = append(sale.Lines, saleOf(b, 2, 1000).Lines[0], saleOf(c, 1, 1000).Lines[0])

	_, err := s.CommitSale(ctx, sale)
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var detail *store.Error
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, c, detail.ProductID)
	assert.Equal(t, 5, stockOf(t, s, a))
	assert.Equal(t, 5, stockOf(t, s, b))

	var lines int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT count(*) FROM sale_lines WHERE product_id = ANY($1)`, []string{a, b, c}).Scan(&lines))
	assert.Zero(t, lines)
}

// basketOf builds a one-unit-per-line sale listing products in the given order.
func basketOf(unitCents int64, productIDs ...string) domain.Sale {
	sale := saleOf(productIDs[0], 1, unitCents)
	for _, id := range productIDs[1:] {
		line := saleOf(id, 1, unitCents).Lines[0]
		sale.Lines = append(sale.Lines, line)
		sale.SubtotalCents += line.TotalCents
		sale.TotalCents += line.TotalCents
		sale.CashCents += line.TotalCents
	}
	return sale
}

func TestCommitSaleOpposingBasketsBothCommit(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	a := seedProduct(t, s, "Basket A", 1000, 100)
	b := seedProduct(t, s, "Basket B", 1000, 100)

	const rounds = 20
	var g errgroup.Group
	for i := 0; i < rounds; i++ {
		g.Go(func() error {
			_, err := s.CommitSale(ctx, basketOf(1000, a, b))
			return err
		})
		g.Go(func() error {
			_, err := s.CommitSale(ctx, basketOf(1000, b, a))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 100-2*rounds, stockOf(t, s, a))
	assert.Equal(t, 100-2*rounds, stockOf(t, s, b))
}

func TestReturnAndSaleOnSharedProductsBothCommit(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	a := seedProduct(t, s, "Shared A", 1000, 50)
	b := seedProduct(t, s, "Shared B", 1000, 50)

	sold := saleOf(b, 10, 1000)
	sold.Lines = append(sold.Lines, saleOf(a, 10, 1000).Lines[0])
	sale, err := s.CommitSale(ctx, sold)
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			plan := planFor(sale, 1)
			second := sale.Lines[1]
			plan.Lines = append(plan.Lines, domain.PlannedReturnLine{SaleLine: second, Quantity: 1, Reason: "damaged", RefundCents: second.UnitPriceCents})
			plan.TotalCents += second.UnitPriceCents
			plan.Split.CashCents = plan.TotalCents
			_, err := s.CommitReturn(ctx, plan)
			return err
		})
		g.Go(func() error {
			_, err := s.CommitSale(ctx, basketOf(1000, a, b))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 40, stockOf(t, s, a))
	assert.Equal(t, 40, stockOf(t, s, b))
}

func planFor(sale *domain.Sale, qty int) domain.ReturnPlan {
	line := sale.Lines[0]
	refund := line.UnitPriceCents * int64(qty)
	return domain.ReturnPlan{
		SaleID:     sale.ID,
		ActorID:    "it-manager",
		CreatedAt:  time.Now().UTC(),
		TotalCents: refund,
		Split:      money.Split{Method: money.MethodCash, CashCents: refund},
		Lines: []domain.PlannedReturnLine{
			{SaleLine: line, Quantity: qty, Reason: "damaged", RefundCents: refund},
		},
	}
}

func TestCommitReturnRejectsConcurrentOverReturn(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, "Returnable", 2000, 10)

	sale, err := s.CommitSale(ctx, saleOf(productID, 5, 2000))
	require.NoError(t, err)

	var wins, overs atomic.Int32
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := s.CommitReturn(ctx, planFor(sale, 3))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, store.ErrOverReturn):
				overs.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), overs.Load())
	assert.Equal(t, 8, stockOf(t, s, productID))

	tally, err := s.GetReturnTally(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, tally.PerLine(sale.Lines)[sale.Lines[0].ID].Equal(decimal.NewFromInt(3)))
}

func TestReturnReceiptIsImmutable(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, "Snapshot", 1500, 3)

	sale, err := s.CommitSale(ctx, saleOf(productID, 2, 1500))
	require.NoError(t, err)
	receipt, err := s.CommitReturn(ctx, planFor(sale, 1))
	require.NoError(t, err)

	stored, err := s.GetReturnReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, "Snapshot", stored.Payload.Items[0].ProductName)
	assert.Equal(t, int64(1500), stored.Payload.TotalRefund.Cents())

	_, err = s.db.ExecContext(ctx, `UPDATE return_receipts SET total_cents = 0 WHERE id = $1`, receipt.ID)
	assert.Error(t, err)
	_, err = s.db.ExecContext(ctx, `DELETE FROM return_receipts WHERE id = $1`, receipt.ID)
	assert.Error(t, err)
}

func TestDeletePurchaseReversesStockAndCost(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, "Intake", 3000, 1)

	purchase, err := s.CreatePurchase(ctx, domain.Purchase{
		Vendor:  "Vendor IT",
		ActorID: "it-manager",
		Lines:   []domain.PurchaseLine{{ProductID: productID, Quantity: 4, CostCents: 1800}},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, stockOf(t, s, productID))

	_, err = s.CommitSale(ctx, saleOf(productID, 3, 3000))
	require.NoError(t, err)

	movements, err := s.DeletePurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, -4, movements[0].Quantity)

	product, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, -2, product.Stock)
	assert.Zero(t, product.LastCostCents)

	_, err = s.GetPurchase(ctx, purchase.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.DeletePurchase(ctx, purchase.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
