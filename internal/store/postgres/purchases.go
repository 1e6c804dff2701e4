package postgres

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// CreatePurchase adds stock for every line and moves the product's last and weighted
// average cost. Each line keeps the costs it replaced so the purchase can be reversed.
func (s *Store) CreatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	purchase.Vendor = strings.TrimSpace(purchase.Vendor)
	if purchase.Vendor == "" || len(purchase.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if purchase.ID == "" {
		purchase.ID = xid.New("po")
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}
	if purchase.PurchasedAt.IsZero() {
		purchase.PurchasedAt = purchase.CreatedAt
	}

	created, err := s.createPurchase(ctx, purchase)
	if err != nil {
		return nil, store.Storage("create purchase", err)
	}
	return created, nil
}

func (s *Store) createPurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	purchase.TotalCents = 0
	productIDs := make([]string, 0, len(purchase.Lines))
	for idx := range purchase.Lines {
		line := &purchase.Lines[idx]
		if line.Quantity < 1 || line.CostCents < 0 {
			return nil, &store.Error{Kind: store.ErrInvalidTransaction, ProductID: line.ProductID, Line: idx + 1}
		}
		purchase.TotalCents += line.CostCents * int64(line.Quantity)
		productIDs = append(productIDs, line.ProductID)
	}
	if err := lockProducts(ctx, tx, productIDs); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchases (id, vendor, payment_method, notes, total_cents, actor_id, purchased_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, purchase.ID, purchase.Vendor, purchase.PaymentMethod, purchase.Notes, purchase.TotalCents,
		purchase.ActorID, purchase.PurchasedAt, purchase.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &store.Error{Kind: store.ErrInvalidTransaction, Detail: "duplicate purchase id"}
		}
		return nil, err
	}

	for idx := range purchase.Lines {
		line := &purchase.Lines[idx]
		if line.ID == "" {
			line.ID = xid.New("pl")
		}
		line.PurchaseID = purchase.ID

		var stock int
		err := tx.QueryRowContext(ctx, `
			SELECT stock, last_cost_cents, avg_cost_cents
			FROM products
			WHERE id = $1
			FOR UPDATE
		`, line.ProductID).Scan(&stock, &line.PrevLastCostCents, &line.PrevAvgCostCents)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, &store.Error{Kind: store.ErrNotFound, ProductID: line.ProductID, Line: idx + 1}
			}
			return nil, err
		}

		if err := increment(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return nil, err
		}
		avgCost := weightedCostCents(line.PrevAvgCostCents, stock, line.CostCents, line.Quantity)
		_, err = tx.ExecContext(ctx, `
			UPDATE products
			SET last_cost_cents = $2, avg_cost_cents = $3, updated_at = now()
			WHERE id = $1
		`, line.ProductID, line.CostCents, avgCost)
		if err != nil {
			return nil, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_lines (
				id, purchase_id, line_no, product_id, quantity, cost_cents,
				prev_last_cost_cents, prev_avg_cost_cents
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, line.ID, purchase.ID, idx+1, line.ProductID, line.Quantity, line.CostCents,
			line.PrevLastCostCents, line.PrevAvgCostCents)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (s *Store) GetPurchase(ctx context.Context, purchaseID string) (*domain.Purchase, error) {
	purchase, err := getPurchase(ctx, s.db, purchaseID, false)
	if err != nil {
		return nil, store.Storage("get purchase", err)
	}
	return purchase, nil
}

func getPurchase(ctx context.Context, q queryer, purchaseID string, forUpdate bool) (*domain.Purchase, error) {
	query := `
		SELECT id, vendor, payment_method, notes, total_cents, actor_id, purchased_at, created_at
		FROM purchases
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var purchase domain.Purchase
	err := q.QueryRowContext(ctx, query, purchaseID).Scan(
		&purchase.ID, &purchase.Vendor, &purchase.PaymentMethod, &purchase.Notes, &purchase.TotalCents,
		&purchase.ActorID, &purchase.PurchasedAt, &purchase.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	purchase.PurchasedAt = purchase.PurchasedAt.UTC()
	purchase.CreatedAt = purchase.CreatedAt.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT id, purchase_id, product_id, quantity, cost_cents, prev_last_cost_cents, prev_avg_cost_cents
		FROM purchase_lines
		WHERE purchase_id = $1
		ORDER BY line_no ASC
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchase.Lines = make([]domain.PurchaseLine, 0, 8)
	for rows.Next() {
		var line domain.PurchaseLine
		if err := rows.Scan(
			&line.ID, &line.PurchaseID, &line.ProductID, &line.Quantity, &line.CostCents,
			&line.PrevLastCostCents, &line.PrevAvgCostCents,
		); err != nil {
			return nil, err
		}
		purchase.Lines = append(purchase.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &purchase, nil
}

// DeletePurchase walks the lines newest first so that several lines of one product
// unwind their cost changes in the reverse order they were applied.
func (s *Store) DeletePurchase(ctx context.Context, purchaseID string) ([]domain.StockMovement, error) {
	movements, err := s.deletePurchase(ctx, purchaseID)
	if err != nil {
		return nil, store.Storage("delete purchase", err)
	}
	return movements, nil
}

func (s *Store) deletePurchase(ctx context.Context, purchaseID string) ([]domain.StockMovement, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	purchase, err := getPurchase(ctx, tx, purchaseID, true)
	if err != nil {
		return nil, err
	}
	productIDs := make([]string, 0, len(purchase.Lines))
	for _, line := range purchase.Lines {
		productIDs = append(productIDs, line.ProductID)
	}
	if err := lockProducts(ctx, tx, productIDs); err != nil {
		return nil, err
	}

	movements := make([]domain.StockMovement, 0, len(purchase.Lines))
	for idx := len(purchase.Lines) - 1; idx >= 0; idx-- {
		line := purchase.Lines[idx]
		if err := decrementUnconditional(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return nil, err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE products
			SET last_cost_cents = $2, avg_cost_cents = $3, updated_at = now()
			WHERE id = $1 AND last_cost_cents = $4
		`, line.ProductID, line.PrevLastCostCents, line.PrevAvgCostCents, line.CostCents)
		if err != nil {
			return nil, err
		}
		movements = append(movements, domain.StockMovement{ProductID: line.ProductID, Quantity: -line.Quantity})
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM purchase_lines WHERE purchase_id = $1`, purchaseID); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM purchases WHERE id = $1`, purchaseID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected != 1 {
		return nil, store.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return movements, nil
}

func weightedCostCents(oldCost int64, oldQty int, incomingCost int64, incomingQty int) int64 {
	if incomingQty <= 0 {
		return oldCost
	}
	if oldQty <= 0 || oldCost <= 0 {
		return incomingCost
	}
	totalQty := oldQty + incomingQty
	totalValue := oldCost*int64(oldQty) + incomingCost*int64(incomingQty)
	return int64(math.Round(float64(totalValue) / float64(totalQty)))
}
