package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// CommitSale inserts the header and lines and takes stock for every line. Read
// committed is enough here: the guarded UPDATE re-evaluates stock >= qty against the
// latest committed row after waiting on any concurrent writer.
func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	committed, err := s.commitSale(ctx, sale)
	if err != nil {
		return nil, store.Storage("commit sale", err)
	}
	return committed, nil
}

func (s *Store) commitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	productIDs := make([]string, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		productIDs = append(productIDs, line.ProductID)
	}
	if err := lockProducts(ctx, tx, productIDs); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, actor_id, subtotal_cents, tax_cents, discount_cents, total_cents,
			payment_method, cash_cents, card_cents, change_cents, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sale.ID, sale.ActorID, sale.SubtotalCents, sale.TaxCents, sale.DiscountCents, sale.TotalCents,
		sale.PaymentMethod, sale.CashCents, sale.CardCents, sale.ChangeCents, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &store.Error{Kind: store.ErrInvalidTransaction, Detail: "duplicate sale id"}
		}
		return nil, err
	}

	for idx := range sale.Lines {
		line := &sale.Lines[idx]
		if line.Quantity < 1 {
			return nil, &store.Error{Kind: store.ErrInvalidTransaction, ProductID: line.ProductID, Line: idx + 1}
		}
		if line.ID == "" {
			line.ID = xid.New("sl")
		}
		line.SaleID = sale.ID

		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (
				id, sale_id, line_no, product_id, quantity, unit_price_cents,
				tax_rate_percent, subtotal_cents, tax_cents, total_cents
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, line.ID, sale.ID, idx+1, line.ProductID, line.Quantity, line.UnitPriceCents,
			line.TaxRatePercent, line.SubtotalCents, line.TaxCents, line.TotalCents)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, &store.Error{Kind: store.ErrNotFound, ProductID: line.ProductID, Line: idx + 1}
			}
			return nil, err
		}

		if err := decrementGuarded(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	sale, err := getSale(ctx, s.db, saleID, false)
	if err != nil {
		return nil, store.Storage("get sale", err)
	}
	return sale, nil
}

// getSale loads the header and its lines in line order. forUpdate locks the header
// row, which serializes returns against the same sale.
func getSale(ctx context.Context, q queryer, saleID string, forUpdate bool) (*domain.Sale, error) {
	query := `
		SELECT id, actor_id, subtotal_cents, tax_cents, discount_cents, total_cents,
			payment_method, cash_cents, card_cents, change_cents, created_at
		FROM sales
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var sale domain.Sale
	err := q.QueryRowContext(ctx, query, saleID).Scan(
		&sale.ID, &sale.ActorID, &sale.SubtotalCents, &sale.TaxCents, &sale.DiscountCents, &sale.TotalCents,
		&sale.PaymentMethod, &sale.CashCents, &sale.CardCents, &sale.ChangeCents, &sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSaleNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, product_id, quantity, unit_price_cents, tax_rate_percent,
			subtotal_cents, tax_cents, total_cents
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY line_no ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sale.Lines = make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(
			&line.ID, &line.SaleID, &line.ProductID, &line.Quantity, &line.UnitPriceCents,
			&line.TaxRatePercent, &line.SubtotalCents, &line.TaxCents, &line.TotalCents,
		); err != nil {
			return nil, err
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}
