package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

func (s *Store) GetReturnTally(ctx context.Context, saleID string) (domain.ReturnTally, error) {
	tally, err := returnTally(ctx, s.db, saleID)
	if err != nil {
		return domain.ReturnTally{}, store.Storage("get return tally", err)
	}
	return tally, nil
}

func returnTally(ctx context.Context, q queryer, saleID string) (domain.ReturnTally, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT COALESCE(sale_line_id, ''), product_id, quantity
		FROM return_lines
		WHERE sale_id = $1
	`, saleID)
	if err != nil {
		return domain.ReturnTally{}, err
	}
	defer rows.Close()

	tally := domain.NewReturnTally()
	for rows.Next() {
		var line domain.ReturnLine
		if err := rows.Scan(&line.SaleLineID, &line.ProductID, &line.Quantity); err != nil {
			return domain.ReturnTally{}, err
		}
		tally.Add(line)
	}
	if err := rows.Err(); err != nil {
		return domain.ReturnTally{}, err
	}
	return tally, nil
}

// CommitReturn locks the sale header, re-reads prior returns and re-verifies the plan
// before writing anything. A concurrent return against the same sale waits on the
// lock and then sees this one's rows.
func (s *Store) CommitReturn(ctx context.Context, plan domain.ReturnPlan) (*domain.ReturnReceipt, error) {
	if len(plan.Lines) == 0 || plan.Split.TotalCents() != plan.TotalCents {
		return nil, store.ErrInvalidTransaction
	}
	if plan.ReturnID == "" {
		plan.ReturnID = xid.New("ret")
	}
	if plan.RefundID == "" {
		plan.RefundID = xid.New("refund")
	}
	if plan.ReceiptID == "" {
		plan.ReceiptID = xid.New("rr")
	}

	receipt, err := s.commitReturn(ctx, plan)
	if err != nil {
		return nil, store.Storage("commit return", err)
	}
	return receipt, nil
}

func (s *Store) commitReturn(ctx context.Context, plan domain.ReturnPlan) (*domain.ReturnReceipt, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := getSale(ctx, tx, plan.SaleID, true)
	if err != nil {
		return nil, err
	}
	tally, err := returnTally(ctx, tx, plan.SaleID)
	if err != nil {
		return nil, err
	}
	if offending, ok := plan.Verify(sale.Lines, tally); !ok {
		return nil, store.OverReturn(offending)
	}

	productIDs := make([]string, 0, len(plan.Lines))
	for _, planned := range plan.Lines {
		productIDs = append(productIDs, planned.SaleLine.ProductID)
	}
	if err := lockProducts(ctx, tx, productIDs); err != nil {
		return nil, err
	}
	for _, planned := range plan.Lines {
		if err := increment(ctx, tx, planned.SaleLine.ProductID, planned.Quantity); err != nil {
			return nil, err
		}
	}

	for _, line := range plan.ReturnLines() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO return_lines (
				id, return_id, sale_id, sale_line_id, product_id, quantity,
				reason, refund_cents, actor_id, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, xid.New("rl"), line.ReturnID, line.SaleID, nullIfEmpty(line.SaleLineID), line.ProductID,
			line.Quantity, line.Reason, line.RefundCents, line.ActorID, line.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	refund := plan.Refund()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO refunds (id, return_id, sale_id, method, total_cents, cash_cents, card_cents, actor_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, refund.ID, refund.ReturnID, refund.SaleID, refund.Method, refund.TotalCents,
		refund.CashCents, refund.CardCents, refund.ActorID, refund.CreatedAt)
	if err != nil {
		return nil, err
	}

	products, err := productsByIDs(ctx, tx, productIDs)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(products))
	for id, product := range products {
		names[id] = product.Name
	}

	receipt := plan.Receipt(names)
	payload, err := json.Marshal(receipt.Payload)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO return_receipts (
			id, sale_id, refund_id, total_cents, cash_cents, card_cents, actor_id, payload, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, receipt.ID, receipt.SaleID, receipt.RefundID, receipt.TotalCents, receipt.CashCents,
		receipt.CardCents, receipt.ActorID, payload, receipt.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (s *Store) GetReturnReceipt(ctx context.Context, receiptID string) (*domain.ReturnReceipt, error) {
	var receipt domain.ReturnReceipt
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sale_id, refund_id, total_cents, cash_cents, card_cents, actor_id, payload, created_at
		FROM return_receipts
		WHERE id = $1
	`, receiptID).Scan(
		&receipt.ID, &receipt.SaleID, &receipt.RefundID, &receipt.TotalCents, &receipt.CashCents,
		&receipt.CardCents, &receipt.ActorID, &payload, &receipt.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Storage("get return receipt", err)
	}
	if err := json.Unmarshal(payload, &receipt.Payload); err != nil {
		return nil, store.Storage("decode return receipt", err)
	}
	receipt.CreatedAt = receipt.CreatedAt.UTC()
	return &receipt, nil
}
