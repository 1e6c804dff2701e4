package postgres

import (
	"context"
	"sort"

	"posledger/backend/internal/store"
)

// lockProducts takes row locks on every product a transaction is about to touch, in
// ascending id order, before the first stock mutation. Per-line updates then only
// re-enter locks this transaction already holds, so two baskets listing the same
// products in opposite order queue behind each other instead of deadlocking.
func lockProducts(ctx context.Context, q queryer, productIDs []string) error {
	ids := sortedUnique(productIDs)
	if len(ids) == 0 {
		return nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
	}
	return rows.Err()
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// decrementGuarded is the oversell guard. The stock check lives in the WHERE clause
// so concurrent callers are serialized by the row update itself.
func decrementGuarded(ctx context.Context, ex execer, productID string, qty int) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
	`, productID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return store.InsufficientStock(productID)
	}
	return nil
}

func increment(ctx context.Context, ex execer, productID string, qty int) error {
	return adjustStock(ctx, ex, productID, qty)
}

// decrementUnconditional may push stock below zero. Only purchase reversal uses it.
func decrementUnconditional(ctx context.Context, ex execer, productID string, qty int) error {
	return adjustStock(ctx, ex, productID, -qty)
}

func adjustStock(ctx context.Context, ex execer, productID string, delta int) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1
	`, productID, delta)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return store.StockUpdateFailed(productID)
	}
	return nil
}

func (s *Store) DecrementStockGuarded(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidTransaction
	}
	return store.Storage("decrement stock", decrementGuarded(ctx, s.db, productID, qty))
}

func (s *Store) IncrementStock(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidTransaction
	}
	return store.Storage("increment stock", increment(ctx, s.db, productID, qty))
}
