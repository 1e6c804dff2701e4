package postgres

import (
	"context"
	"database/sql"
	"errors"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

const productColumns = `id, name, price_cents, tax_rate_percent, stock, last_cost_cents, avg_cost_cents, active`

func scanProduct(row interface{ Scan(dest ...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.TaxRatePercent, &p.Stock, &p.LastCostCents, &p.AvgCostCents, &p.Active)
	return p, err
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.Error{Kind: store.ErrNotFound, ProductID: productID}
		}
		return nil, store.Storage("get product", err)
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result, err := productsByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, store.Storage("get products", err)
	}
	return result, nil
}

func productsByIDs(ctx context.Context, q queryer, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[product.ID] = product
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
