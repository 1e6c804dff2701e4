package store

import (
	"context"

	"posledger/backend/internal/domain"
)

// SaleStore commits and reads sales.
type SaleStore interface {
	// CommitSale writes the header and lines and decrements stock per line in one
	// transaction. Any failure leaves no trace.
	CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
}

// ReturnStore reads prior returns and commits validated return plans.
type ReturnStore interface {
	GetReturnTally(ctx context.Context, saleID string) (domain.ReturnTally, error)
	// CommitReturn re-verifies the plan under a lock on the sale and then writes
	// stock increments, return lines, the refund and the receipt atomically.
	CommitReturn(ctx context.Context, plan domain.ReturnPlan) (*domain.ReturnReceipt, error)
	GetReturnReceipt(ctx context.Context, receiptID string) (*domain.ReturnReceipt, error)
}

type PurchaseStore interface {
	CreatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error)
	GetPurchase(ctx context.Context, purchaseID string) (*domain.Purchase, error)
	// DeletePurchase reverses every line's stock addition and removes the purchase.
	DeletePurchase(ctx context.Context, purchaseID string) ([]domain.StockMovement, error)
}

type ProductStore interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

// StockLedger exposes single-statement stock mutations outside of a sale or return.
// It is not part of Repository: the engine only moves stock inside CommitSale,
// CommitReturn and the purchase operations. Both stores implement it so the guard
// can be exercised directly in tests.
type StockLedger interface {
	// DecrementStockGuarded fails with ErrInsufficientStock unless stock >= qty.
	DecrementStockGuarded(ctx context.Context, productID string, qty int) error
	// IncrementStock fails with ErrStockUpdateFailed when the product does not exist.
	IncrementStock(ctx context.Context, productID string, qty int) error
}

// UserStore backs the auth manager.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	ProductStore
	SaleStore
	ReturnStore
	PurchaseStore
	UserStore
}
