package cache

import (
	"context"
	"time"

	"posledger/backend/internal/domain"
)

// ReceiptCache holds return receipts for reprint. Receipts never change once
// written, so entries are never invalidated, only expired.
type ReceiptCache interface {
	Get(ctx context.Context, receiptID string) (*domain.ReturnReceipt, bool, error)
	Set(ctx context.Context, receipt *domain.ReturnReceipt, ttl time.Duration) error
}

type NoopReceiptCache struct{}

func (NoopReceiptCache) Get(_ context.Context, _ string) (*domain.ReturnReceipt, bool, error) {
	return nil, false, nil
}

func (NoopReceiptCache) Set(_ context.Context, _ *domain.ReturnReceipt, _ time.Duration) error {
	return nil
}
