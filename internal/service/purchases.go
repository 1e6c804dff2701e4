package service

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/money"
	"posledger/backend/internal/store"
	"posledger/backend/internal/tracing"
)

func (s *Service) CreatePurchase(ctx context.Context, req domain.PurchaseCreateRequest) (*domain.Purchase, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return nil, err
	}

	vendor := strings.TrimSpace(req.Vendor)
	if vendor == "" || len(req.Lines) == 0 {
		return nil, &store.Error{Kind: store.ErrInvalidTransaction, Detail: "vendor and at least one line are required"}
	}

	purchase := domain.Purchase{
		Vendor:        vendor,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		Notes:         strings.TrimSpace(req.Notes),
		ActorID:       actor.Username,
		CreatedAt:     s.now(),
		Lines:         make([]domain.PurchaseLine, 0, len(req.Lines)),
	}
	if req.PurchasedAt != nil {
		purchase.PurchasedAt = req.PurchasedAt.UTC()
	}
	for idx, line := range req.Lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" || line.Quantity <= 0 || line.CostPrice.IsNegative() {
			return nil, &store.Error{Kind: store.ErrInvalidTransaction, ProductID: productID, Line: idx + 1}
		}
		purchase.Lines = append(purchase.Lines, domain.PurchaseLine{
			ProductID: productID,
			Quantity:  line.Quantity,
			CostCents: money.ToCents(line.CostPrice),
		})
	}

	created, err := s.repo.CreatePurchase(ctx, purchase)
	if err != nil {
		return nil, err
	}

	s.metrics.PurchaseCommitted()
	s.logAudit(ctx, "purchase_create", "purchase", created.ID,
		zap.String("vendor", created.Vendor),
		zap.Int64("total_cents", created.TotalCents),
	)
	return created, nil
}

func (s *Service) GetPurchase(ctx context.Context, purchaseID string) (*domain.Purchase, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	purchaseID = strings.TrimSpace(purchaseID)
	if purchaseID == "" {
		return nil, store.ErrNotFound
	}
	return s.repo.GetPurchase(ctx, purchaseID)
}

// DeletePurchase reverses the purchase's stock additions. Stock may go negative if
// the goods were already sold.
func (s *Service) DeletePurchase(ctx context.Context, purchaseID string) (resp domain.PurchaseDeleteResponse, err error) {
	ctx, span := tracing.Start(ctx, "engine.delete_purchase", attribute.String("purchase_id", purchaseID))
	defer func() { tracing.End(span, err) }()

	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.PurchaseDeleteResponse{}, err
	}
	purchaseID = strings.TrimSpace(purchaseID)
	if purchaseID == "" {
		return domain.PurchaseDeleteResponse{}, store.ErrNotFound
	}

	movements, err := s.repo.DeletePurchase(ctx, purchaseID)
	if err != nil {
		return domain.PurchaseDeleteResponse{}, err
	}

	s.metrics.PurchaseDeleted()
	s.publish(ctx, actor, events.TypePurchaseDeleted, purchaseID, events.PurchaseDeleted{
		PurchaseID: purchaseID,
		Reversed:   movements,
	})
	s.logAudit(ctx, "purchase_delete", "purchase", purchaseID, zap.Int("lines", len(movements)))

	return domain.PurchaseDeleteResponse{PurchaseID: purchaseID, Reversed: movements}, nil
}
