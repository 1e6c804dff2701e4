package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/money"
	"posledger/backend/internal/store"
	"posledger/backend/internal/tracing"
	"posledger/backend/internal/xid"
)

// ProcessReturn validates the request against the sale and prior returns, then
// commits stock, return lines, refund and receipt together. The store re-checks
// the over-return rule under a lock, so a concurrent return cannot slip through
// between validation and commit.
func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (resp domain.ReturnResponse, err error) {
	ctx, span := tracing.Start(ctx, "engine.process_return",
		attribute.String("sale_id", req.SaleID),
		attribute.Int("items", len(req.Items)),
	)
	defer func() { tracing.End(span, err) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	plan, err := s.planReturn(ctx, req)
	if err != nil {
		s.metrics.ReturnRejected(store.Code(err))
		s.logger.Info("return rejected", zap.String("sale_id", req.SaleID), zap.String("code", store.Code(err)), zap.Error(err))
		return domain.ReturnResponse{}, err
	}
	plan.ReturnID = xid.New("ret")
	plan.RefundID = xid.New("rf")
	plan.ReceiptID = xid.New("rr")
	plan.ActorID = actor.Username
	plan.CreatedAt = s.now()

	receipt, err := s.repo.CommitReturn(ctx, plan)
	if err != nil {
		s.metrics.ReturnRejected(store.Code(err))
		s.logger.Info("return rejected", zap.String("sale_id", plan.SaleID), zap.String("code", store.Code(err)), zap.Error(err))
		return domain.ReturnResponse{}, err
	}

	if err := s.receipts.Set(ctx, receipt, s.receiptTTL); err != nil {
		s.logger.Warn("cache return receipt failed", zap.String("receipt_id", receipt.ID), zap.Error(err))
	}
	s.metrics.ReturnCommitted(receipt.CashCents, receipt.CardCents)
	s.publish(ctx, actor, events.TypeReturnCommitted, receipt.SaleID, events.ReturnCommitted{
		SaleID:    receipt.SaleID,
		ReceiptID: receipt.ID,
		RefundID:  receipt.RefundID,
		Method:    plan.Split.Method,
		Total:     money.Amount(receipt.TotalCents),
		Cash:      money.Amount(receipt.CashCents),
		Card:      money.Amount(receipt.CardCents),
	})
	s.logAudit(ctx, "sale_return", "sale", receipt.SaleID,
		zap.String("receipt_id", receipt.ID),
		zap.Int64("refund_cents", receipt.TotalCents),
		zap.String("refund_method", plan.Split.Method),
	)

	return domain.ReturnResponse{
		ReceiptID:    receipt.ID,
		RefundID:     receipt.RefundID,
		SaleID:       receipt.SaleID,
		RefundMethod: plan.Split.Method,
		TotalRefund:  money.Amount(receipt.TotalCents),
		CashRefund:   money.Amount(receipt.CashCents),
		CardRefund:   money.Amount(receipt.CardCents),
	}, nil
}

// planReturn performs every read-only check. Nothing is written here.
func (s *Service) planReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnPlan, error) {
	saleID := strings.TrimSpace(req.SaleID)
	if saleID == "" {
		return domain.ReturnPlan{}, store.ErrSaleNotFound
	}
	if len(req.Items) == 0 {
		return domain.ReturnPlan{}, &store.Error{Kind: store.ErrInvalidReturnLine, Detail: "return has no items"}
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.ReturnPlan{}, err
	}
	tally, err := s.repo.GetReturnTally(ctx, saleID)
	if err != nil {
		return domain.ReturnPlan{}, err
	}
	returned := tally.PerLine(sale.Lines)

	var totalCents int64
	lines := make([]domain.PlannedReturnLine, 0, len(req.Items))
	for idx, item := range req.Items {
		reason := strings.TrimSpace(item.Reason)
		if item.Quantity <= 0 || reason == "" {
			return domain.ReturnPlan{}, &store.Error{
				Kind:       store.ErrInvalidReturnLine,
				SaleLineID: item.SaleLineID,
				ProductID:  item.ProductID,
				Line:       idx + 1,
			}
		}

		ref := domain.RefFor(domain.ReturnItemRequest{
			SaleLineID: strings.TrimSpace(item.SaleLineID),
			ProductID:  strings.TrimSpace(item.ProductID),
		})
		if ref.IsZero() {
			return domain.ReturnPlan{}, &store.Error{Kind: store.ErrInvalidReturnLine, Line: idx + 1, Detail: "no sale line or product reference"}
		}

		qty := decimal.NewFromInt(int64(item.Quantity))
		saleLine, ok := ref.Resolve(sale.Lines, returned, qty)
		if !ok {
			return domain.ReturnPlan{}, &store.Error{Kind: store.ErrSaleLineNotFound, Line: idx + 1, Detail: ref.String()}
		}
		if domain.ExceedsSold(saleLine.Quantity, returned[saleLine.ID].Add(qty)) {
			return domain.ReturnPlan{}, store.OverReturn(saleLine.ID)
		}
		// Items resolving to the same line accumulate against its remaining quantity.
		returned[saleLine.ID] = returned[saleLine.ID].Add(qty)

		refund := money.LineBreakdown(money.FromCents(saleLine.UnitPriceCents), int64(item.Quantity), saleLine.TaxRatePercent)
		refundCents := money.ToCents(refund.Total)
		totalCents += refundCents
		lines = append(lines, domain.PlannedReturnLine{
			SaleLine:    saleLine,
			Quantity:    item.Quantity,
			Reason:      reason,
			RefundCents: refundCents,
		})
	}

	if req.RefundCash.IsNegative() || req.RefundCard.IsNegative() {
		return domain.ReturnPlan{}, &store.Error{Kind: store.ErrRefundMismatch, Detail: "negative refund amount"}
	}
	split := money.ResolveRefundSplit(req.RefundMethod, req.RefundCash, req.RefundCard, totalCents, sale.NetCashCents(), sale.CardCents)
	if split.TotalCents() != totalCents {
		return domain.ReturnPlan{}, &store.Error{
			Kind:   store.ErrRefundMismatch,
			Detail: "refund " + money.Format(split.TotalCents()) + " does not equal " + money.Format(totalCents),
		}
	}

	return domain.ReturnPlan{
		SaleID:     sale.ID,
		Lines:      lines,
		Split:      split,
		TotalCents: totalCents,
	}, nil
}

// GetReturnReceipt reads through the receipt cache. Cache failures fall back to the
// store.
func (s *Service) GetReturnReceipt(ctx context.Context, receiptID string) (*domain.ReturnReceipt, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	receiptID = strings.TrimSpace(receiptID)
	if receiptID == "" {
		return nil, store.ErrNotFound
	}

	cached, ok, err := s.receipts.Get(ctx, receiptID)
	if err != nil {
		s.logger.Warn("read receipt cache failed", zap.String("receipt_id", receiptID), zap.Error(err))
	}
	if ok {
		return cached, nil
	}

	receipt, err := s.repo.GetReturnReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	if err := s.receipts.Set(ctx, receipt, s.receiptTTL); err != nil {
		s.logger.Warn("cache return receipt failed", zap.String("receipt_id", receiptID), zap.Error(err))
	}
	return receipt, nil
}
