package service

import (
	"context"
	"strings"
	"time"

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

// CommitSale prices the cart, checks the tender and then hands the sale to the store,
// which writes it and takes stock in one transaction.
func (s *Service) CommitSale(ctx context.Context, req domain.CommitSaleRequest) (resp domain.CommitSaleResponse, err error) {
	ctx, span := tracing.Start(ctx, "engine.commit_sale", attribute.Int("lines", len(req.Lines)))
	defer func() { tracing.End(span, err) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CommitSaleResponse{}, err
	}

	sale, err := s.priceSale(ctx, req)
	if err != nil {
		s.metrics.SaleRejected(store.Code(err))
		return domain.CommitSaleResponse{}, err
	}
	sale.ID = xid.New("sale")
	sale.ActorID = actor.Username
	sale.CreatedAt = s.now()

	committed, err := s.repo.CommitSale(ctx, sale)
	if err != nil {
		s.metrics.SaleRejected(store.Code(err))
		s.logger.Info("sale rejected", zap.String("code", store.Code(err)), zap.Error(err))
		return domain.CommitSaleResponse{}, err
	}

	s.metrics.SaleCommitted()
	s.publish(ctx, actor, events.TypeSaleCommitted, committed.ID, events.SaleCommitted{
		SaleID:        committed.ID,
		PaymentMethod: committed.PaymentMethod,
		Total:         money.Amount(committed.TotalCents),
		Lines:         len(committed.Lines),
	})
	s.logAudit(ctx, "sale_commit", "sale", committed.ID,
		zap.Int64("total_cents", committed.TotalCents),
		zap.String("payment_method", committed.PaymentMethod),
	)

	return domain.CommitSaleResponse{
		SaleID:        committed.ID,
		PaymentMethod: committed.PaymentMethod,
		Subtotal:      money.Amount(committed.SubtotalCents),
		Tax:           money.Amount(committed.TaxCents),
		Discount:      money.Amount(committed.DiscountCents),
		Total:         money.Amount(committed.TotalCents),
		Change:        money.Amount(committed.ChangeCents),
		CreatedAt:     committed.CreatedAt.Format(time.RFC3339),
	}, nil
}

// priceSale builds the sale without touching storage beyond the catalog read.
// InsufficientPayment is decided here, before any transaction opens.
func (s *Service) priceSale(ctx context.Context, req domain.CommitSaleRequest) (domain.Sale, error) {
	if len(req.Lines) == 0 {
		return domain.Sale{}, &store.Error{Kind: store.ErrInvalidTransaction, Detail: "sale has no lines"}
	}

	ids := make([]string, 0, len(req.Lines))
	for idx, line := range req.Lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" || line.Quantity < 1 {
			return domain.Sale{}, &store.Error{Kind: store.ErrInvalidTransaction, ProductID: productID, Line: idx + 1}
		}
		if (line.Price != nil && line.Price.IsNegative()) || (line.TaxRatePercent != nil && line.TaxRatePercent.IsNegative()) {
			return domain.Sale{}, &store.Error{Kind: store.ErrInvalidTransaction, ProductID: productID, Line: idx + 1, Detail: "negative price or tax rate"}
		}
		ids = append(ids, productID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Sale{}, err
	}

	cart := money.ZeroBreakdown()
	lines := make([]domain.SaleLine, 0, len(req.Lines))
	for idx, reqLine := range req.Lines {
		productID := strings.TrimSpace(reqLine.ProductID)
		product, ok := products[productID]
		if !ok || !product.Active {
			return domain.Sale{}, &store.Error{Kind: store.ErrNotFound, ProductID: productID, Line: idx + 1}
		}

		unitCents := product.PriceCents
		if reqLine.Price != nil {
			unitCents = money.ToCents(*reqLine.Price)
		}
		taxRate := product.TaxRatePercent
		if reqLine.TaxRatePercent != nil {
			taxRate = *reqLine.TaxRatePercent
		}

		breakdown := money.LineBreakdown(money.FromCents(unitCents), int64(reqLine.Quantity), taxRate)
		cart = cart.Add(breakdown)
		cents := breakdown.Cents()
		lines = append(lines, domain.SaleLine{
			ID:             xid.New("sl"),
			ProductID:      productID,
			Quantity:       reqLine.Quantity,
			UnitPriceCents: unitCents,
			TaxRatePercent: taxRate,
			SubtotalCents:  cents.SubtotalCents,
			TaxCents:       cents.TaxCents,
			TotalCents:     cents.TotalCents,
		})
	}

	if req.DiscountAmount.IsNegative() {
		return domain.Sale{}, &store.Error{Kind: store.ErrInvalidTransaction, Detail: "negative discount"}
	}
	gross := cart.Cents()
	net := money.ApplyDiscount(cart, req.DiscountAmount).Cents()

	method, cashCents, cardCents, err := resolveTender(req.PaymentMethod, req.CashAmount, req.CardAmount)
	if err != nil {
		return domain.Sale{}, err
	}
	if cashCents+cardCents < net.TotalCents {
		return domain.Sale{}, &store.Error{
			Kind:   store.ErrInsufficientPayment,
			Detail: "tendered " + money.Format(cashCents+cardCents) + " of " + money.Format(net.TotalCents),
		}
	}
	if cardCents > net.TotalCents {
		return domain.Sale{}, &store.Error{Kind: store.ErrInvalidTransaction, Detail: "card amount exceeds total"}
	}

	return domain.Sale{
		SubtotalCents: net.SubtotalCents,
		TaxCents:      net.TaxCents,
		DiscountCents: gross.TotalCents - net.TotalCents,
		TotalCents:    net.TotalCents,
		PaymentMethod: method,
		CashCents:     cashCents,
		CardCents:     cardCents,
		ChangeCents:   cashCents + cardCents - net.TotalCents,
		Lines:         lines,
	}, nil
}

// resolveTender keeps only the tenders the payment method allows. Without a method
// it is inferred from which amounts are present.
func resolveTender(method string, cash decimal.Decimal, card decimal.Decimal) (string, int64, int64, error) {
	if cash.IsNegative() || card.IsNegative() {
		return "", 0, 0, &store.Error{Kind: store.ErrInvalidTransaction, Detail: "negative tender"}
	}
	cashCents := money.ToCents(cash)
	cardCents := money.ToCents(card)

	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		switch {
		case cashCents > 0 && cardCents > 0:
			method = domain.PaymentMethodMixed
		case cardCents > 0:
			method = domain.PaymentMethodCard
		default:
			method = domain.PaymentMethodCash
		}
	}

	switch method {
	case domain.PaymentMethodCash:
		return method, cashCents, 0, nil
	case domain.PaymentMethodCard:
		return method, 0, cardCents, nil
	case domain.PaymentMethodMixed:
		return method, cashCents, cardCents, nil
	default:
		return "", 0, 0, &store.Error{Kind: store.ErrInvalidTransaction, Detail: "unsupported payment method " + method}
	}
}

// GetSale returns the sale with per-line returned and remaining quantities.
func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleResponse, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.SaleResponse{}, err
	}
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.SaleResponse{}, store.ErrSaleNotFound
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	tally, err := s.repo.GetReturnTally(ctx, saleID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	returned := tally.PerLine(sale.Lines)

	lines := make([]domain.SaleLineView, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		sold := decimal.NewFromInt(int64(line.Quantity))
		remaining := decimal.Max(decimal.Zero, sold.Sub(returned[line.ID]))
		lines = append(lines, domain.SaleLineView{
			ID:             line.ID,
			ProductID:      line.ProductID,
			Quantity:       line.Quantity,
			UnitPrice:      money.Amount(line.UnitPriceCents),
			TaxRatePercent: line.TaxRatePercent,
			Subtotal:       money.Amount(line.SubtotalCents),
			Tax:            money.Amount(line.TaxCents),
			LineTotal:      money.Amount(line.TotalCents),
			ReturnedQty:    returned[line.ID],
			RemainingQty:   remaining,
		})
	}

	return domain.SaleResponse{
		ID:            sale.ID,
		ActorID:       sale.ActorID,
		PaymentMethod: sale.PaymentMethod,
		Subtotal:      money.Amount(sale.SubtotalCents),
		Tax:           money.Amount(sale.TaxCents),
		Discount:      money.Amount(sale.DiscountCents),
		Total:         money.Amount(sale.TotalCents),
		CashAmount:    money.Amount(sale.CashCents),
		CardAmount:    money.Amount(sale.CardCents),
		Change:        money.Amount(sale.ChangeCents),
		CreatedAt:     sale.CreatedAt.Format(time.RFC3339),
		Lines:         lines,
	}, nil
}
