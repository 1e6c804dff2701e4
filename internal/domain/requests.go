package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/money"
)

type SaleLineRequest struct {
	ProductID      string           `json:"product_id" validate:"required"`
	Quantity       int              `json:"quantity" validate:"gt=0"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	TaxRatePercent *decimal.Decimal `json:"tax_rate_percent,omitempty"`
}

type CommitSaleRequest struct {
	Lines          []SaleLineRequest `json:"lines" validate:"required,min=1,dive"`
	PaymentMethod  string            `json:"payment_method" validate:"omitempty,oneof=cash card mixed"`
	CashAmount     decimal.Decimal   `json:"cash_amount"`
	CardAmount     decimal.Decimal   `json:"card_amount"`
	DiscountAmount decimal.Decimal   `json:"discount_amount"`
}

type CommitSaleResponse struct {
	SaleID        string       `json:"sale_id"`
	PaymentMethod string       `json:"payment_method"`
	Subtotal      money.Amount `json:"subtotal"`
	Tax           money.Amount `json:"tax"`
	Discount      money.Amount `json:"discount"`
	Total         money.Amount `json:"total"`
	Change        money.Amount `json:"change"`
	CreatedAt     string       `json:"created_at"`
}

type SaleLineView struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	Quantity       int             `json:"quantity"`
	UnitPrice      money.Amount    `json:"unit_price"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	Subtotal       money.Amount    `json:"subtotal"`
	Tax            money.Amount    `json:"tax"`
	LineTotal      money.Amount    `json:"line_total"`
	ReturnedQty    decimal.Decimal `json:"returned_qty"`
	RemainingQty   decimal.Decimal `json:"remaining_qty"`
}

type SaleResponse struct {
	ID            string         `json:"id"`
	ActorID       string         `json:"actor_id"`
	PaymentMethod string         `json:"payment_method"`
	Subtotal      money.Amount   `json:"subtotal"`
	Tax           money.Amount   `json:"tax"`
	Discount      money.Amount   `json:"discount"`
	Total         money.Amount   `json:"total"`
	CashAmount    money.Amount   `json:"cash_amount"`
	CardAmount    money.Amount   `json:"card_amount"`
	Change        money.Amount   `json:"change"`
	CreatedAt     string         `json:"created_at"`
	Lines         []SaleLineView `json:"lines"`
}

// ReturnItemRequest identifies the sale line either by SaleLineID or, for clients
// that only know the product, by ProductID.
type ReturnItemRequest struct {
	SaleLineID string `json:"sale_line_id,omitempty"`
	ProductID  string `json:"product_id,omitempty"`
	Quantity   int    `json:"quantity"`
	Reason     string `json:"reason"`
}

type ReturnRequest struct {
	SaleID       string              `json:"sale_id" validate:"required"`
	Items        []ReturnItemRequest `json:"items" validate:"required,min=1"`
	RefundMethod string              `json:"refund_method"`
	RefundCash   decimal.Decimal     `json:"refund_cash"`
	RefundCard   decimal.Decimal     `json:"refund_card"`
	ManagerPIN   string              `json:"manager_pin"`
}

type ReturnResponse struct {
	ReceiptID    string       `json:"receipt_id"`
	RefundID     string       `json:"refund_id"`
	SaleID       string       `json:"sale_id"`
	RefundMethod string       `json:"refund_method"`
	TotalRefund  money.Amount `json:"total_refund"`
	CashRefund   money.Amount `json:"cash_refund"`
	CardRefund   money.Amount `json:"card_refund"`
}

type PurchaseLineRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	CostPrice decimal.Decimal `json:"cost_price"`
}

type PurchaseCreateRequest struct {
	Vendor        string                `json:"vendor" validate:"required"`
	PaymentMethod string                `json:"payment_method"`
	Notes         string                `json:"notes"`
	PurchasedAt   *time.Time            `json:"purchased_at,omitempty"`
	Lines         []PurchaseLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type PurchaseResponse struct {
	Purchase Purchase `json:"purchase"`
}

type PurchaseDeleteResponse struct {
	PurchaseID string          `json:"purchase_id"`
	Reversed   []StockMovement `json:"reversed"`
}
