package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/money"
)

const (
	PaymentMethodCash  = "cash"
	PaymentMethodCard  = "card"
	PaymentMethodMixed = "mixed"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Product struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	PriceCents     int64           `json:"price_cents"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	Stock          int             `json:"stock"`
	LastCostCents  int64           `json:"last_cost_cents"`
	AvgCostCents   int64           `json:"avg_cost_cents"`
	Active         bool            `json:"active"`
}

// Sale is immutable once committed. Returns reference it but never modify it.
type Sale struct {
	ID            string     `json:"id"`
	ActorID       string     `json:"actor_id"`
	SubtotalCents int64      `json:"subtotal_cents"`
	TaxCents      int64      `json:"tax_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TotalCents    int64      `json:"total_cents"`
	PaymentMethod string     `json:"payment_method"`
	CashCents     int64      `json:"cash_cents"`
	CardCents     int64      `json:"card_cents"`
	ChangeCents   int64      `json:"change_cents"`
	CreatedAt     time.Time  `json:"created_at"`
	Lines         []SaleLine `json:"lines"`
}

// NetCashCents is the cash that stayed in the drawer after change was given.
func (s Sale) NetCashCents() int64 {
	net := s.CashCents - s.ChangeCents
	if net < 0 {
		return 0
	}
	return net
}

// SaleLine carries the price and tax rate in effect when the sale was committed.
type SaleLine struct {
	ID             string          `json:"id"`
	SaleID         string          `json:"sale_id"`
	ProductID      string          `json:"product_id"`
	Quantity       int             `json:"quantity"`
	UnitPriceCents int64           `json:"unit_price_cents"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	SubtotalCents  int64           `json:"subtotal_cents"`
	TaxCents       int64           `json:"tax_cents"`
	TotalCents     int64           `json:"total_cents"`
}

// ReturnLine is one returned quantity against a sale. SaleLineID is empty for
// legacy rows that were keyed by product only.
type ReturnLine struct {
	ID          string          `json:"id"`
	ReturnID    string          `json:"return_id"`
	SaleID      string          `json:"sale_id"`
	SaleLineID  string          `json:"sale_line_id,omitempty"`
	ProductID   string          `json:"product_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Reason      string          `json:"reason"`
	RefundCents int64           `json:"refund_cents"`
	ActorID     string          `json:"actor_id"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Refund struct {
	ID         string    `json:"id"`
	ReturnID   string    `json:"return_id"`
	SaleID     string    `json:"sale_id"`
	Method     string    `json:"method"`
	TotalCents int64     `json:"total_cents"`
	CashCents  int64     `json:"cash_cents"`
	CardCents  int64     `json:"card_cents"`
	ActorID    string    `json:"actor_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReturnReceipt is written once per return and never updated.
type ReturnReceipt struct {
	ID         string         `json:"id"`
	SaleID     string         `json:"sale_id"`
	RefundID   string         `json:"refund_id"`
	TotalCents int64          `json:"total_cents"`
	CashCents  int64          `json:"cash_cents"`
	CardCents  int64          `json:"card_cents"`
	ActorID    string         `json:"actor_id"`
	Payload    ReceiptPayload `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

type ReceiptPayload struct {
	ReceiptID     string        `json:"receipt_id"`
	ReturnID      string        `json:"return_id"`
	SaleID        string        `json:"sale_id"`
	RefundID      string        `json:"refund_id"`
	Items         []ReceiptItem `json:"items"`
	PaymentMethod string        `json:"payment_method"`
	CashRefund    money.Amount  `json:"cash_refund"`
	CardRefund    money.Amount  `json:"card_refund"`
	TotalRefund   money.Amount  `json:"total_refund"`
	ActorID       string        `json:"actor_id"`
	CreatedAt     time.Time     `json:"created_at"`
}

type ReceiptItem struct {
	SaleLineID     string          `json:"sale_line_id"`
	ProductID      string          `json:"product_id"`
	ProductName    string          `json:"product_name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      money.Amount    `json:"unit_price"`
	LineTotal      money.Amount    `json:"line_total"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	Reason         string          `json:"reason"`
}

type Purchase struct {
	ID            string         `json:"id"`
	Vendor        string         `json:"vendor"`
	PaymentMethod string         `json:"payment_method"`
	Notes         string         `json:"notes"`
	TotalCents    int64          `json:"total_cents"`
	ActorID       string         `json:"actor_id"`
	PurchasedAt   time.Time      `json:"purchased_at"`
	CreatedAt     time.Time      `json:"created_at"`
	Lines         []PurchaseLine `json:"lines"`
}

// PurchaseLine remembers the product's cost before intake so deletion can restore it.
type PurchaseLine struct {
	ID                string `json:"id"`
	PurchaseID        string `json:"purchase_id"`
	ProductID         string `json:"product_id"`
	Quantity          int    `json:"quantity"`
	CostCents         int64  `json:"cost_cents"`
	PrevLastCostCents int64  `json:"-"`
	PrevAvgCostCents  int64  `json:"-"`
}

type StockMovement struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated operator. Username doubles as the actor id recorded on
// sales, returns and purchases.
type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,min=4"`
	Password string `json:"password" validate:"required,min=6"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
