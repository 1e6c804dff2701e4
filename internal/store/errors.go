package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")

	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrSaleNotFound        = errors.New("sale not found")
	ErrSaleLineNotFound    = errors.New("sale line not found")
	ErrInvalidReturnLine   = errors.New("invalid return line")
	ErrOverReturn          = errors.New("return exceeds remaining quantity")
	ErrRefundMismatch      = errors.New("refund split does not match refund total")
	ErrStockUpdateFailed   = errors.New("stock update failed")
	ErrStorage             = errors.New("storage error")
)

// Error attaches the offending entity to one of the sentinel errors above.
// errors.Is(err, ErrOverReturn) keeps working through it.
type Error struct {
	Kind       error
	ProductID  string
	SaleLineID string
	Line       int
	Detail     string
}

func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.ProductID != "" {
		parts = append(parts, "product="+e.ProductID)
	}
	if e.SaleLineID != "" {
		parts = append(parts, "sale_line="+e.SaleLineID)
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line=%d", e.Line))
	}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	if len(parts) == 0 {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func InsufficientStock(productID string) error {
	return &Error{Kind: ErrInsufficientStock, ProductID: productID}
}

func StockUpdateFailed(productID string) error {
	return &Error{Kind: ErrStockUpdateFailed, ProductID: productID}
}

func OverReturn(saleLineID string) error {
	return &Error{Kind: ErrOverReturn, SaleLineID: saleLineID}
}

// Storage wraps a driver failure so callers can tell it apart from domain rejections.
// Errors that already carry a sentinel from this package pass through unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// IsDomainError reports whether err is one of this package's sentinels.
func IsDomainError(err error) bool {
	for _, kind := range []error{
		ErrNotFound, ErrInvalidTransaction, ErrInsufficientStock, ErrInsufficientPayment,
		ErrSaleNotFound, ErrSaleLineNotFound, ErrInvalidReturnLine, ErrOverReturn,
		ErrRefundMismatch, ErrStockUpdateFailed, ErrStorage,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Code returns the stable machine-readable name of err's kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, ErrSaleNotFound):
		return "sale_not_found"
	case errors.Is(err, ErrSaleLineNotFound):
		return "sale_line_not_found"
	case errors.Is(err, ErrInvalidReturnLine):
		return "invalid_return_line"
	case errors.Is(err, ErrOverReturn):
		return "over_return"
	case errors.Is(err, ErrRefundMismatch):
		return "refund_mismatch"
	case errors.Is(err, ErrStockUpdateFailed):
		return "stock_update_failed"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransaction):
		return "invalid_request"
	default:
		return "internal"
	}
}
