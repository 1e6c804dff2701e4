package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorUnwrapsToKind(t *testing.T) {
	err := fmt.Errorf("commit sale: %w", InsufficientStock("P-1"))

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.False(t, errors.Is(err, ErrOverReturn))
	assert.Equal(t, "insufficient_stock", Code(err))

	var detail *Error
	if assert.True(t, errors.As(err, &detail)) {
		assert.Equal(t, "P-1", detail.ProductID)
	}
	assert.Contains(t, err.Error(), "product=P-1")
}

func TestStorageWrapsDriverErrors(t *testing.T) {
	err := Storage("get sale", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrStorage))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, "storage_error", Code(err))
	assert.Nil(t, Storage("noop", nil))
}

func TestStorageKeepsDomainErrors(t *testing.T) {
	err := Storage("commit return", OverReturn("sl-1"))

	assert.True(t, errors.Is(err, ErrOverReturn))
	assert.False(t, errors.Is(err, ErrStorage))
	assert.Equal(t, "over_return", Code(err))
}

func TestCodeCoversTaxonomy(t *testing.T) {
	cases := map[error]string{
		ErrInsufficientPayment: "insufficient_payment",
		ErrSaleNotFound:        "sale_not_found",
		ErrSaleLineNotFound:    "sale_line_not_found",
		ErrInvalidReturnLine:   "invalid_return_line",
		ErrRefundMismatch:      "refund_mismatch",
		ErrStockUpdateFailed:   "stock_update_failed",
		ErrNotFound:            "not_found",
		ErrInvalidTransaction:  "invalid_request",
		errors.New("boom"):     "internal",
	}
	for err, code := range cases {
		assert.Equal(t, code, Code(err), err.Error())
	}
}
