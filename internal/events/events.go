// Package events publishes facts about committed sales, returns and purchase
// reversals. Publishing happens after the database commit and never affects the
// outcome of the operation that produced the event.
package events

import (
	"context"
	"sync"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/money"
)

const (
	TypeSaleCommitted   = "sale.committed"
	TypeReturnCommitted = "return.committed"
	TypePurchaseDeleted = "purchase.deleted"
)

type Event struct {
	ID         string    `json:"event_id"`
	Type       string    `json:"event_type"`
	Key        string    `json:"key"`
	ActorID    string    `json:"actor_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

type SaleCommitted struct {
	SaleID        string       `json:"sale_id"`
	PaymentMethod string       `json:"payment_method"`
	Total         money.Amount `json:"total"`
	Lines         int          `json:"lines"`
}

type ReturnCommitted struct {
	SaleID    string       `json:"sale_id"`
	ReceiptID string       `json:"receipt_id"`
	RefundID  string       `json:"refund_id"`
	Method    string       `json:"method"`
	Total     money.Amount `json:"total"`
	Cash      money.Amount `json:"cash"`
	Card      money.Amount `json:"card"`
}

type PurchaseDeleted struct {
	PurchaseID string                 `json:"purchase_id"`
	Reversed   []domain.StockMovement `json:"reversed"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error {
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(eventType string) []Event {
	out := make([]Event, 0, 4)
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
