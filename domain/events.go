package domain

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is a billing event that can be published to an event bus.
type DomainEvent interface {
	RoutingKey() string
}

// Event carries the fields shared by all billing events.
type Event struct {
	EventID    uuid.UUID `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func newEvent() Event {
	return Event{
		EventID:    uuid.New(),
		OccurredAt: time.Now().UTC(),
	}
}

// PurchaseCompleted is published when a purchase has been verified and
// committed to the entitlement cache.
type PurchaseCompleted struct {
	Event
	ProductID    string      `json:"product_id"`
	Kind         ProductKind `json:"kind"`
	OrderID      string      `json:"order_id,omitempty"`
	PurchaseTime time.Time   `json:"purchase_time"`
}

// NewPurchaseCompleted builds the event for a committed purchase record.
func NewPurchaseCompleted(record *PurchaseRecord, kind ProductKind) PurchaseCompleted {
	return PurchaseCompleted{
		Event:        newEvent(),
		ProductID:    record.ProductID,
		Kind:         kind,
		OrderID:      record.OrderID,
		PurchaseTime: record.PurchaseTime,
	}
}

func (PurchaseCompleted) RoutingKey() string { return "billing.purchase.completed" }

// PurchaseConsumed is published when a one-time purchase has been consumed
// and its entitlement removed from the cache.
type PurchaseConsumed struct {
	Event
	ProductID string `json:"product_id"`
}

// NewPurchaseConsumed builds the event for a consumed product.
func NewPurchaseConsumed(productID string) PurchaseConsumed {
	return PurchaseConsumed{Event: newEvent(), ProductID: productID}
}

func (PurchaseConsumed) RoutingKey() string { return "billing.purchase.consumed" }

// PurchaseAcknowledged is published when a purchase has been acknowledged
// with the billing service.
type PurchaseAcknowledged struct {
	Event
	ProductID string `json:"product_id"`
	OrderID   string `json:"order_id,omitempty"`
}

// NewPurchaseAcknowledged builds the event for an acknowledged record.
func NewPurchaseAcknowledged(record *PurchaseRecord) PurchaseAcknowledged {
	return PurchaseAcknowledged{
		Event:     newEvent(),
		ProductID: record.ProductID,
		OrderID:   record.OrderID,
	}
}

func (PurchaseAcknowledged) RoutingKey() string { return "billing.purchase.acknowledged" }

// HistoryRestored is published after the one-time full entitlement sync.
type HistoryRestored struct {
	Event
	Products      []string `json:"products"`
	Subscriptions []string `json:"subscriptions"`
}

// NewHistoryRestored builds the event for a completed history sync.
func NewHistoryRestored(products, subscriptions []string) HistoryRestored {
	return HistoryRestored{
		Event:         newEvent(),
		Products:      products,
		Subscriptions: subscriptions,
	}
}

func (HistoryRestored) RoutingKey() string { return "billing.history.restored" }
