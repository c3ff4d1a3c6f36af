package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderPaid      = "OrderPaid"
	EventOrderCancelled = "OrderCancelled"
	EventOrderExpired   = "OrderExpired"
)

// Event is emitted by the Engine after a lifecycle transaction commits.
type Event struct {
	Type       string
	OrderID    string
	BuyerID    string
	StoreID    string
	State      State
	TotalCents int64
	Lines      []Line
	OccurredAt time.Time
}

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type ItemPrice struct {
	ItemID     string `json:"item_id"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

// OrderEventPayload is shared by every lifecycle event; State carries the state
// the order entered.
type OrderEventPayload struct {
	OrderID    string      `json:"order_id"`
	BuyerID    string      `json:"buyer_id"`
	StoreID    string      `json:"store_id"`
	State      State       `json:"state"`
	TotalCents int64       `json:"total_cents"`
	Items      []ItemPrice `json:"items,omitempty"`
}

func (e Event) Payload() OrderEventPayload {
	p := OrderEventPayload{
		OrderID:    e.OrderID,
		BuyerID:    e.BuyerID,
		StoreID:    e.StoreID,
		State:      e.State,
		TotalCents: e.TotalCents,
	}
	for _, l := range e.Lines {
		p.Items = append(p.Items, ItemPrice{ItemID: l.ItemID, Qty: l.Quantity, PriceCents: l.Price})
	}
	return p
}
