package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrderCreated   EventType = "ORDER_CREATED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventStatusUpdated  EventType = "STATUS_UPDATED"
	EventPublishFailed  EventType = "EVENT_PUBLISH_FAILED"
)

const envelopeVersion = 1

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     EventType       `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(t EventType, producer, orderID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     t,
		EventVersion:  envelopeVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}

// ---- payloads ----

type ItemPrice struct {
	ProductID  string          `json:"product_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type OrderCreatedPayload struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	ReferenceNo string          `json:"reference_no"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	Items       []ItemPrice     `json:"items"`
	Timestamp   time.Time       `json:"timestamp"`
}

type OrderCancelledPayload struct {
	OrderID        string      `json:"order_id"`
	ReferenceNo    string      `json:"reference_no"`
	PreviousStatus Status      `json:"previous_status"`
	Items          []ItemPrice `json:"items"`
	Timestamp      time.Time   `json:"timestamp"`
}

type StatusUpdatedPayload struct {
	OldStatus Status `json:"old_status"`
	NewStatus Status `json:"new_status"`
}

type PublishFailedPayload struct {
	RoutingKey string          `json:"routing_key"`
	EventID    string          `json:"event_id"`
	Envelope   json.RawMessage `json:"envelope,omitempty"`
}

func itemPrices(items []OrderItem) []ItemPrice {
	out := make([]ItemPrice, 0, len(items))
	for _, it := range items {
		out = append(out, ItemPrice{
			ProductID:  it.ProductID,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
			TotalPrice: it.TotalPrice,
		})
	}
	return out
}

func createdPayload(o *Order) OrderCreatedPayload {
	return OrderCreatedPayload{
		OrderID:     o.ID,
		UserID:      o.UserID,
		ReferenceNo: o.ReferenceNo,
		TotalPrice:  o.TotalPrice,
		Items:       itemPrices(o.Items),
		Timestamp:   o.CreatedAt,
	}
}
