package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Product stock moves in lock-step with ReservedStock: a reservation moves
// units from Stock to ReservedStock, a cancellation moves them back.
type Product struct {
	ID            string          `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Stock         int             `json:"stock"`
	ReservedStock int             `json:"reserved_stock"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Order struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	ReferenceNo string          `json:"reference_no"`
	Status      Status          `json:"status"` // lihat status.go
	TotalPrice  decimal.Decimal `json:"total_price"`
	Items       []OrderItem     `json:"items"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OrderItem keeps the unit price seen at reservation time.
type OrderItem struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	ProductID  string          `json:"product_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EventLog rows are append-only.
type EventLog struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type ItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type OrderFilter struct {
	UserID string
	Status Status
	Limit  int
	Offset int
}

type ProductFilter struct {
	IncludeInactive bool
	Limit           int
	Offset          int
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}

func (o *Order) productIDs() []string {
	seen := make(map[string]bool, len(o.Items))
	out := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			out = append(out, it.ProductID)
		}
	}
	return out
}
