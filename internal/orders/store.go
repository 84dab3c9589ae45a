package orders

import (
	"context"
	"time"
)

// Store is the transactional store behind the order workflow.
type Store interface {
	// InTx runs fn in one transaction. A non-nil error from fn rolls back everything fn wrote.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)
	ListEventLogs(ctx context.Context, orderID string) ([]EventLog, error)
	AppendEventLog(ctx context.Context, ev EventLog) error
}

// Tx is the row-level view used inside Store.InTx.
type Tx interface {
	UserExists(ctx context.Context, userID string) (bool, error)

	// LockProduct reads the current row and holds the row lock until the transaction ends.
	LockProduct(ctx context.Context, productID string) (*Product, error)
	// ReserveStock moves qty from stock to reserved_stock; false when stock < qty.
	ReserveStock(ctx context.Context, productID string, qty int) (bool, error)
	// ReleaseStock moves qty back from reserved_stock to stock; false when reserved_stock < qty.
	ReleaseStock(ctx context.Context, productID string, qty int) (bool, error)

	InsertOrder(ctx context.Context, o *Order) error
	LockOrder(ctx context.Context, orderID string) (*Order, error)
	SetOrderStatus(ctx context.Context, orderID string, status Status, at time.Time) error
	AppendEventLog(ctx context.Context, ev EventLog) error
}
