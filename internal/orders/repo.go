package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the part of pgxpool.Pool and pgx.Tx the queries need.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore implements Store on PostgreSQL.
type PgStore struct{ DB *pgxpool.Pool }

func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PgStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return getOrder(ctx, s.DB, orderID, false)
}

func (s *PgStore) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, user_id, reference_no, status, total_price, created_at, updated_at
		FROM orders
		WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`,
		f.UserID, string(f.Status), pageSize(f.Limit), max(f.Offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.ReferenceNo, &o.Status, &o.TotalPrice, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PgStore) ListEventLogs(ctx context.Context, orderID string) ([]EventLog, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, event_type, payload, COALESCE(error, ''), created_at
		FROM event_logs WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventLog
	for rows.Next() {
		var ev EventLog
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.EventType, &payload, &ev.Error, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PgStore) AppendEventLog(ctx context.Context, ev EventLog) error {
	return appendEventLog(ctx, s.DB, ev)
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) UserExists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&ok)
	return ok, err
}

func (t *pgTx) LockProduct(ctx context.Context, productID string) (*Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, `
		SELECT `+productColumns+`
		FROM products WHERE id = $1
		FOR UPDATE`, productID), productID)
}

func (t *pgTx) ReserveStock(ctx context.Context, productID string, qty int) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products
		SET stock = stock - $2, reserved_stock = reserved_stock + $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`, productID, qty)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) ReleaseStock(ctx context.Context, productID string, qty int) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products
		SET stock = stock + $2, reserved_stock = reserved_stock - $2, updated_at = now()
		WHERE id = $1 AND reserved_stock >= $2`, productID, qty)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *Order) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, reference_no, status, total_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.UserID, o.ReferenceNo, string(o.Status), o.TotalPrice, o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return err
	}

	for _, it := range o.Items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, quantity, unit_price, total_price, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			it.ID, it.OrderID, it.ProductID, it.Quantity, it.UnitPrice, it.TotalPrice, it.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID string) (*Order, error) {
	return getOrder(ctx, t.tx, orderID, true)
}

func (t *pgTx) SetOrderStatus(ctx context.Context, orderID string, status Status, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, orderID, string(status), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return nil
}

func (t *pgTx) AppendEventLog(ctx context.Context, ev EventLog) error {
	return appendEventLog(ctx, t.tx, ev)
}

func getOrder(ctx context.Context, q querier, orderID string, forUpdate bool) (*Order, error) {
	sql := `SELECT id, user_id, reference_no, status, total_price, created_at, updated_at FROM orders WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var o Order
	err := q.QueryRow(ctx, sql, orderID).Scan(&o.ID, &o.UserID, &o.ReferenceNo, &o.Status, &o.TotalPrice, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price, total_price, created_at
		FROM order_items WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.TotalPrice, &it.CreatedAt); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

func appendEventLog(ctx context.Context, q querier, ev EventLog) error {
	var errText *string
	if ev.Error != "" {
		errText = &ev.Error
	}
	_, err := q.Exec(ctx, `
		INSERT INTO event_logs(id, order_id, event_type, payload, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.OrderID, string(ev.EventType), []byte(ev.Payload), errText, ev.CreatedAt)
	return err
}
