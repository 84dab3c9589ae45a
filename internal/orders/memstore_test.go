package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store. The mutex guards single operations only;
// transactions run concurrently like they would against the database.
// Row writes apply in place with an undo entry, new orders and log rows are
// buffered until commit, and a failing fn replays the undo log.
//
// memStore takes no row locks of its own. Two transactions holding the same
// product at once are counted in violations, which the callers' distributed
// locks are expected to keep at zero.
type memStore struct {
	mu    sync.Mutex
	state memState

	holders    map[string]int
	violations int

	// failAfterReserve makes the n-th ReserveStock call of a transaction error out.
	failAfterReserve int
	// onLockProduct and onLockOrder run before the row is read, outside mu.
	onLockProduct func(productID string)
	onLockOrder   func(orderID string)
}

type memState struct {
	users    map[string]bool
	products map[string]Product
	orders   map[string]Order
	logs     []EventLog
}

func newMemStore() *memStore {
	return &memStore{
		state: memState{
			users:    map[string]bool{},
			products: map[string]Product{},
			orders:   map[string]Order{},
		},
		holders: map[string]int{},
	}
}

func (s *memStore) addUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.users[id] = true
}

func (s *memStore) addProduct(p Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.products[p.ID] = p
}

func (s *memStore) product(id string) Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.products[id]
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.orders)
}

func (s *memStore) overlaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{s: s, inserted: map[string]Order{}, held: map[string]bool{}}
	err := fn(tx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range tx.held {
		s.holders[id]--
	}
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i](&s.state)
		}
		return err
	}
	for id, o := range tx.inserted {
		s.state.orders[id] = o
	}
	s.state.logs = append(s.state.logs, tx.logs...)
	return nil
}

func (s *memStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	o.Items = append([]OrderItem(nil), o.Items...)
	return &o, nil
}

func (s *memStore) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.state.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) ListEventLogs(ctx context.Context, orderID string) ([]EventLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EventLog
	for _, ev := range s.state.logs {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memStore) AppendEventLog(ctx context.Context, ev EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.logs = append(s.state.logs, ev)
	return nil
}

type memTx struct {
	s        *memStore
	undo     []func(st *memState)
	inserted map[string]Order
	logs     []EventLog
	held     map[string]bool
	reserves int
}

func (t *memTx) UserExists(ctx context.Context, userID string) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.state.users[userID], nil
}

func (t *memTx) LockProduct(ctx context.Context, productID string) (*Product, error) {
	if hook := t.s.onLockProduct; hook != nil {
		hook(productID)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.s.state.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, productID)
	}
	if !t.held[productID] {
		t.held[productID] = true
		t.s.holders[productID]++
		if t.s.holders[productID] > 1 {
			t.s.violations++
		}
	}
	return &p, nil
}

func (t *memTx) ReserveStock(ctx context.Context, productID string, qty int) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.reserves++
	if n := t.s.failAfterReserve; n > 0 && t.reserves >= n {
		return false, fmt.Errorf("injected failure on reserve %d", t.reserves)
	}
	p := t.s.state.products[productID]
	if p.Stock < qty {
		return false, nil
	}
	p.Stock -= qty
	p.ReservedStock += qty
	t.s.state.products[productID] = p
	t.undo = append(t.undo, func(st *memState) {
		p := st.products[productID]
		p.Stock += qty
		p.ReservedStock -= qty
		st.products[productID] = p
	})
	return true, nil
}

func (t *memTx) ReleaseStock(ctx context.Context, productID string, qty int) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p := t.s.state.products[productID]
	if p.ReservedStock < qty {
		return false, nil
	}
	p.Stock += qty
	p.ReservedStock -= qty
	t.s.state.products[productID] = p
	t.undo = append(t.undo, func(st *memState) {
		p := st.products[productID]
		p.Stock -= qty
		p.ReservedStock += qty
		st.products[productID] = p
	})
	return true, nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *Order) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, existing := range t.s.state.orders {
		if existing.ReferenceNo == o.ReferenceNo {
			return fmt.Errorf("duplicate reference_no %s", o.ReferenceNo)
		}
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	t.inserted[o.ID] = c
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, orderID string) (*Order, error) {
	if hook := t.s.onLockOrder; hook != nil {
		hook(orderID)
	}
	if o, ok := t.inserted[orderID]; ok {
		o.Items = append([]OrderItem(nil), o.Items...)
		return &o, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	o, ok := t.s.state.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	o.Items = append([]OrderItem(nil), o.Items...)
	return &o, nil
}

func (t *memTx) SetOrderStatus(ctx context.Context, orderID string, status Status, at time.Time) error {
	if o, ok := t.inserted[orderID]; ok {
		o.Status, o.UpdatedAt = status, at
		t.inserted[orderID] = o
		return nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	o, ok := t.s.state.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	prevStatus, prevAt := o.Status, o.UpdatedAt
	o.Status, o.UpdatedAt = status, at
	t.s.state.orders[orderID] = o
	t.undo = append(t.undo, func(st *memState) {
		o := st.orders[orderID]
		o.Status, o.UpdatedAt = prevStatus, prevAt
		st.orders[orderID] = o
	})
	return nil
}

func (t *memTx) AppendEventLog(ctx context.Context, ev EventLog) error {
	t.logs = append(t.logs, ev)
	return nil
}
