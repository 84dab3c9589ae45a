package orders

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/stock-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type published struct {
	routingKey string
	key        string
	env        Envelope
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, routingKey, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	p.msgs = append(p.msgs, published{routingKey: routingKey, key: key, env: env})
	return nil
}

func (p *fakePublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

// blockingPublisher parks every Publish until its context ends.
type blockingPublisher struct {
	entered chan struct{}
}

func (p *blockingPublisher) Publish(ctx context.Context, routingKey, key string, body []byte) error {
	p.entered <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	svc    *Service
	store  *memStore
	pub    *fakePublisher
	mr     *miniredis.Miniredis
	locker *redisx.Locker
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	core, logs := observer.New(zap.InfoLevel)
	store := newMemStore()
	store.addUser("u-1")
	store.addProduct(Product{ID: "p-1", SKU: "SKU-1", Name: "Widget", Price: decimal.RequireFromString("10.50"), Stock: 10, IsActive: true})
	store.addProduct(Product{ID: "p-2", SKU: "SKU-2", Name: "Gadget", Price: decimal.RequireFromString("3.25"), Stock: 5, IsActive: true})
	store.addProduct(Product{ID: "p-off", SKU: "SKU-3", Name: "Retired", Price: decimal.NewFromInt(1), Stock: 5, IsActive: false})

	pub := &fakePublisher{}
	locker := redisx.NewLocker(rdb)
	svc := NewService(store, locker, redisx.NewCache(rdb), pub, ServiceConfig{
		Producer:       "order-api",
		LockTTL:        30 * time.Second,
		PublishTimeout: time.Second,
	}, zap.New(core))

	return &fixture{svc: svc, store: store, pub: pub, mr: mr, locker: locker, logs: logs}
}

func TestCreateOrder_ReservesStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mr.Set(redisx.ProductKey("p-1"), `{"id":"p-1","stock":10}`))

	o, err := f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 3}, {ProductID: "p-2", Quantity: 2}})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, o.Status)
	assert.Regexp(t, `^ORD-\d{8}-[0-9A-F]{16}$`, o.ReferenceNo)
	assert.True(t, decimal.RequireFromString("38.00").Equal(o.TotalPrice), o.TotalPrice.String())
	require.Len(t, o.Items, 2)
	assert.True(t, decimal.RequireFromString("31.50").Equal(o.Items[0].TotalPrice))

	p1 := f.store.product("p-1")
	assert.Equal(t, 7, p1.Stock)
	assert.Equal(t, 3, p1.ReservedStock)
	p2 := f.store.product("p-2")
	assert.Equal(t, 3, p2.Stock)
	assert.Equal(t, 2, p2.ReservedStock)

	// locks released, cache invalidated
	assert.False(t, f.mr.Exists(redisx.StockLockKey("p-1")))
	assert.False(t, f.mr.Exists(redisx.StockLockKey("p-2")))
	assert.False(t, f.mr.Exists(redisx.ProductKey("p-1")))

	logs, err := f.svc.GetOrderEventLogs(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, EventOrderCreated, logs[0].EventType)

	sent := f.pub.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, RoutingOrderCreated, sent[0].routingKey)
	assert.Equal(t, o.ID, sent[0].key)
	assert.Equal(t, EventOrderCreated, sent[0].env.EventType)
	assert.Equal(t, "order-api", sent[0].env.Producer)

	var payload OrderCreatedPayload
	require.NoError(t, json.Unmarshal(sent[0].env.Payload, &payload))
	assert.Equal(t, o.ReferenceNo, payload.ReferenceNo)
	assert.Len(t, payload.Items, 2)
}

func TestCreateOrder_ConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// widen the window between the row read and the reservation
	f.store.onLockProduct = func(string) { time.Sleep(10 * time.Millisecond) }

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 6}})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, ErrLockConflict) || errors.Is(err, ErrInsufficientStock), err.Error())
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, f.store.orderCount())
	assert.Zero(t, f.store.overlaps(), "two transactions held p-1 at once")

	p := f.store.product("p-1")
	assert.Equal(t, 4, p.Stock)
	assert.Equal(t, 6, p.ReservedStock)
}

func TestCreateOrder_LocksReleasedBeforePublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pub := &blockingPublisher{entered: make(chan struct{}, 4)}
	f.svc.pub = pub
	f.svc.cfg.PublishTimeout = 500 * time.Millisecond

	parked := func(fn func() error) chan error {
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case <-pub.entered:
		case <-time.After(time.Second):
			t.Fatal("never reached publish")
		}
		return done
	}

	first := parked(func() error {
		_, err := f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 1}})
		return err
	})
	// first order is still inside publish
	assert.False(t, f.mr.Exists(redisx.StockLockKey("p-1")))
	second, err := f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 1}})
	require.NoError(t, err)
	<-pub.entered
	require.NoError(t, <-first)

	cancelled := parked(func() error {
		_, err := f.svc.CancelOrder(ctx, second.ID)
		return err
	})
	assert.False(t, f.mr.Exists(redisx.StockLockKey("p-1")))
	_, err = f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 2}})
	require.NoError(t, err)
	<-pub.entered
	require.NoError(t, <-cancelled)

	p := f.store.product("p-1")
	assert.Equal(t, 7, p.Stock)
	assert.Equal(t, 3, p.ReservedStock)
}

func TestCreateOrder_InsufficientStockRollsBackEverything(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemInput{{ProductID: "p-1", Quantity: 2}, {ProductID: "p-2", Quantity: 6}})
	require.Error(t, err)

	var se *InsufficientStockError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "p-2", se.ProductID)
	assert.Equal(t, 5, se.Available)
	assert.Equal(t, 6, se.Requested)
	assert.Equal(t, KindInsufficientStock, Kind(err))

	assert.Equal(t, 10, f.store.product("p-1").Stock)
	assert.Equal(t, 0, f.store.product("p-1").ReservedStock)
	assert.Equal(t, 0, f.store.orderCount())
	assert.False(t, f.mr.Exists(redisx.StockLockKey("p-1")))
	assert.False(t, f.mr.Exists(redisx.StockLockKey("p-2")))
	assert.Empty(t, f.pub.sent())
}

func TestCreateOrder_StoreFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.store.failAfterReserve = 2

	_, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemInput{{ProductID: "p-1", Quantity: 1}, {ProductID: "p-2", Quantity: 1}})
	require.Error(t, err)
	assert.Equal(t, KindInternal, Kind(err))
	assert.Equal(t, 10, f.store.product("p-1").Stock)
	assert.Equal(t, 0, f.store.orderCount())
}

func TestCreateOrder_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.locker.Acquire(ctx, redisx.StockLockKey("p-2"), time.Minute)
	require.NoError(t, err)

	_, err = f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 1}, {ProductID: "p-2", Quantity: 1}})
	assert.ErrorIs(t, err, ErrLockConflict)
	assert.Equal(t, 10, f.store.product("p-1").Stock)
	assert.Equal(t, 0, f.store.orderCount())

	// our own lock on p-1 was released, the foreign one on p-2 was left alone
	assert.False(t, f.mr.Exists(redisx.StockLockKey("p-1")))
	held, err := f.mr.Get(redisx.StockLockKey("p-2"))
	require.NoError(t, err)
	assert.Equal(t, token, held)
}

func TestCreateOrder_DuplicateProductReusesLock(t *testing.T) {
	f := newFixture(t)

	o, err := f.svc.CreateOrder(context.Background(), "u-1", []ItemInput{{ProductID: "p-1", Quantity: 2}, {ProductID: "p-1", Quantity: 3}})
	require.NoError(t, err)
	assert.Len(t, o.Items, 2)
	assert.Equal(t, 5, f.store.product("p-1").Stock)
	assert.Equal(t, 5, f.store.product("p-1").ReservedStock)
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		user  string
		items []ItemInput
		want  error
	}{
		{"no user", "", []ItemInput{{ProductID: "p-1", Quantity: 1}}, ErrInvalidInput},
		{"no items", "u-1", nil, ErrInvalidInput},
		{"zero qty", "u-1", []ItemInput{{ProductID: "p-1", Quantity: 0}}, ErrInvalidInput},
		{"negative qty", "u-1", []ItemInput{{ProductID: "p-1", Quantity: -2}}, ErrInvalidInput},
		{"unknown user", "ghost", []ItemInput{{ProductID: "p-1", Quantity: 1}}, ErrNotFound},
		{"unknown product", "u-1", []ItemInput{{ProductID: "nope", Quantity: 1}}, ErrNotFound},
		{"inactive product", "u-1", []ItemInput{{ProductID: "p-off", Quantity: 1}}, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(ctx, tc.user, tc.items)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 0, f.store.orderCount())
}

func TestCreateOrder_PublishFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker unavailable")
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, 9, f.store.product("p-1").Stock)

	logs, err := f.svc.GetOrderEventLogs(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, EventOrderCreated, logs[0].EventType)
	assert.Equal(t, EventPublishFailed, logs[1].EventType)
	assert.Equal(t, "broker unavailable", logs[1].Error)

	var p PublishFailedPayload
	require.NoError(t, json.Unmarshal(logs[1].Payload, &p))
	assert.Equal(t, RoutingOrderCreated, p.RoutingKey)

	// the stored envelope is enough to replay the event
	var env Envelope
	require.NoError(t, json.Unmarshal(p.Envelope, &env))
	assert.Equal(t, p.EventID, env.EventID)
	assert.Equal(t, EventOrderCreated, env.EventType)
	var created OrderCreatedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &created))
	assert.Equal(t, o.ID, created.OrderID)

	assert.Equal(t, 1, f.logs.FilterMessage("event publish failed").Len())
}

func TestCancelOrder_ReleasesStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 4}})
	require.NoError(t, err)
	assert.Equal(t, 6, f.store.product("p-1").Stock)

	cancelled, err := f.svc.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	p := f.store.product("p-1")
	assert.Equal(t, 10, p.Stock)
	assert.Equal(t, 0, p.ReservedStock)
	assert.False(t, f.mr.Exists(redisx.StockLockKey("p-1")))

	logs, err := f.svc.GetOrderEventLogs(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, EventOrderCreated, logs[0].EventType)
	assert.Equal(t, EventOrderCancelled, logs[1].EventType)

	sent := f.pub.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, RoutingOrderCancelled, sent[1].routingKey)
	var payload OrderCancelledPayload
	require.NoError(t, json.Unmarshal(sent[1].env.Payload, &payload))
	assert.Equal(t, StatusPending, payload.PreviousStatus)

	_, err = f.svc.CancelOrder(ctx, o.ID)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
	assert.Equal(t, KindTerminalState, Kind(err))
	assert.Equal(t, 10, f.store.product("p-1").Stock)
}

func TestCancelOrder_NotFoundAndLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CancelOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	o, err := f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 1}})
	require.NoError(t, err)

	_, err = f.locker.Acquire(ctx, redisx.StockLockKey("p-1"), time.Minute)
	require.NoError(t, err)
	_, err = f.svc.CancelOrder(ctx, o.ID)
	assert.ErrorIs(t, err, ErrLockConflict)

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestUpdateOrderStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 1}})
	require.NoError(t, err)

	_, err = f.svc.UpdateOrderStatus(ctx, o.ID, Status("SHIPPED"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.svc.UpdateOrderStatus(ctx, "missing", StatusConfirmed)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.svc.UpdateOrderStatus(ctx, o.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	// same status again is a no-op
	_, err = f.svc.UpdateOrderStatus(ctx, o.ID, StatusConfirmed)
	require.NoError(t, err)

	logs, err := f.svc.GetOrderEventLogs(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, EventStatusUpdated, logs[1].EventType)
	var p StatusUpdatedPayload
	require.NoError(t, json.Unmarshal(logs[1].Payload, &p))
	assert.Equal(t, StatusPending, p.OldStatus)
	assert.Equal(t, StatusConfirmed, p.NewStatus)

	// status override does not touch stock
	assert.Equal(t, 9, f.store.product("p-1").Stock)
	assert.Equal(t, 1, f.store.product("p-1").ReservedStock)
}

func TestTransitionOrderStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 1}})
	require.NoError(t, err)

	_, err = f.svc.TransitionOrderStatus(ctx, o.ID, Status("SHIPPED"))
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = f.svc.TransitionOrderStatus(ctx, "missing", StatusConfirmed)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.svc.TransitionOrderStatus(ctx, o.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	// redelivered confirmation
	got, err = f.svc.TransitionOrderStatus(ctx, o.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	_, err = f.svc.TransitionOrderStatus(ctx, o.ID, StatusPending)
	assert.ErrorIs(t, err, ErrTransitionNotAllowed)
	assert.Equal(t, KindInvalidTransition, Kind(err))

	logs, err := f.svc.GetOrderEventLogs(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, EventStatusUpdated, logs[1].EventType)
}

func TestTransitionOrderStatus_CancelCommitsFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 3}})
	require.NoError(t, err)

	// the cancellation commits while the confirmation waits for the order row
	var fired bool
	f.store.onLockOrder = func(id string) {
		if fired || id != o.ID {
			return
		}
		fired = true
		_, err := f.svc.CancelOrder(ctx, o.ID)
		require.NoError(t, err)
	}

	_, err = f.svc.TransitionOrderStatus(ctx, o.ID, StatusConfirmed)
	require.ErrorIs(t, err, ErrTransitionNotAllowed)
	require.True(t, fired)

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	p := f.store.product("p-1")
	assert.Equal(t, 10, p.Stock)
	assert.Zero(t, p.ReservedStock)

	logs, err := f.svc.GetOrderEventLogs(ctx, o.ID)
	require.NoError(t, err)
	for _, ev := range logs {
		assert.NotEqual(t, EventStatusUpdated, ev.EventType)
	}
}

func TestListOrders_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.addUser("u-2")

	a, err := f.svc.CreateOrder(ctx, "u-1", []ItemInput{{ProductID: "p-1", Quantity: 1}})
	require.NoError(t, err)
	_, err = f.svc.CreateOrder(ctx, "u-2", []ItemInput{{ProductID: "p-1", Quantity: 1}})
	require.NoError(t, err)
	_, err = f.svc.CancelOrder(ctx, a.ID)
	require.NoError(t, err)

	got, err := f.svc.ListOrders(ctx, OrderFilter{UserID: "u-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = f.svc.ListOrders(ctx, OrderFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = f.svc.ListOrders(ctx, OrderFilter{Status: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.svc.GetOrderEventLogs(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewReferenceNo_Unique(t *testing.T) {
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		ref := NewReferenceNo(now)
		require.False(t, seen[ref], ref)
		seen[ref] = true
	}
	assert.Regexp(t, `^ORD-20240309-[0-9A-F]{16}$`, NewReferenceNo(now))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusConfirmed))
	assert.True(t, CanTransition(StatusConfirmed, StatusCompleted))
	assert.False(t, CanTransition(StatusCancelled, StatusConfirmed))
	assert.False(t, CanTransition(StatusCompleted, StatusPending))
	assert.False(t, Status("").Valid())
}
