package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/stock-orders/internal/redisx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Locker is the per-resource exclusive lock (redisx.Locker).
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// CacheInvalidator drops cached product snapshots.
type CacheInvalidator interface {
	Delete(ctx context.Context, keys ...string) error
}

// Publisher hands a serialized event to the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey, key string, body []byte) error
}

type ServiceConfig struct {
	// Producer is stamped on every published envelope.
	Producer       string
	LockTTL        time.Duration
	PublishTimeout time.Duration
}

// Service is the order workflow: reservation, cancellation and status updates.
type Service struct {
	store  Store
	locker Locker
	cache  CacheInvalidator
	pub    Publisher
	cfg    ServiceConfig
	log    *zap.Logger
	tracer trace.Tracer

	created         metric.Int64Counter
	lockConflicts   metric.Int64Counter
	publishFailures metric.Int64Counter
}

func NewService(store Store, locker Locker, cache CacheInvalidator, pub Publisher, cfg ServiceConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = redisx.TTLStockLock
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	meter := otel.Meter("orders")
	return &Service{
		store:           store,
		locker:          locker,
		cache:           cache,
		pub:             pub,
		cfg:             cfg,
		log:             log,
		tracer:          otel.Tracer("orders"),
		created:         counter(meter, "orders.created", "orders committed"),
		lockConflicts:   counter(meter, "orders.lock_conflicts", "requests refused because a product lock was held"),
		publishFailures: counter(meter, "orders.publish_failures", "events that could not be handed to the broker"),
	}
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

// CreateOrder reserves stock for every item and records the order, its items
// and an ORDER_CREATED log row in one transaction. Product locks are held
// until that transaction has finished and are released before the
// order.created event is published; a publish failure never fails the order.
func (s *Service) CreateOrder(ctx context.Context, userID string, items []ItemInput) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.create")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.Int("items", len(items)))

	if err := validateItems(userID, items); err != nil {
		return nil, s.fail(ctx, span, err)
	}

	locks := s.newLockSet()
	defer locks.releaseAll(context.WithoutCancel(ctx))

	now := time.Now().UTC()
	order := &Order{
		ID:          uuid.NewString(),
		UserID:      userID,
		ReferenceNo: NewReferenceNo(now),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.InTx(ctx, func(tx Tx) error {
		ok, err := tx.UserExists(ctx, userID)
		if err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}

		order.Items = order.Items[:0]
		total := decimal.Zero
		for _, in := range items {
			if err := locks.acquire(ctx, in.ProductID); err != nil {
				return err
			}
			p, err := tx.LockProduct(ctx, in.ProductID)
			if err != nil {
				return fmt.Errorf("load product: %w", err)
			}
			if !p.IsActive {
				return fmt.Errorf("%w: product %s is inactive", ErrNotFound, p.ID)
			}
			if p.Stock < in.Quantity {
				return &InsufficientStockError{ProductID: p.ID, Available: p.Stock, Requested: in.Quantity}
			}
			reserved, err := tx.ReserveStock(ctx, p.ID, in.Quantity)
			if err != nil {
				return fmt.Errorf("reserve stock: %w", err)
			}
			if !reserved {
				return &InsufficientStockError{ProductID: p.ID, Available: p.Stock, Requested: in.Quantity}
			}

			line := p.Price.Mul(decimal.NewFromInt(int64(in.Quantity)))
			order.Items = append(order.Items, OrderItem{
				ID:         uuid.NewString(),
				OrderID:    order.ID,
				ProductID:  p.ID,
				Quantity:   in.Quantity,
				UnitPrice:  p.Price,
				TotalPrice: line,
				CreatedAt:  now,
			})
			total = total.Add(line)
		}
		order.TotalPrice = total

		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return appendLog(ctx, tx, order.ID, EventOrderCreated, createdPayload(order), now)
	})
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}

	// still under the product locks, so no reader can refill from a pre-commit row
	s.invalidate(ctx, order.productIDs())
	locks.releaseAll(context.WithoutCancel(ctx))
	s.created.Add(ctx, 1)
	span.SetAttributes(attribute.String("order_id", order.ID), attribute.String("reference_no", order.ReferenceNo))
	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("reference_no", order.ReferenceNo),
		zap.String("user_id", userID),
		zap.String("total_price", order.TotalPrice.String()),
	)

	s.publish(ctx, RoutingOrderCreated, order.ID, EventOrderCreated, createdPayload(order))
	return order, nil
}

// CancelOrder returns every item's quantity from reserved_stock to stock and
// marks the order CANCELLED. It contends for the same product locks as CreateOrder.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	current, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}
	if current.Status == StatusCancelled {
		return nil, s.fail(ctx, span, fmt.Errorf("%w: %s", ErrAlreadyCancelled, orderID))
	}

	locks := s.newLockSet()
	defer locks.releaseAll(context.WithoutCancel(ctx))
	for _, pid := range current.productIDs() {
		if err := locks.acquire(ctx, pid); err != nil {
			return nil, s.fail(ctx, span, err)
		}
	}

	now := time.Now().UTC()
	var (
		cancelled *Order
		previous  Status
	)
	err = s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == StatusCancelled {
			return fmt.Errorf("%w: %s", ErrAlreadyCancelled, orderID)
		}
		for _, it := range o.Items {
			ok, err := tx.ReleaseStock(ctx, it.ProductID, it.Quantity)
			if err != nil {
				return fmt.Errorf("release stock: %w", err)
			}
			if !ok {
				return fmt.Errorf("release stock for product %s: reserved stock below %d", it.ProductID, it.Quantity)
			}
		}
		if err := tx.SetOrderStatus(ctx, orderID, StatusCancelled, now); err != nil {
			return fmt.Errorf("set status: %w", err)
		}
		payload := OrderCancelledPayload{
			OrderID:        o.ID,
			ReferenceNo:    o.ReferenceNo,
			PreviousStatus: o.Status,
			Items:          itemPrices(o.Items),
			Timestamp:      now,
		}
		if err := appendLog(ctx, tx, o.ID, EventOrderCancelled, payload, now); err != nil {
			return err
		}
		previous = o.Status
		o.Status = StatusCancelled
		o.UpdatedAt = now
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}

	s.invalidate(ctx, cancelled.productIDs())
	locks.releaseAll(context.WithoutCancel(ctx))
	s.log.Info("order cancelled", zap.String("order_id", orderID), zap.String("reference_no", cancelled.ReferenceNo))

	s.publish(ctx, RoutingOrderCancelled, orderID, EventOrderCancelled, OrderCancelledPayload{
		OrderID:        cancelled.ID,
		ReferenceNo:    cancelled.ReferenceNo,
		PreviousStatus: previous,
		Items:          itemPrices(cancelled.Items),
		Timestamp:      now,
	})
	return cancelled, nil
}

// UpdateOrderStatus is an administrative override: any known status may
// replace any other. Stock is not touched; use CancelOrder to release stock.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, status Status) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.update_status")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID), attribute.String("status", string(status)))

	if !status.Valid() {
		return nil, s.fail(ctx, span, fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}

	now := time.Now().UTC()
	var updated *Order
	err := s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		updated = o
		if o.Status == status {
			return nil
		}
		if err := tx.SetOrderStatus(ctx, orderID, status, now); err != nil {
			return fmt.Errorf("set status: %w", err)
		}
		if err := appendLog(ctx, tx, orderID, EventStatusUpdated, StatusUpdatedPayload{OldStatus: o.Status, NewStatus: status}, now); err != nil {
			return err
		}
		s.log.Info("order status updated",
			zap.String("order_id", orderID),
			zap.String("old_status", string(o.Status)),
			zap.String("new_status", string(status)),
		)
		o.Status = status
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}
	return updated, nil
}

// TransitionOrderStatus moves an order along the lifecycle table. The
// current status is checked under the order row lock, so a concurrent
// cancellation cannot be overwritten. Same status is a no-op.
func (s *Service) TransitionOrderStatus(ctx context.Context, orderID string, to Status) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.transition_status")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID), attribute.String("status", string(to)))

	if !to.Valid() {
		return nil, s.fail(ctx, span, fmt.Errorf("%w: %q", ErrInvalidStatus, to))
	}

	now := time.Now().UTC()
	var updated *Order
	err := s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		updated = o
		if o.Status == to {
			return nil
		}
		if !CanTransition(o.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, o.Status, to)
		}
		if err := tx.SetOrderStatus(ctx, orderID, to, now); err != nil {
			return fmt.Errorf("set status: %w", err)
		}
		if err := appendLog(ctx, tx, orderID, EventStatusUpdated, StatusUpdatedPayload{OldStatus: o.Status, NewStatus: to}, now); err != nil {
			return err
		}
		o.Status = to
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}
	return updated, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

func (s *Service) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	return s.store.ListOrders(ctx, f)
}

func (s *Service) GetOrderEventLogs(ctx context.Context, orderID string) ([]EventLog, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.ListEventLogs(ctx, orderID)
}

func validateItems(userID string, items []ItemInput) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidInput)
	}
	for i, it := range items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: items[%d].product_id is required", ErrInvalidInput, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: items[%d].quantity must be positive", ErrInvalidInput, i)
		}
	}
	return nil
}

func appendLog(ctx context.Context, tx Tx, orderID string, t EventType, payload any, at time.Time) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", t, err)
	}
	if err := tx.AppendEventLog(ctx, EventLog{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		EventType: t,
		Payload:   b,
		CreatedAt: at,
	}); err != nil {
		return fmt.Errorf("append %s log: %w", t, err)
	}
	return nil
}

func (s *Service) fail(ctx context.Context, span trace.Span, err error) error {
	if errors.Is(err, ErrLockConflict) {
		s.lockConflicts.Add(ctx, 1)
	}
	if Kind(err) == KindInternal {
		s.log.Error("order workflow failed", zap.Error(err))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *Service) invalidate(ctx context.Context, productIDs []string) {
	if s.cache == nil || len(productIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		keys = append(keys, redisx.ProductKey(id))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		// TTL still bounds staleness
		s.log.Warn("product cache invalidation failed", zap.Strings("product_ids", productIDs), zap.Error(err))
	}
}

// publish is best-effort; failures are logged and recorded in event_logs.
func (s *Service) publish(ctx context.Context, routingKey, orderID string, t EventType, payload any) {
	if s.pub == nil {
		return
	}
	env, err := NewEnvelope(t, s.cfg.Producer, orderID, payload)
	var body []byte
	if err == nil {
		body, err = json.Marshal(env)
	}
	if err == nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PublishTimeout)
		err = s.pub.Publish(pctx, routingKey, PartitionKey(orderID), body)
		cancel()
	}
	if err == nil {
		return
	}

	s.publishFailures.Add(ctx, 1)
	s.log.Warn("event publish failed",
		zap.String("order_id", orderID),
		zap.String("routing_key", routingKey),
		zap.Error(err),
	)
	// the envelope is kept so the event can be replayed once the broker is back
	b, _ := json.Marshal(PublishFailedPayload{RoutingKey: routingKey, EventID: env.EventID, Envelope: body})
	if lerr := s.store.AppendEventLog(context.WithoutCancel(ctx), EventLog{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		EventType: EventPublishFailed,
		Payload:   b,
		Error:     err.Error(),
		CreatedAt: time.Now().UTC(),
	}); lerr != nil {
		s.log.Error("record publish failure", zap.String("order_id", orderID), zap.Error(lerr))
	}
}

// lockSet tracks the product locks one request holds.
type lockSet struct {
	locker Locker
	ttl    time.Duration
	log    *zap.Logger
	keys   []string
	tokens map[string]string
}

func (s *Service) newLockSet() *lockSet {
	return &lockSet{locker: s.locker, ttl: s.cfg.LockTTL, log: s.log, tokens: map[string]string{}}
}

// acquire is a no-op for a product this request already holds.
func (l *lockSet) acquire(ctx context.Context, productID string) error {
	key := redisx.StockLockKey(productID)
	if _, ok := l.tokens[key]; ok {
		return nil
	}
	token, err := l.locker.Acquire(ctx, key, l.ttl)
	if errors.Is(err, redisx.ErrNotAcquired) {
		return fmt.Errorf("%w: product %s", ErrLockConflict, productID)
	}
	if err != nil {
		return fmt.Errorf("acquire product lock: %w", err)
	}
	l.keys = append(l.keys, key)
	l.tokens[key] = token
	return nil
}

func (l *lockSet) releaseAll(ctx context.Context) {
	for i := len(l.keys) - 1; i >= 0; i-- {
		key := l.keys[i]
		if err := l.locker.Release(ctx, key, l.tokens[key]); err != nil {
			l.log.Warn("release product lock", zap.String("key", key), zap.Error(err))
		}
	}
	l.keys = nil
	l.tokens = map[string]string{}
}
