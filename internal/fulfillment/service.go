// Package fulfillment consumes order events and confirms pending orders.
package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkax "github.com/ariefcatur/stock-orders/internal/kafka"
	"github.com/ariefcatur/stock-orders/internal/orders"
	"github.com/ariefcatur/stock-orders/internal/redisx"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// OrderService checks the lifecycle under the order row lock (orders.Service).
type OrderService interface {
	TransitionOrderStatus(ctx context.Context, orderID string, to orders.Status) (*orders.Order, error)
}

// Deduper remembers processed event ids (redisx.Cache).
type Deduper interface {
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

type Service struct {
	Orders      OrderService
	Dedup       Deduper
	Log         *zap.Logger
	ServiceName string
}

// HandleOrderEvent dipasang sebagai handler consumer. Returning an error
// makes the consumer retry the same message before committing it.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	if rk := kafkax.HeaderValue(m.Headers, kafkax.HeaderRoutingKey); rk != orders.RoutingOrderCreated {
		return nil // ignore
	}

	// 1) decode envelope
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		log.Warn("dropping undecodable event", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventOrderCreated {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
	if err != nil {
		log.Warn("dropping event with bad payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	// 2) dedup via Redis (pakai event_id)
	dkey := redisx.DedupKey(s.ServiceName, env.EventID)
	fresh, err := s.Dedup.SetNX(ctx, dkey, []byte("1"), redisx.TTLDedup)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !fresh {
		log.Debug("duplicate event", zap.String("event_id", env.EventID))
		return nil
	}

	if err := s.confirm(ctx, log, p.OrderID); err != nil {
		// let a redelivery try again
		_ = s.Dedup.Delete(context.WithoutCancel(ctx), dkey)
		return err
	}
	return nil
}

func (s *Service) confirm(ctx context.Context, log *zap.Logger, orderID string) error {
	o, err := s.Orders.TransitionOrderStatus(ctx, orderID, orders.StatusConfirmed)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		log.Warn("event for unknown order", zap.String("order_id", orderID))
		return nil
	case errors.Is(err, orders.ErrTransitionNotAllowed):
		log.Info("order not confirmable, skipping", zap.String("order_id", orderID), zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("confirm order %s: %w", orderID, err)
	}
	log.Info("order confirmed", zap.String("order_id", orderID), zap.String("reference_no", o.ReferenceNo))
	return nil
}
