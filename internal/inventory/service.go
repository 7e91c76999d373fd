package inventory

import (
	"context"

	"go.uber.org/zap"

	"github.com/casahaus/fulfillment/internal/event"
	kafkax "github.com/casahaus/fulfillment/internal/kafka"
	"github.com/casahaus/fulfillment/internal/outbox"
)

// Ledger owns the reservation records for this service. The pgx Repo
// implements it; tests use an in-memory fake.
type Ledger interface {
	HasReservations(ctx context.Context, orderID string) (bool, error)
	Reserve(ctx context.Context, orderID string, items []event.LineItem, reservedMsg outbox.Message) (bool, []event.StockRejectedDetail, error)
	AppendEvent(ctx context.Context, msg outbox.Message) error
	Release(ctx context.Context, orderID string) error
	Consume(ctx context.Context, orderID string) error
}

type Service struct {
	Ledger Ledger
	Name   string
	Log    *zap.Logger
}

// Handlers returns the dispatch table for the inventory consumer group.
func (s *Service) Handlers() map[string]event.HandlerFunc {
	return map[string]event.HandlerFunc{
		event.TypeOrderPlaced:       s.handleOrderPlaced,
		event.TypeOrderCancelled:    s.handleOrderCancelled,
		event.TypeDeliveryConfirmed: s.handleDeliveryConfirmed,
	}
}

// handleOrderPlaced attempts the reservation. A replayed placement for an
// order that already holds reservations is a no-op, so at-least-once
// delivery produces exactly one reservation set and one result event.
// A shortfall is a normal outcome: the attempt rolls back and a rejected
// event with per-item details reports back to the order service.
func (s *Service) handleOrderPlaced(ctx context.Context, env event.Envelope) error {
	p, err := kafkax.UnwrapPayload[event.OrderPlacedPayload](env.Payload)
	if err != nil {
		return err
	}

	held, err := s.Ledger.HasReservations(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if held {
		return nil
	}

	reservedMsg := outbox.For(event.TopicStockReserved, event.TypeStockReserved, s.Name, env.TraceID, p.OrderID,
		event.StockReservedPayload{OrderID: p.OrderID, Items: p.Items})

	ok, details, err := s.Ledger.Reserve(ctx, p.OrderID, p.Items, reservedMsg)
	if err != nil {
		return err
	}
	if ok {
		s.Log.Info("stock reserved", zap.String("order_id", p.OrderID), zap.Int("items", len(p.Items)))
		return nil
	}

	s.Log.Info("stock rejected", zap.String("order_id", p.OrderID), zap.Int("shortfalls", len(details)))
	rejectedMsg := outbox.For(event.TopicStockRejected, event.TypeStockRejected, s.Name, env.TraceID, p.OrderID,
		event.StockRejectedPayload{OrderID: p.OrderID, Reason: "OUT_OF_STOCK", Details: details})
	return s.Ledger.AppendEvent(ctx, rejectedMsg)
}

// handleOrderCancelled compensates: RESERVED rows go RELEASED and stock is
// restored. Replaying against an already-released set changes nothing, so
// stock is never double-credited.
func (s *Service) handleOrderCancelled(ctx context.Context, env event.Envelope) error {
	p, err := kafkax.UnwrapPayload[event.OrderCancelledPayload](env.Payload)
	if err != nil {
		return err
	}
	if err := s.Ledger.Release(ctx, p.OrderID); err != nil {
		return err
	}
	s.Log.Info("reservations released", zap.String("order_id", p.OrderID))
	return nil
}

// handleDeliveryConfirmed settles the ledger: the goods left the building.
func (s *Service) handleDeliveryConfirmed(ctx context.Context, env event.Envelope) error {
	p, err := kafkax.UnwrapPayload[event.DeliveryConfirmedPayload](env.Payload)
	if err != nil {
		return err
	}
	return s.Ledger.Consume(ctx, p.OrderID)
}
