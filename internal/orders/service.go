package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casahaus/fulfillment/internal/errs"
	"github.com/casahaus/fulfillment/internal/event"
	kafkax "github.com/casahaus/fulfillment/internal/kafka"
	"github.com/casahaus/fulfillment/internal/outbox"
	"github.com/casahaus/fulfillment/internal/stores"
)

// Store is the persistence boundary of the order state machine. The pgx
// Repo implements it; tests use an in-memory fake.
type Store interface {
	InsertOrder(ctx context.Context, o Order, items []event.LineItem, msgs ...outbox.Message) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetItems(ctx context.Context, orderID string) ([]event.LineItem, error)
	AdvanceStatus(ctx context.Context, orderID string, fromVersion int64, newStatus Status, markPaid bool, msgs ...outbox.Message) error
	SetStore(ctx context.Context, orderID string, fromVersion int64, storeID string, msgs ...outbox.Message) error
}

// Gateway covers the external identity and store lookups this service
// needs. Calls carry bounded timeouts and fail with ErrExternalService.
type Gateway interface {
	GetUserByEmail(ctx context.Context, email string) (stores.User, error)
	GetNearestStores(ctx context.Context, lat, lng float64, limit int) ([]stores.StoreDistance, error)
}

type Service struct {
	Store   Store
	Gateway Gateway
	Name    string // producer name stamped on envelopes
	Log     *zap.Logger
}

type PlaceOrderInput struct {
	UserEmail     string
	Items         []event.LineItem
	Address       string
	PaymentMethod string
}

// PlaceOrder creates the order in PRE_ORDER and schedules the order-placed
// event that starts the reservation saga.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput, traceID string) (Order, error) {
	if len(in.Items) == 0 {
		return Order{}, fmt.Errorf("no line items: %w", errs.ErrValidation)
	}
	for _, it := range in.Items {
		if it.ProductColorID == "" || it.Qty <= 0 {
			return Order{}, fmt.Errorf("bad line item %q qty=%d: %w", it.ProductColorID, it.Qty, errs.ErrValidation)
		}
	}
	if in.UserEmail == "" || in.Address == "" {
		return Order{}, fmt.Errorf("missing user or address: %w", errs.ErrValidation)
	}

	user, err := s.Gateway.GetUserByEmail(ctx, in.UserEmail)
	if err != nil {
		return Order{}, fmt.Errorf("resolve user: %w", err)
	}

	o := Order{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		Status:        StatusPreOrder,
		PaymentStatus: PaymentUnpaid,
		PaymentMethod: in.PaymentMethod,
		Address:       in.Address,
		Version:       1,
	}

	placed := outbox.For(event.TopicOrderPlaced, event.TypeOrderPlaced, s.Name, traceID, o.ID,
		event.OrderPlacedPayload{
			OrderID:       o.ID,
			UserID:        o.UserID,
			Items:         in.Items,
			Address:       in.Address,
			PaymentMethod: in.PaymentMethod,
		})

	if err := s.Store.InsertOrder(ctx, o, in.Items, placed); err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}

	s.Log.Info("order placed", zap.String("order_id", o.ID), zap.Int("items", len(in.Items)))
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return s.Store.GetOrder(ctx, orderID)
}

// ApplyStatusEvent idempotently advances the order toward target. Already
// at or past target is a no-op, never an error; a target not reachable from
// the current status fails with ErrInvalidTransition and no side effect.
// Intermediate chain statuses are walked one hop at a time so every hop is
// announced and version-guarded.
func (s *Service) ApplyStatusEvent(ctx context.Context, orderID string, target Status, traceID string) error {
	if target == StatusCancelled {
		return fmt.Errorf("cancellation goes through CancelOrder: %w", errs.ErrInvalidTransition)
	}

	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	if target == StatusManagerReject {
		if o.Status == StatusManagerReject {
			return nil
		}
		if !CanTransition(o.Status, StatusManagerReject) {
			return fmt.Errorf("%s -> %s: %w", o.Status, target, errs.ErrInvalidTransition)
		}
		return s.Store.AdvanceStatus(ctx, orderID, o.Version, StatusManagerReject, false,
			s.statusChanged(orderID, StatusManagerReject, o.StoreID, traceID))
	}

	if !OnChain(target) {
		return fmt.Errorf("unknown target %s: %w", target, errs.ErrInvalidTransition)
	}
	if AtOrPast(o.Status, target) {
		return nil
	}
	path, ok := PathTo(o.Status, target)
	if !ok {
		return fmt.Errorf("%s -> %s: %w", o.Status, target, errs.ErrInvalidTransition)
	}

	version := o.Version
	for _, st := range path {
		markPaid := st == StatusAssignStore
		if err := s.Store.AdvanceStatus(ctx, orderID, version, st, markPaid,
			s.statusChanged(orderID, st, o.StoreID, traceID)); err != nil {
			return err
		}
		version++
	}
	return nil
}

// AssignStore picks the nearest store able to take the order and advances
// PAYMENT -> ASSIGN_ORDER_STORE.
func (s *Service) AssignStore(ctx context.Context, orderID string, lat, lng float64, traceID string) (string, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.Status == StatusAssignStore && o.StoreID != "" {
		return o.StoreID, nil
	}
	if !CanTransition(o.Status, StatusAssignStore) {
		return "", fmt.Errorf("%s -> %s: %w", o.Status, StatusAssignStore, errs.ErrInvalidTransition)
	}

	candidates, err := s.Gateway.GetNearestStores(ctx, lat, lng, 1)
	if err != nil {
		return "", fmt.Errorf("nearest stores: %w", err)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no store near (%f, %f): %w", lat, lng, errs.ErrNotFound)
	}
	storeID := candidates[0].Store.ID

	if err := s.Store.SetStore(ctx, orderID, o.Version, storeID,
		s.statusChanged(orderID, StatusAssignStore, storeID, traceID)); err != nil {
		return "", err
	}
	return storeID, nil
}

// CancelOrder is the customer/operator cancellation. It refuses once the
// order physically shipped; compensation events from downstream services go
// through the force path instead.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason, traceID string) error {
	return s.cancel(ctx, orderID, reason, traceID, false, true)
}

func (s *Service) cancel(ctx context.Context, orderID, reason, traceID string, force, announce bool) error {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == StatusCancelled {
		return nil
	}
	if IsTerminal(o.Status) {
		return fmt.Errorf("%s is terminal: %w", o.Status, errs.ErrInvalidTransition)
	}
	if !force && AtOrPast(o.Status, StatusShipping) {
		return fmt.Errorf("order %s at %s: %w", orderID, o.Status, errs.ErrNotCancellable)
	}

	msgs := []outbox.Message{s.statusChanged(orderID, StatusCancelled, o.StoreID, traceID)}
	if announce {
		items, err := s.Store.GetItems(ctx, orderID)
		if err != nil {
			return err
		}
		// The cancellation event carries the original line items so the
		// reservation ledger can compensate without a lookup.
		msgs = append(msgs, outbox.For(event.TopicOrderCancelled, event.TypeOrderCancelled, s.Name, traceID, orderID,
			event.OrderCancelledPayload{OrderID: orderID, Items: items, Reason: reason}))
	}

	if err := s.Store.AdvanceStatus(ctx, orderID, o.Version, StatusCancelled, false, msgs...); err != nil {
		return err
	}
	s.Log.Info("order cancelled", zap.String("order_id", orderID), zap.String("reason", reason))
	return nil
}

func (s *Service) statusChanged(orderID string, st Status, storeID, traceID string) outbox.Message {
	return outbox.For(event.TopicOrderStatus, event.TypeOrderStatusChanged, s.Name, traceID, orderID,
		event.OrderStatusChangedPayload{OrderID: orderID, NewStatus: string(st), StoreID: storeID})
}

// ---- inbound event handlers ----

// Handlers returns the dispatch table for the order consumer group.
func (s *Service) Handlers() map[string]event.HandlerFunc {
	return map[string]event.HandlerFunc{
		event.TypeStockReserved:     s.handleStockReserved,
		event.TypeStockRejected:     s.handleStockRejected,
		event.TypeDeliveryConfirmed: s.handleDeliveryConfirmed,
		event.TypeOrderCancelled:    s.handleOrderCancelled,
	}
}

func (s *Service) handleStockReserved(ctx context.Context, env event.Envelope) error {
	p, err := kafkax.UnwrapPayload[event.StockReservedPayload](env.Payload)
	if err != nil {
		return err
	}
	return s.dropStale(s.ApplyStatusEvent(ctx, p.OrderID, StatusPayment, env.TraceID))
}

func (s *Service) handleStockRejected(ctx context.Context, env event.Envelope) error {
	p, err := kafkax.UnwrapPayload[event.StockRejectedPayload](env.Payload)
	if err != nil {
		return err
	}
	return s.dropStale(s.ApplyStatusEvent(ctx, p.OrderID, StatusManagerReject, env.TraceID))
}

func (s *Service) handleDeliveryConfirmed(ctx context.Context, env event.Envelope) error {
	p, err := kafkax.UnwrapPayload[event.DeliveryConfirmedPayload](env.Payload)
	if err != nil {
		return err
	}
	return s.dropStale(s.ApplyStatusEvent(ctx, p.OrderID, StatusFinished, env.TraceID))
}

// handleOrderCancelled applies cancellations originated by other services
// (staff rejection, delivery incident). Re-consuming our own cancellation
// is a no-op; no second cancellation event is announced, the original one
// already drives the ledger rollback.
func (s *Service) handleOrderCancelled(ctx context.Context, env event.Envelope) error {
	p, err := kafkax.UnwrapPayload[event.OrderCancelledPayload](env.Payload)
	if err != nil {
		return err
	}
	return s.dropStale(s.cancel(ctx, p.OrderID, p.Reason, env.TraceID, true, false))
}

// dropStale keeps the consumer from spinning on events that can never
// apply: unknown orders, and transitions the order already moved past. A
// redelivered stock rejection for an order the manager long since accepted
// is stale, not a failure, and must not block its partition.
func (s *Service) dropStale(err error) error {
	if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrInvalidTransition) {
		s.Log.Warn("stale event dropped", zap.Error(err))
		return nil
	}
	return err
}
