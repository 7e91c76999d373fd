package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/casahaus/fulfillment/internal/errs"
	"github.com/casahaus/fulfillment/internal/event"
	kafkax "github.com/casahaus/fulfillment/internal/kafka"
	"github.com/casahaus/fulfillment/internal/orders"
	"github.com/casahaus/fulfillment/internal/outbox"
)

// Store is the persistence boundary; the pgx Repo implements it.
type Store interface {
	CreateAssignment(ctx context.Context, a Assignment) error
	GetAssignment(ctx context.Context, id string) (Assignment, error)
	ActiveByOrder(ctx context.Context, orderID string) (Assignment, error)
	UpdateAssignment(ctx context.Context, id string, fromVersion int64, up AssignmentUpdate, msgs ...outbox.Message) error
	CreateConfirmation(ctx context.Context, c Confirmation) error
	Scan(ctx context.Context, token string, confirmMsg func(orderID string, at time.Time) outbox.Message) (Confirmation, error)
}

// OrderDirectory reads order state owned by the order service (shared
// relational store, read-only from here).
type OrderDirectory interface {
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	GetItems(ctx context.Context, orderID string) ([]event.LineItem, error)
}

// Gateway is the external store/stock collaborator.
type Gateway interface {
	CheckStockAtStore(ctx context.Context, productColorID, storeID string, qty int) (bool, error)
}

type Service struct {
	Store   Store
	Orders  OrderDirectory
	Gateway Gateway
	Name    string
	Log     *zap.Logger
}

// AssignOrderToDelivery opens the delivery assignment for an order the
// store accepted. The store must be able to fulfil every line item, checked
// through the external stock collaborator. Idempotent: an existing active
// assignment is returned as is.
func (s *Service) AssignOrderToDelivery(ctx context.Context, orderID, storeID string, estimatedAt *time.Time, notes string) (Assignment, error) {
	if _, err := s.Orders.GetOrder(ctx, orderID); err != nil {
		return Assignment{}, err
	}

	if existing, err := s.Store.ActiveByOrder(ctx, orderID); err == nil {
		return existing, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return Assignment{}, err
	}

	items, err := s.Orders.GetItems(ctx, orderID)
	if err != nil {
		return Assignment{}, err
	}
	for _, it := range items {
		ok, err := s.Gateway.CheckStockAtStore(ctx, it.ProductColorID, storeID, it.Qty)
		if err != nil {
			return Assignment{}, fmt.Errorf("check stock: %w", err)
		}
		if !ok {
			return Assignment{}, fmt.Errorf("store %s cannot fulfil %s: %w", storeID, it.ProductColorID, errs.ErrNotFound)
		}
	}

	a := Assignment{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		StoreID:     storeID,
		Status:      StatusPreparing,
		Notes:       notes,
		EstimatedAt: estimatedAt,
		Version:     1,
	}
	if err := s.Store.CreateAssignment(ctx, a); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			// Lost a race with another assign; return the winner.
			return s.Store.ActiveByOrder(ctx, orderID)
		}
		return Assignment{}, err
	}
	s.Log.Info("assignment opened", zap.String("order_id", orderID), zap.String("store_id", storeID))
	return a, nil
}

// PrepareProducts moves PREPARING -> READY once the store packed the items.
func (s *Service) PrepareProducts(ctx context.Context, orderID, notes string) error {
	a, err := s.Store.ActiveByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if a.Status != StatusPreparing {
		return fmt.Errorf("%s -> %s: %w", a.Status, StatusReady, errs.ErrInvalidTransition)
	}
	up := AssignmentUpdate{Status: StatusReady}
	if notes != "" {
		up.Notes = lo.ToPtr(strings.TrimSpace(a.Notes + "\n" + notes))
	}
	return s.Store.UpdateAssignment(ctx, a.ID, a.Version, up)
}

// GenerateInvoice is gate-kept on the order having reached
// READY_FOR_INVOICE. The reference is immutable; repeated calls return the
// first one.
func (s *Service) GenerateInvoice(ctx context.Context, orderID string) (string, error) {
	o, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if !orders.AtOrPast(o.Status, orders.StatusReadyForInvoice) {
		return "", fmt.Errorf("order at %s: %w", o.Status, errs.ErrInvalidTransition)
	}

	a, err := s.Store.ActiveByOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if a.InvoiceRef != "" {
		return a.InvoiceRef, nil
	}

	ref := "INV-" + strings.ToUpper(uuid.NewString()[:8])
	if err := s.Store.UpdateAssignment(ctx, a.ID, a.Version, AssignmentUpdate{
		Status:     a.Status,
		InvoiceRef: lo.ToPtr(ref),
	}); err != nil {
		return "", err
	}
	return ref, nil
}

// UpdateDeliveryStatus validates the move against the assignment graph.
// ASSIGNED requires a driver. DELIVERED is never reachable from here: only
// a QR scan completes a delivery, otherwise the confirmation timestamp and
// the delivery-confirmed event would be skipped. A move to CANCELLED
// records the reason, soft-deletes the assignment and schedules the
// compensating order cancellation so the reservation ledger rolls stock
// back.
func (s *Service) UpdateDeliveryStatus(ctx context.Context, assignmentID string, newStatus AssignmentStatus, staffID, reason, traceID string) error {
	if newStatus == StatusDelivered {
		return fmt.Errorf("delivery completes only through a QR scan: %w", errs.ErrInvalidTransition)
	}

	a, err := s.Store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if a.Status == newStatus {
		return nil
	}
	if !CanTransition(a.Status, newStatus) {
		return fmt.Errorf("%s -> %s: %w", a.Status, newStatus, errs.ErrInvalidTransition)
	}

	up := AssignmentUpdate{Status: newStatus}
	if staffID != "" {
		up.StaffID = lo.ToPtr(staffID)
	}

	switch newStatus {
	case StatusAssigned:
		if staffID == "" && a.StaffID == "" {
			return fmt.Errorf("no delivery staff: %w", errs.ErrValidation)
		}
	case StatusCancelled:
		up.Reason = lo.ToPtr(reason)
		up.SoftDelete = true
		msg, err := s.cancelOrderMsg(ctx, a.OrderID, reason, traceID)
		if err != nil {
			return err
		}
		return s.Store.UpdateAssignment(ctx, a.ID, a.Version, up, msg)
	}

	return s.Store.UpdateAssignment(ctx, a.ID, a.Version, up)
}

// CreateConfirmation issues the QR proof-of-delivery once the driver is on
// the road.
func (s *Service) CreateConfirmation(ctx context.Context, orderID, staffID, customerID string, photos []string, notes string) (Confirmation, error) {
	a, err := s.Store.ActiveByOrder(ctx, orderID)
	if err != nil {
		return Confirmation{}, err
	}
	if a.Status != StatusInTransit {
		return Confirmation{}, fmt.Errorf("assignment at %s: %w", a.Status, errs.ErrInvalidTransition)
	}

	c := Confirmation{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		Token:      uuid.NewString(),
		StaffID:    staffID,
		CustomerID: customerID,
		Photos:     photos,
		Notes:      notes,
	}
	if err := s.Store.CreateConfirmation(ctx, c); err != nil {
		return Confirmation{}, err
	}
	return c, nil
}

// ScanQR is the sole trigger that completes a delivery. One shot: a second
// scan fails with ErrAlreadyScanned and does not move the timestamp.
func (s *Service) ScanQR(ctx context.Context, token, traceID string) (Confirmation, error) {
	c, err := s.Store.Scan(ctx, token, func(orderID string, at time.Time) outbox.Message {
		return outbox.For(event.TopicDeliveryConfirmed, event.TypeDeliveryConfirmed, s.Name, traceID, orderID,
			event.DeliveryConfirmedPayload{OrderID: orderID, ConfirmedAt: at})
	})
	if err != nil {
		return Confirmation{}, err
	}
	s.Log.Info("delivery confirmed", zap.String("order_id", c.OrderID))
	return c, nil
}

// ReportIncident is the alternate terminal path from IN_TRANSIT: the
// assignment cancels and the order routes to review/compensation instead of
// DELIVERED.
func (s *Service) ReportIncident(ctx context.Context, orderID string, inc Incident, traceID string) error {
	if inc.Reason == "" {
		return fmt.Errorf("incident reason required: %w", errs.ErrValidation)
	}
	a, err := s.Store.ActiveByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if a.Status != StatusInTransit {
		return fmt.Errorf("assignment at %s: %w", a.Status, errs.ErrInvalidTransition)
	}

	reason := fmt.Sprintf("incident: %s (refused=%t contactable=%t)",
		inc.Reason, inc.CustomerRefused, inc.CustomerContactable)
	msg, err := s.cancelOrderMsg(ctx, orderID, reason, traceID)
	if err != nil {
		return err
	}
	if err := s.Store.UpdateAssignment(ctx, a.ID, a.Version, AssignmentUpdate{
		Status:     StatusCancelled,
		Reason:     lo.ToPtr(reason),
		SoftDelete: true,
	}, msg); err != nil {
		return err
	}
	s.Log.Warn("delivery incident", zap.String("order_id", orderID), zap.String("reason", inc.Reason))
	return nil
}

func (s *Service) cancelOrderMsg(ctx context.Context, orderID, reason, traceID string) (outbox.Message, error) {
	items, err := s.Orders.GetItems(ctx, orderID)
	if err != nil {
		return outbox.Message{}, err
	}
	return outbox.For(event.TopicOrderCancelled, event.TypeOrderCancelled, s.Name, traceID, orderID,
		event.OrderCancelledPayload{OrderID: orderID, Items: items, Reason: reason}), nil
}

// ---- inbound event handlers ----

// Handlers returns the dispatch table for the delivery consumer group.
// Assignments open when an order hits MANAGER_ACCEPT and close when the
// order is cancelled upstream.
func (s *Service) Handlers() map[string]event.HandlerFunc {
	return map[string]event.HandlerFunc{
		event.TypeOrderStatusChanged: s.handleOrderStatusChanged,
	}
}

func (s *Service) handleOrderStatusChanged(ctx context.Context, env event.Envelope) error {
	p, err := kafkax.UnwrapPayload[event.OrderStatusChangedPayload](env.Payload)
	if err != nil {
		return err
	}

	switch orders.Status(p.NewStatus) {
	case orders.StatusManagerAccept:
		if p.StoreID == "" {
			s.Log.Warn("manager accept without store, skipping", zap.String("order_id", p.OrderID))
			return nil
		}
		_, err := s.AssignOrderToDelivery(ctx, p.OrderID, p.StoreID, nil, "")
		if errors.Is(err, errs.ErrNotFound) {
			s.Log.Warn("cannot open assignment", zap.String("order_id", p.OrderID), zap.Error(err))
			return nil
		}
		return err

	case orders.StatusCancelled:
		a, err := s.Store.ActiveByOrder(ctx, p.OrderID)
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if IsTerminal(a.Status) {
			return nil
		}
		// Order already cancelled upstream: close the assignment without
		// publishing another cancellation.
		return s.Store.UpdateAssignment(ctx, a.ID, a.Version, AssignmentUpdate{
			Status:     StatusCancelled,
			Reason:     lo.ToPtr("order cancelled"),
			SoftDelete: true,
		})
	}
	return nil
}
