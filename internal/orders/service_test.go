package orders

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casahaus/fulfillment/internal/errs"
	"github.com/casahaus/fulfillment/internal/event"
	kafkax "github.com/casahaus/fulfillment/internal/kafka"
	"github.com/casahaus/fulfillment/internal/outbox"
	"github.com/casahaus/fulfillment/internal/stores"
)

// fakeStore is an in-memory Store with the same optimistic-version
// semantics as the pgx repo.
type fakeStore struct {
	mu     sync.Mutex
	orders map[string]Order
	items  map[string][]event.LineItem
	outbox []outbox.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders: make(map[string]Order),
		items:  make(map[string][]event.LineItem),
	}
}

func (f *fakeStore) InsertOrder(_ context.Context, o Order, items []event.LineItem, msgs ...outbox.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
	f.items[o.ID] = items
	f.outbox = append(f.outbox, msgs...)
	return nil
}

func (f *fakeStore) GetOrder(_ context.Context, orderID string) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", orderID, errs.ErrNotFound)
	}
	return o, nil
}

func (f *fakeStore) GetItems(_ context.Context, orderID string) ([]event.LineItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[orderID], nil
}

func (f *fakeStore) AdvanceStatus(_ context.Context, orderID string, fromVersion int64, newStatus Status, markPaid bool, msgs ...outbox.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Version != fromVersion {
		return fmt.Errorf("version %d: %w", fromVersion, errs.ErrConflict)
	}
	o.Status = newStatus
	if markPaid {
		o.PaymentStatus = PaymentPaid
	}
	o.Version++
	f.orders[orderID] = o
	f.outbox = append(f.outbox, msgs...)
	return nil
}

func (f *fakeStore) SetStore(_ context.Context, orderID string, fromVersion int64, storeID string, msgs ...outbox.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Version != fromVersion {
		return fmt.Errorf("version %d: %w", fromVersion, errs.ErrConflict)
	}
	o.Status = StatusAssignStore
	o.StoreID = storeID
	o.Version++
	f.orders[orderID] = o
	f.outbox = append(f.outbox, msgs...)
	return nil
}

func (f *fakeStore) eventsOn(topic string) []outbox.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []outbox.Message
	for _, m := range f.outbox {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeGateway struct {
	user       stores.User
	userErr    error
	nearest    []stores.StoreDistance
	nearestErr error
}

func (f *fakeGateway) GetUserByEmail(context.Context, string) (stores.User, error) {
	return f.user, f.userErr
}

func (f *fakeGateway) GetNearestStores(context.Context, float64, float64, int) ([]stores.StoreDistance, error) {
	return f.nearest, f.nearestErr
}

func newTestService(st *fakeStore) *Service {
	return &Service{
		Store: st,
		Gateway: &fakeGateway{
			user:    stores.User{ID: "user-1", Email: "ann@example.com"},
			nearest: []stores.StoreDistance{{Store: stores.Store{ID: "store-7"}, DistanceKm: 1.2}},
		},
		Name: "order-api-test",
		Log:  zap.NewNop(),
	}
}

func place(t *testing.T, svc *Service) Order {
	t.Helper()
	o, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserEmail:     "ann@example.com",
		Items:         []event.LineItem{{ProductColorID: "oak-chair-navy", Qty: 2}},
		Address:       "12 Sofa St",
		PaymentMethod: "card",
	}, "trace-1")
	require.NoError(t, err)
	return o
}

func TestPlaceOrder_Validation(t *testing.T) {
	svc := newTestService(newFakeStore())

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserEmail: "ann@example.com", Address: "12 Sofa St",
	}, "")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserEmail: "ann@example.com",
		Address:   "12 Sofa St",
		Items:     []event.LineItem{{ProductColorID: "oak-chair-navy", Qty: 0}},
	}, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestPlaceOrder_StartsSagaInPreOrder(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)

	o := place(t, svc)
	assert.Equal(t, StatusPreOrder, o.Status)
	assert.Equal(t, "user-1", o.UserID)

	placed := st.eventsOn(event.TopicOrderPlaced)
	require.Len(t, placed, 1)

	var env event.Envelope
	require.NoError(t, kafkax.UnmarshalValue(placed[0].Value, &env))
	p, err := kafkax.UnwrapPayload[event.OrderPlacedPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, o.ID, p.OrderID)
	require.Len(t, p.Items, 1)
	assert.Equal(t, 2, p.Items[0].Qty)
}

func TestApplyStatusEvent_WalksIntermediateStatuses(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)

	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusPayment, ""))

	got, _ := st.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusPayment, got.Status)
	// One announcement per hop: PENDING then PAYMENT.
	assert.Len(t, st.eventsOn(event.TopicOrderStatus), 2)
}

func TestApplyStatusEvent_IdempotentAtOrPast(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)

	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusPayment, ""))
	before := len(st.eventsOn(event.TopicOrderStatus))

	// Replays and stale events are no-ops, not errors.
	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusPayment, ""))
	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusPending, ""))
	assert.Len(t, st.eventsOn(event.TopicOrderStatus), before)
}

func TestApplyStatusEvent_Rejections(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)

	err := svc.ApplyStatusEvent(context.Background(), o.ID, StatusCancelled, "")
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	err = svc.ApplyStatusEvent(context.Background(), o.ID, Status("NOT_A_STATUS"), "")
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusManagerReject, ""))
	err = svc.ApplyStatusEvent(context.Background(), o.ID, StatusConfirmed, "")
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestApplyStatusEvent_ManagerRejectIdempotent(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)

	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusManagerReject, ""))
	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusManagerReject, ""))

	got, _ := st.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusManagerReject, got.Status)
}

func TestAssignStore_MarksPaidAndRecordsStore(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)
	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusPayment, ""))

	storeID, err := svc.AssignStore(context.Background(), o.ID, 52.37, 4.89, "")
	require.NoError(t, err)
	assert.Equal(t, "store-7", storeID)

	got, _ := st.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusAssignStore, got.Status)
	assert.Equal(t, "store-7", got.StoreID)

	// Repeat is idempotent.
	again, err := svc.AssignStore(context.Background(), o.ID, 52.37, 4.89, "")
	require.NoError(t, err)
	assert.Equal(t, storeID, again)
}

func TestCancelOrder_CarriesItemsForCompensation(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)
	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusPayment, ""))

	require.NoError(t, svc.CancelOrder(context.Background(), o.ID, "changed my mind", ""))

	got, _ := st.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusCancelled, got.Status)

	cancelled := st.eventsOn(event.TopicOrderCancelled)
	require.Len(t, cancelled, 1)
	var env event.Envelope
	require.NoError(t, kafkax.UnmarshalValue(cancelled[0].Value, &env))
	p, err := kafkax.UnwrapPayload[event.OrderCancelledPayload](env.Payload)
	require.NoError(t, err)
	require.Len(t, p.Items, 1)
	assert.Equal(t, "oak-chair-navy", p.Items[0].ProductColorID)
}

func TestCancelOrder_RefusedOnceShipping(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)
	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusShipping, ""))

	err := svc.CancelOrder(context.Background(), o.ID, "too late", "")
	assert.ErrorIs(t, err, errs.ErrNotCancellable)
}

func TestCancelOrder_Idempotent(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)

	require.NoError(t, svc.CancelOrder(context.Background(), o.ID, "dup", ""))
	require.NoError(t, svc.CancelOrder(context.Background(), o.ID, "dup", ""))
	assert.Len(t, st.eventsOn(event.TopicOrderCancelled), 1)
}

func TestCancelOrder_TerminalIsInvalid(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)
	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusManagerReject, ""))

	err := svc.CancelOrder(context.Background(), o.ID, "", "")
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestHandleStockRejected_RoutesToManagerReject(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)

	payload := kafkax.MustMarshal(event.StockRejectedPayload{OrderID: o.ID, Reason: "OUT_OF_STOCK"})
	env := event.NewEnvelope(event.TypeStockRejected, "inventory-test", "", o.ID, payload)
	require.NoError(t, svc.Handlers()[event.TypeStockRejected](context.Background(), env))

	got, _ := st.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusManagerReject, got.Status)
}

func TestHandleStockRejected_StaleAfterAcceptIsDropped(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)
	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusReadyForInvoice, ""))

	// A redelivered rejection for an order the manager already accepted can
	// never apply; it must be dropped, not returned as an error that would
	// block the consumer lane forever.
	payload := kafkax.MustMarshal(event.StockRejectedPayload{OrderID: o.ID, Reason: "OUT_OF_STOCK"})
	env := event.NewEnvelope(event.TypeStockRejected, "inventory-test", "", o.ID, payload)
	require.NoError(t, svc.Handlers()[event.TypeStockRejected](context.Background(), env))

	got, _ := st.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusReadyForInvoice, got.Status)
}

func TestHandleOrderCancelled_TerminalOrderIsDropped(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)
	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusManagerReject, ""))

	payload := kafkax.MustMarshal(event.OrderCancelledPayload{OrderID: o.ID, Reason: "late"})
	env := event.NewEnvelope(event.TypeOrderCancelled, "delivery-test", "", o.ID, payload)
	require.NoError(t, svc.Handlers()[event.TypeOrderCancelled](context.Background(), env))

	got, _ := st.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusManagerReject, got.Status)
}

func TestHandleDeliveryConfirmed_FinishesOrder(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)
	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusShipping, ""))

	payload := kafkax.MustMarshal(event.DeliveryConfirmedPayload{OrderID: o.ID})
	env := event.NewEnvelope(event.TypeDeliveryConfirmed, "delivery-test", "", o.ID, payload)
	require.NoError(t, svc.Handlers()[event.TypeDeliveryConfirmed](context.Background(), env))

	got, _ := st.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusFinished, got.Status)
}

func TestHandleOrderCancelled_ForcesCancelInShipping(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	o := place(t, svc)
	require.NoError(t, svc.ApplyStatusEvent(context.Background(), o.ID, StatusShipping, ""))

	payload := kafkax.MustMarshal(event.OrderCancelledPayload{OrderID: o.ID, Reason: "incident"})
	env := event.NewEnvelope(event.TypeOrderCancelled, "delivery-test", "", o.ID, payload)
	require.NoError(t, svc.Handlers()[event.TypeOrderCancelled](context.Background(), env))

	got, _ := st.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	// The incoming event already drives compensation; no second one.
	assert.Empty(t, st.eventsOn(event.TopicOrderCancelled))
}

func TestHandlers_DropEventsForUnknownOrders(t *testing.T) {
	svc := newTestService(newFakeStore())

	payload := kafkax.MustMarshal(event.StockReservedPayload{OrderID: "ghost"})
	env := event.NewEnvelope(event.TypeStockReserved, "inventory-test", "", "ghost", payload)
	assert.NoError(t, svc.Handlers()[event.TypeStockReserved](context.Background(), env))
}
