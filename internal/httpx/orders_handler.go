package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/casahaus/fulfillment/internal/errs"
	"github.com/casahaus/fulfillment/internal/event"
	"github.com/casahaus/fulfillment/internal/orders"
	"github.com/casahaus/fulfillment/internal/redisx"
)

type OrdersHandler struct {
	Service *orders.Service
	Redis   *redis.Client
}

type PlaceOrderReq struct {
	UserEmail     string           `json:"user_email"`
	Items         []event.LineItem `json:"items"`
	Address       string           `json:"address"`
	PaymentMethod string           `json:"payment_method"`
}

type PlaceOrderResp struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type CancelOrderReq struct {
	Reason string `json:"reason"`
}

type StatusEventReq struct {
	Status string `json:"status"`
}

type AssignStoreReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/status", h.applyStatus)
	r.Post("/orders/{id}/store", h.assignStore)
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid json: %w", errs.ErrValidation))
		return
	}

	o, err := h.Service.PlaceOrder(r.Context(), orders.PlaceOrderInput{
		UserEmail:     req.UserEmail,
		Items:         req.Items,
		Address:       req.Address,
		PaymentMethod: req.PaymentMethod,
	}, middleware.GetReqID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	// Cache the fresh status so polling clients skip the DB.
	statusKey := fmt.Sprintf(redisx.KeyOrderStatus, o.ID)
	_ = h.Redis.Set(r.Context(), statusKey, fmt.Sprintf(`{"status":%q}`, o.Status), redisx.TTLStatusCache).Err()

	writeJSON(w, http.StatusAccepted, PlaceOrderResp{OrderID: o.ID, Status: string(o.Status)})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(r.Context(), key).Result(); err == nil && s != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	o, err := h.Service.GetOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	body, _ := json.Marshal(map[string]any{
		"status":         o.Status,
		"payment_status": o.PaymentStatus,
		"store_id":       o.StoreID,
	})
	_ = h.Redis.Set(r.Context(), key, body, redisx.TTLStatusCache).Err()
	writeJSON(w, http.StatusOK, json.RawMessage(body))
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid json: %w", errs.ErrValidation))
		return
	}
	orderID := chi.URLParam(r, "id")

	if err := h.Service.CancelOrder(r.Context(), orderID, req.Reason, middleware.GetReqID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	h.invalidateStatus(r, orderID)
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": orderID, "status": string(orders.StatusCancelled)})
}

// applyStatus is the operator/payment command surface: it drives the same
// idempotent advance the event handlers use.
func (h *OrdersHandler) applyStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusEventReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid json: %w", errs.ErrValidation))
		return
	}
	orderID := chi.URLParam(r, "id")

	if err := h.Service.ApplyStatusEvent(r.Context(), orderID, orders.Status(req.Status), middleware.GetReqID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	h.invalidateStatus(r, orderID)
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": orderID, "status": req.Status})
}

func (h *OrdersHandler) assignStore(w http.ResponseWriter, r *http.Request) {
	var req AssignStoreReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid json: %w", errs.ErrValidation))
		return
	}
	orderID := chi.URLParam(r, "id")

	storeID, err := h.Service.AssignStore(r.Context(), orderID, req.Lat, req.Lng, middleware.GetReqID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidateStatus(r, orderID)
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": orderID, "store_id": storeID})
}

func (h *OrdersHandler) invalidateStatus(r *http.Request, orderID string) {
	_ = h.Redis.Del(r.Context(), fmt.Sprintf(redisx.KeyOrderStatus, orderID)).Err()
}
