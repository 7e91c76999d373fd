package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/casahaus/fulfillment/internal/delivery"
	"github.com/casahaus/fulfillment/internal/errs"
)

type DeliveryHandler struct {
	Service *delivery.Service
	Tracker *delivery.Tracker
}

type AssignDeliveryReq struct {
	OrderID     string     `json:"order_id"`
	StoreID     string     `json:"store_id"`
	EstimatedAt *time.Time `json:"estimated_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

type PrepareReq struct {
	Notes string `json:"notes,omitempty"`
}

type DeliveryStatusReq struct {
	Status  string `json:"status"`
	StaffID string `json:"staff_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type ConfirmationReq struct {
	StaffID    string   `json:"staff_id"`
	CustomerID string   `json:"customer_id"`
	Photos     []string `json:"photos,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

type IncidentReq struct {
	Reason              string `json:"reason"`
	CustomerRefused     bool   `json:"customer_refused"`
	CustomerContactable bool   `json:"customer_contactable"`
}

type LocationReq struct {
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

func (h *DeliveryHandler) Register(r *chi.Mux) {
	r.Post("/assignments", h.assign)
	r.Post("/assignments/{id}/status", h.updateStatus)
	r.Post("/orders/{orderID}/prepare", h.prepare)
	r.Post("/orders/{orderID}/invoice", h.generateInvoice)
	r.Post("/orders/{orderID}/confirmation", h.createConfirmation)
	r.Post("/confirmations/{token}/scan", h.scan)
	r.Post("/orders/{orderID}/incident", h.incident)
	r.Put("/orders/{orderID}/location", h.updateLocation)
	r.Get("/orders/{orderID}/location", h.getLocation)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("invalid json: %w", errs.ErrValidation))
		return false
	}
	return true
}

func (h *DeliveryHandler) assign(w http.ResponseWriter, r *http.Request) {
	var req AssignDeliveryReq
	if !decode(w, r, &req) {
		return
	}
	if req.OrderID == "" || req.StoreID == "" {
		writeError(w, fmt.Errorf("order_id and store_id required: %w", errs.ErrValidation))
		return
	}

	a, err := h.Service.AssignOrderToDelivery(r.Context(), req.OrderID, req.StoreID, req.EstimatedAt, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"assignment_id": a.ID,
		"status":        string(a.Status),
	})
}

func (h *DeliveryHandler) prepare(w http.ResponseWriter, r *http.Request) {
	var req PrepareReq
	if !decode(w, r, &req) {
		return
	}
	if err := h.Service.PrepareProducts(r.Context(), chi.URLParam(r, "orderID"), req.Notes); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(delivery.StatusReady)})
}

func (h *DeliveryHandler) generateInvoice(w http.ResponseWriter, r *http.Request) {
	ref, err := h.Service.GenerateInvoice(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"invoice_ref": ref})
}

func (h *DeliveryHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req DeliveryStatusReq
	if !decode(w, r, &req) {
		return
	}
	err := h.Service.UpdateDeliveryStatus(r.Context(), chi.URLParam(r, "id"),
		delivery.AssignmentStatus(req.Status), req.StaffID, req.Reason, middleware.GetReqID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (h *DeliveryHandler) createConfirmation(w http.ResponseWriter, r *http.Request) {
	var req ConfirmationReq
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Service.CreateConfirmation(r.Context(), chi.URLParam(r, "orderID"),
		req.StaffID, req.CustomerID, req.Photos, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"confirmation_id": c.ID,
		"qr_token":        c.Token,
	})
}

func (h *DeliveryHandler) scan(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.ScanQR(r.Context(), chi.URLParam(r, "token"), middleware.GetReqID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":   c.OrderID,
		"scanned_at": c.ScannedAt,
	})
}

func (h *DeliveryHandler) incident(w http.ResponseWriter, r *http.Request) {
	var req IncidentReq
	if !decode(w, r, &req) {
		return
	}
	err := h.Service.ReportIncident(r.Context(), chi.URLParam(r, "orderID"), delivery.Incident{
		Reason:              req.Reason,
		CustomerRefused:     req.CustomerRefused,
		CustomerContactable: req.CustomerContactable,
	}, middleware.GetReqID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(delivery.StatusCancelled)})
}

func (h *DeliveryHandler) updateLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationReq
	if !decode(w, r, &req) {
		return
	}
	err := h.Tracker.UpdateLocation(r.Context(), chi.URLParam(r, "orderID"), req.DriverID, req.Lat, req.Lng)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeliveryHandler) getLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := h.Tracker.GetLocation(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}
