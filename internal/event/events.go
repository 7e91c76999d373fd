package event

import (
	"encoding/json"
	"time"
)

const (
	TypeOrderPlaced        = "OrderPlaced"
	TypeOrderCancelled     = "OrderCancelled"
	TypeOrderStatusChanged = "OrderStatusChanged"
	TypeStockReserved      = "StockReserved"
	TypeStockRejected      = "StockRejected"
	TypeDeliveryConfirmed  = "DeliveryConfirmed"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payload types per event ----

// LineItem is a quantity of one product colour variant.
type LineItem struct {
	ProductColorID string `json:"product_color_id"`
	Qty            int    `json:"qty"`
}

type OrderPlacedPayload struct {
	OrderID       string     `json:"order_id"`
	UserID        string     `json:"user_id"`
	Items         []LineItem `json:"items"`
	Address       string     `json:"address"`
	PaymentMethod string     `json:"payment_method"`
}

type OrderCancelledPayload struct {
	OrderID string     `json:"order_id"`
	Items   []LineItem `json:"items"`
	Reason  string     `json:"reason,omitempty"`
}

type OrderStatusChangedPayload struct {
	OrderID   string `json:"order_id"`
	NewStatus string `json:"new_status"`
	StoreID   string `json:"store_id,omitempty"`
}

type StockReservedPayload struct {
	OrderID string     `json:"order_id"`
	Items   []LineItem `json:"items"`
}

type StockRejectedDetail struct {
	ProductColorID string `json:"product_color_id"`
	Required       int    `json:"required"`
	Available      int    `json:"available"`
}

type StockRejectedPayload struct {
	OrderID string                `json:"order_id"`
	Reason  string                `json:"reason"` // e.g. OUT_OF_STOCK
	Details []StockRejectedDetail `json:"details,omitempty"`
}

type DeliveryConfirmedPayload struct {
	OrderID     string    `json:"order_id"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}
