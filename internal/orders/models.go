package orders

import "time"

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "UNPAID"
	PaymentPaid   PaymentStatus = "PAID"
)

type Order struct {
	ID            string
	UserID        string
	Status        Status
	PaymentStatus PaymentStatus
	PaymentMethod string
	Address       string
	StoreID       string // empty until a store is assigned
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderItem struct {
	OrderID        string
	ProductColorID string
	Qty            int
}
