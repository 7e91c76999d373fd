package delivery

import "time"

type AssignmentStatus string

const (
	StatusPreparing AssignmentStatus = "PREPARING"
	StatusReady     AssignmentStatus = "READY"
	StatusAssigned  AssignmentStatus = "ASSIGNED"
	StatusInTransit AssignmentStatus = "IN_TRANSIT"
	StatusDelivered AssignmentStatus = "DELIVERED"
	StatusCancelled AssignmentStatus = "CANCELLED"
)

var validNext = map[AssignmentStatus]map[AssignmentStatus]bool{
	StatusPreparing: {StatusReady: true, StatusCancelled: true},
	StatusReady:     {StatusAssigned: true, StatusCancelled: true},
	StatusAssigned:  {StatusInTransit: true, StatusCancelled: true},
	StatusInTransit: {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered: {},
	StatusCancelled: {},
}

func CanTransition(from, to AssignmentStatus) bool {
	return validNext[from][to]
}

func IsTerminal(s AssignmentStatus) bool {
	return len(validNext[s]) == 0
}

// Assignment is the single active delivery for an order. Terminal
// cancellation soft-deletes it so history stays queryable.
type Assignment struct {
	ID          string
	OrderID     string
	StoreID     string
	StaffID     string // empty until a driver is assigned
	Status      AssignmentStatus
	Reason      string // set on cancellation
	Notes       string
	InvoiceRef  string // immutable once generated
	EstimatedAt *time.Time
	Version     int64
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Confirmation is the QR proof-of-delivery. ScannedAt is set exactly once.
type Confirmation struct {
	ID         string
	OrderID    string
	Token      string
	StaffID    string
	CustomerID string
	Photos     []string
	Notes      string
	ScannedAt  *time.Time
	CreatedAt  time.Time
}

// Location is the latest known driver position for an order. Overwritten on
// every update, only the newest point is kept.
type Location struct {
	OrderID   string    `json:"order_id"`
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Incident is an alternate terminal outcome reported from the road.
type Incident struct {
	Reason              string
	CustomerRefused     bool
	CustomerContactable bool
}
