package redisx

import "time"

const (
	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Cache order status: order_status:{order_id} -> {"status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Latest driver position, overwritten on every update.
	// loc:order:{order_id} and loc:driver:{driver_id} point at the same
	// JSON document.
	KeyOrderLocation  = "loc:order:%s"
	KeyDriverLocation = "loc:driver:%s"
)

var (
	TTLDedup       = 48 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLLocation    = 24 * time.Hour
)
