package event

const (
	TopicOrderPlaced       = "order.placed"
	TopicOrderCancelled    = "order.cancelled"
	TopicOrderStatus       = "order.status"
	TopicStockReserved     = "order.stock.reserved"
	TopicStockRejected     = "order.stock.rejected"
	TopicDeliveryConfirmed = "delivery.confirmed"
)

// Partition key = order_id, so all events of one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
