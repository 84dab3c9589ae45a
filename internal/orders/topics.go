package orders

const (
	RoutingOrderCreated   = "order.created"
	RoutingOrderCancelled = "order.cancelled"
)

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID string) string { return orderID }
