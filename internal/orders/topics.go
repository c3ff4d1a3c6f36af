package orders

const (
	TopicOrderCreated   = "order.created"
	TopicOrderPaid      = "order.paid"
	TopicOrderCancelled = "order.cancelled"
	TopicOrderExpired   = "order.expired"
)

var topicByEvent = map[string]string{
	EventOrderCreated:   TopicOrderCreated,
	EventOrderPaid:      TopicOrderPaid,
	EventOrderCancelled: TopicOrderCancelled,
	EventOrderExpired:   TopicOrderExpired,
}

// TopicFor maps an event type to its topic; unknown types map to "".
func TopicFor(eventType string) string { return topicByEvent[eventType] }

func LifecycleTopics() []string {
	return []string{TopicOrderCreated, TopicOrderPaid, TopicOrderCancelled, TopicOrderExpired}
}

// PartitionKey keys by order id. Each event type has its own topic, so events
// of one order are not ordered across topics; consumers must tolerate that.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
