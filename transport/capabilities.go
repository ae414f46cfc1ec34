package transport

// Capabilities describes the features supported by a broker. They are
// reported by the status endpoint.
type Capabilities struct {
	// SupportsQuorum indicates quorum queues can be declared. When false the
	// runtime skips quorum migration and declares classic durable queues.
	SupportsQuorum bool `json:"quorum"`

	// SupportsNativeDLQ indicates rejected messages can be dead-lettered by the
	// broker through queue policy.
	SupportsNativeDLQ bool `json:"native_dlq"`

	// SupportsPrefetch indicates Qos limits the number of unacknowledged
	// deliveries per channel.
	SupportsPrefetch bool `json:"prefetch"`

	// SupportsReconnect indicates the connection re-establishes itself after a
	// network failure.
	SupportsReconnect bool `json:"reconnect"`

	// Name is the human-readable name of the broker.
	Name string `json:"name"`
}

// DefaultQueueType returns the queue type the runtime should aim for.
func (c Capabilities) DefaultQueueType() string {
	if c.SupportsQuorum {
		return QueueTypeQuorum
	}
	return QueueTypeClassic
}

var (
	// RabbitMQCapabilities for RabbitMQ.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsQuorum:    true,
		SupportsNativeDLQ: true,
		SupportsPrefetch:  true,
		SupportsReconnect: true,
	}

	// MemoryCapabilities for the in-process broker.
	MemoryCapabilities = Capabilities{
		Name:              "memory",
		SupportsQuorum:    true,
		SupportsNativeDLQ: false,
		SupportsPrefetch:  true,
		SupportsReconnect: false,
	}
)

// GetCapabilities returns the capabilities registered for a broker name.
// Returns a Capabilities value with only Name set if the broker is unknown.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
