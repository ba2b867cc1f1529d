package transport

// Capabilities describes what a transport guarantees to the runtime.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsOrdering indicates messages from one publisher to one inbox
	// arrive in publish order.
	SupportsOrdering bool

	// ReportsUnreachable indicates Publish fails when the destination inbox
	// has no live listener. Brokers accept the message regardless, so such
	// failures surface as dead letters only on transports that report them.
	ReportsUnreachable bool

	// StoreAndForward indicates the broker buffers messages for an inbox
	// whose node is down and delivers them once it is back.
	StoreAndForward bool

	// SupportsTracing indicates the transport propagates metadata headers.
	SupportsTracing bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// DeliveryGuarantee summarises the capabilities for logs and the admin API.
func (c Capabilities) DeliveryGuarantee() string {
	switch {
	case c.StoreAndForward:
		return "broker-buffered"
	case c.ReportsUnreachable:
		return "direct"
	default:
		return "best-effort"
	}
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-process channel network.
	ChannelCapabilities = Capabilities{
		Name:               "channel",
		SupportsOrdering:   true,
		ReportsUnreachable: true,
		SupportsTracing:    true,
	}

	// HTTPCapabilities for the default point-to-point HTTP transport.
	HTTPCapabilities = Capabilities{
		Name:               "http",
		SupportsOrdering:   true,
		ReportsUnreachable: true,
		SupportsTracing:    true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:             "nats",
		SupportsOrdering: true,
		SupportsTracing:  true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		StoreAndForward:  true,
		SupportsTracing:  true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		StoreAndForward:  true,
		SupportsTracing:  true,
	}
)
