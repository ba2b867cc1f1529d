// Package transport defines the wire abstraction the messaging runtime rides
// on. Each implementation (http, channel, nats, kafka, rabbitmq) lives in its
// own sub-package and registers a Builder with the registry.
package transport

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Inbox identifies the single inbound queue of one runtime. Every handler on a
// node shares it; the recipient handler name travels in envelope metadata.
type Inbox struct {
	System string
	Host   string
	Port   int
}

// HostPort renders host:port, bracketing IPv6 hosts.
func (i Inbox) HostPort() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

func (i Inbox) String() string {
	return i.System + "@" + i.HostPort()
}

// Transport combines a publisher and subscriber pair produced by a Builder
// with the topic scheme that maps inboxes onto them.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// ListenTopic is what the local runtime subscribes to for its own inbox.
	ListenTopic string
	// PublishTopic maps a destination inbox onto a Publisher topic.
	PublishTopic func(Inbox) string
	// Serve starts any listener the transport needs. It is called after the
	// inbox subscription exists and returns once the listener is accepting
	// or has failed. Nil when the transport has nothing to serve.
	Serve func(ctx context.Context) error
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetTransport returns the transport name. Empty selects DefaultName.
	GetTransport() string

	// Identity of the local inbox.
	GetSystemName() string
	GetCanonicalHost() string
	GetCanonicalPort() int
	GetBindHost() string

	// NATS
	GetNATSURL() string

	// RabbitMQ
	GetRabbitMQURL() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string
}

// LocalInbox returns the inbox described by cfg.
func LocalInbox(cfg Config) Inbox {
	return Inbox{System: cfg.GetSystemName(), Host: cfg.GetCanonicalHost(), Port: cfg.GetCanonicalPort()}
}

// BrokerTopic is the topic naming used by broker transports:
// <system>.<host>.<port> with every character a broker may reserve replaced
// by '-'.
func BrokerTopic(in Inbox) string {
	host := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, in.Host)
	return in.System + "." + host + "." + strconv.Itoa(in.Port)
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// StaticConfig is a plain Config implementation for callers that build a
// transport without the runtime config package.
type StaticConfig struct {
	Transport          string
	SystemName         string
	Host               string
	Port               int
	BindHost           string
	NATSURL            string
	RabbitMQURL        string
	KafkaBrokers       []string
	KafkaConsumerGroup string
}

func (c StaticConfig) GetTransport() string          { return c.Transport }
func (c StaticConfig) GetSystemName() string         { return c.SystemName }
func (c StaticConfig) GetCanonicalHost() string      { return c.Host }
func (c StaticConfig) GetCanonicalPort() int         { return c.Port }
func (c StaticConfig) GetBindHost() string           { return c.BindHost }
func (c StaticConfig) GetNATSURL() string            { return c.NATSURL }
func (c StaticConfig) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c StaticConfig) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c StaticConfig) GetKafkaConsumerGroup() string { return c.KafkaConsumerGroup }
