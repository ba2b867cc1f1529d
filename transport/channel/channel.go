// Package channel provides an in-process transport: several runtimes in one
// process share a Network and exchange envelopes over Go channels. It backs
// tests and single-binary deployments.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/powerjob/remoting/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

var (
	// ErrInboxUnreachable is returned when publishing to an inbox no runtime
	// on the network has bound.
	ErrInboxUnreachable = errors.New("channel: inbox unreachable")
	// ErrInboxInUse is returned when a second runtime binds an inbox.
	ErrInboxInUse = errors.New("channel: inbox already bound")
)

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry. Runtimes
// built through the registry share one process-wide Network.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

var (
	defaultMu      sync.Mutex
	defaultNetwork *Network
)

// Build creates a view on the process-wide default network.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	defaultMu.Lock()
	if defaultNetwork == nil {
		defaultNetwork = NewNetwork(logger)
	}
	network := defaultNetwork
	defaultMu.Unlock()

	return network.Build(ctx, cfg, logger)
}

// Network is a set of inboxes reachable from each other in-process.
type Network struct {
	pubSub *gochannel.GoChannel

	mu    sync.Mutex
	bound map[string]struct{}
}

// NewNetwork creates an empty network. Publishing blocks until the receiving
// runtime acknowledges, which keeps per-sender FIFO order intact.
func NewNetwork(logger watermill.LoggerAdapter) *Network {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Network{
		pubSub: Factory(gochannel.Config{BlockPublishUntilSubscriberAck: true}, logger),
		bound:  make(map[string]struct{}),
	}
}

// Builder returns a transport.Builder whose transports join this network.
func (n *Network) Builder() transport.Builder {
	return n.Build
}

// Build creates one runtime's view of the network.
func (n *Network) Build(_ context.Context, cfg transport.Config, _ watermill.LoggerAdapter) (transport.Transport, error) {
	return transport.Transport{
		Publisher:    &publisher{network: n},
		Subscriber:   &subscriber{network: n},
		ListenTopic:  Topic(transport.LocalInbox(cfg)),
		PublishTopic: Topic,
	}, nil
}

// Bound reports whether some runtime currently listens on the inbox.
func (n *Network) Bound(in transport.Inbox) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.bound[Topic(in)]
	return ok
}

// Close shuts the network down for every runtime on it.
func (n *Network) Close() error {
	return n.pubSub.Close()
}

// Topic names an inbox on the network.
func Topic(in transport.Inbox) string {
	return in.String()
}

func (n *Network) bind(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.bound[topic]; ok {
		return fmt.Errorf("%w: %s", ErrInboxInUse, topic)
	}
	n.bound[topic] = struct{}{}
	return nil
}

func (n *Network) unbind(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.bound, topic)
}

func (n *Network) isBound(topic string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.bound[topic]
	return ok
}

type publisher struct {
	network *Network
}

func (p *publisher) Publish(topic string, messages ...*message.Message) error {
	if !p.network.isBound(topic) {
		return fmt.Errorf("%w: %s", ErrInboxUnreachable, topic)
	}
	return p.network.pubSub.Publish(topic, messages...)
}

func (p *publisher) Close() error { return nil }

type subscriber struct {
	network *Network

	mu     sync.Mutex
	topics []string
	cancel []context.CancelFunc
	closed bool
}

func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("channel: subscriber closed")
	}
	if err := s.network.bind(topic); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := s.network.pubSub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		s.network.unbind(topic)
		return nil, err
	}
	s.topics = append(s.topics, topic)
	s.cancel = append(s.cancel, cancel)
	return ch, nil
}

// Close unbinds only this runtime's inboxes; the network stays up.
func (s *subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for i, topic := range s.topics {
		s.network.unbind(topic)
		s.cancel[i]()
	}
	return nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
