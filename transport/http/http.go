// Package http provides the default point-to-point HTTP transport. Every
// runtime listens on its canonical port and peers POST envelopes to
// http://<host>:<port>/<system>.
package http

import (
	"context"
	"errors"
	"net"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/powerjob/remoting/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// BindGrace is how long Serve waits for the listener to fail before
// treating it as bound.
var BindGrace = 200 * time.Millisecond

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// ListenAddress is the address the subscriber binds: BindHost if set,
// otherwise every interface, on the canonical port.
func ListenAddress(cfg transport.Config) string {
	return net.JoinHostPort(cfg.GetBindHost(), strconv.Itoa(cfg.GetCanonicalPort()))
}

// InboxPath is the route a system's inbox is served under.
func InboxPath(system string) string {
	return "/" + system
}

// InboxURL is the URL peers publish to for an inbox.
func InboxURL(in transport.Inbox) string {
	return "http://" + in.HostPort() + InboxPath(in.System)
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(url string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(url, msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		ListenAddress(cfg),
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:    publisher,
		Subscriber:   subscriber,
		ListenTopic:  InboxPath(cfg.GetSystemName()),
		PublishTopic: InboxURL,
		Serve: func(ctx context.Context) error {
			return serve(ctx, subscriber, logger)
		},
	}, nil
}

func serve(ctx context.Context, subscriber message.Subscriber, logger watermill.LoggerAdapter) error {
	s, ok := subscriber.(*http.Subscriber)
	if !ok {
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.StartHTTPServer()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(BindGrace):
	}

	go func() {
		if err := <-errCh; err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			logger.Error("HTTP inbox listener stopped", err, nil)
		}
	}()
	return nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
