package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/powerjob/remoting/internal/runtime/address"
	configpkg "github.com/powerjob/remoting/internal/runtime/config"
	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
	idspkg "github.com/powerjob/remoting/internal/runtime/ids"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
	metadatapkg "github.com/powerjob/remoting/internal/runtime/metadata"
	"github.com/powerjob/remoting/transport"
	_ "github.com/powerjob/remoting/transport/transports"
)

const (
	stateNew int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// Dependencies holds the optional collaborators a System can use.
type Dependencies struct {
	// Transport replaces the registry lookup by Config.Transport.
	Transport transport.Builder
	// Registerer receives the fabric and transport collectors. Nil means the
	// Prometheus default registerer, used only when metrics are enabled.
	Registerer prometheus.Registerer
	// Gatherer backs the /metrics endpoint. Defaults to Registerer when it is
	// a *prometheus.Registry, otherwise the default gatherer.
	Gatherer                  prometheus.Gatherer
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips the default middleware chain when true.
}

// System is a running messaging fabric node: one inbox on one endpoint, the
// handlers registered under it and the outbound lanes to its peers. It is
// safe for concurrent use.
type System struct {
	conf     configpkg.Config
	name     string
	endpoint address.Endpoint
	inbox    transport.Inbox

	logger   loggingpkg.ServiceLogger
	wmLogger watermill.LoggerAdapter

	state       atomic.Int32
	lifecycleMu sync.Mutex

	handlersMu  sync.RWMutex
	handlers    map[string]*registeredHandler
	lanes       map[string]*semaphore.Weighted
	middlewares []message.HandlerMiddleware

	events    *EventStream
	metrics   *FabricMetrics
	resources *resourceTracker

	builder    transport.Builder
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	transport     transport.Transport
	outbound      *outbound
	runCtx        context.Context
	cancelRun     context.CancelFunc
	cancelInbound context.CancelFunc
	inboundDone   chan struct{}

	httpMu      sync.Mutex
	httpMuxes   map[int]*http.ServeMux
	httpServers []*http.Server
	httpRoutes  sync.Once

	startedAt time.Time
}

// NewSystem validates cfg and prepares a System. Nothing is bound until Start.
// The System keeps its own copy of cfg.
func NewSystem(cfg configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*System, error) {
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	conf := cfg.Clone()
	endpoint := conf.Endpoint()

	s := &System{
		conf:     conf,
		name:     conf.SystemName,
		endpoint: endpoint,
		inbox:    transport.LocalInbox(&conf),
		logger: log.With(loggingpkg.LogFields{
			"system":   conf.SystemName,
			"endpoint": endpoint.String(),
		}),
		handlers:   make(map[string]*registeredHandler),
		lanes:      make(map[string]*semaphore.Weighted, len(conf.Lanes)),
		resources:  newResourceTracker(),
		builder:    deps.Transport,
		registerer: deps.Registerer,
		gatherer:   deps.Gatherer,
	}
	s.wmLogger = loggingpkg.NewWatermillAdapter(s.logger)
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())

	for lane, size := range conf.Lanes {
		s.lanes[lane] = semaphore.NewWeighted(int64(size))
	}

	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		if reg, ok := s.registerer.(*prometheus.Registry); ok {
			s.gatherer = reg
		} else {
			s.gatherer = prometheus.DefaultGatherer
		}
	}
	s.metrics = NewFabricMetrics(s.registerer)
	if conf.MetricsEnabled || deps.Registerer != nil {
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("remoting: register metrics: %w", err)
		}
	}

	s.events = newEventStream(s)
	s.outbound = newOutbound(s)

	if err := s.buildMiddlewares(deps); err != nil {
		return nil, err
	}
	return s, nil
}

// Start binds the endpoint, subscribes the node inbox and begins delivering
// messages. It returns once the listener is accepting. A System starts at most
// once; cancelling ctx afterwards does not stop it, use Shutdown.
func (s *System) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	switch s.state.Load() {
	case stateRunning:
		return &errspkg.AlreadyStartedError{System: s.name, Endpoint: s.endpoint.String()}
	case stateStopping, stateStopped:
		return errspkg.ErrStopped
	}

	builder := s.builder
	if builder == nil {
		builder = transport.Build
	}
	t, err := builder(ctx, &s.conf, s.wmLogger)
	if err != nil {
		return fmt.Errorf("remoting: build %s transport: %w", s.transportName(), err)
	}
	if s.conf.MetricsEnabled {
		if t, err = s.decorateTransport(t); err != nil {
			closeTransport(t)
			return err
		}
	}

	inboundCtx, cancelInbound := context.WithCancel(s.runCtx)
	messages, err := t.Subscriber.Subscribe(inboundCtx, t.ListenTopic)
	if err != nil {
		cancelInbound()
		closeTransport(t)
		return fmt.Errorf("remoting: subscribe inbox %s: %w", s.inbox, err)
	}

	s.inboundDone = make(chan struct{})
	go s.runInbound(inboundCtx, messages)

	fail := func(err error) error {
		cancelInbound()
		closeTransport(t)
		<-s.inboundDone
		return err
	}

	if t.Serve != nil {
		if err := t.Serve(ctx); err != nil {
			return fail(fmt.Errorf("remoting: serve %s: %w", s.inbox, err))
		}
	}
	if err := s.startHTTPServers(); err != nil {
		return fail(err)
	}

	s.transport = t
	s.cancelInbound = cancelInbound
	s.startedAt = time.Now()
	s.state.Store(stateRunning)

	s.logger.Info("[Runtime] started", loggingpkg.LogFields{
		"transport": s.transportName(),
		"inbox":     t.ListenTopic,
		"handlers":  len(s.Handlers()),
	})
	return nil
}

func (s *System) decorateTransport(t transport.Transport) (transport.Transport, error) {
	builder := wmmetrics.NewPrometheusMetricsBuilder(s.registerer, metricsNamespace, "transport")
	pub, err := builder.DecoratePublisher(t.Publisher)
	if err != nil {
		return t, fmt.Errorf("remoting: decorate publisher: %w", err)
	}
	sub, err := builder.DecorateSubscriber(t.Subscriber)
	if err != nil {
		return t, fmt.Errorf("remoting: decorate subscriber: %w", err)
	}
	t.Publisher, t.Subscriber = pub, sub
	return t, nil
}

func closeTransport(t transport.Transport) error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	return errors.Join(errs...)
}

// Shutdown stops inbound delivery, drains handler mailboxes, drains outbound
// lanes and releases the endpoint. Shutting down a stopped System is a no-op.
func (s *System) Shutdown(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	prev := s.state.Load()
	if prev == stateStopped {
		return nil
	}
	s.state.Store(stateStopping)
	s.logger.Info("[Runtime] shutting down", nil)

	var errs []error
	if prev == stateRunning {
		s.cancelInbound()
		if err := s.transport.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
		if err := waitDone(ctx, s.inboundDone); err != nil {
			errs = append(errs, fmt.Errorf("stop inbound: %w", err))
		}
	}

	s.handlersMu.RLock()
	handlers := make([]*registeredHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h.close()
	}
	for _, h := range handlers {
		if err := waitGroup(ctx, &h.wg); err != nil {
			errs = append(errs, fmt.Errorf("drain handler %s: %w", h.name, err))
		}
	}

	if err := s.outbound.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain outbound: %w", err))
	}

	if prev == stateRunning {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := s.transport.Publisher.Close(); err != nil {
				return fmt.Errorf("close publisher: %w", err)
			}
			return nil
		})
		s.httpMu.Lock()
		servers := s.httpServers
		s.httpMu.Unlock()
		for _, srv := range servers {
			g.Go(func() error {
				if err := srv.Shutdown(gctx); err != nil {
					return fmt.Errorf("stop http server %s: %w", srv.Addr, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	s.cancelRun()
	s.state.Store(stateStopped)
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("[Runtime] shutdown incomplete", err, nil)
		return err
	}
	s.logger.Info("[Runtime] stopped", nil)
	return nil
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return waitDone(ctx, done)
}

// Running reports whether Start succeeded and Shutdown has not begun.
func (s *System) Running() bool { return s.state.Load() == stateRunning }

// Name is the system name every local address carries.
func (s *System) Name() string { return s.name }

// Endpoint returns the endpoint this System is reachable on. It never changes.
func (s *System) Endpoint() address.Endpoint { return s.endpoint }

// Address returns the endpoint as "host:port", the form peers exchange.
func (s *System) Address() string { return s.endpoint.String() }

// Config returns a copy of the effective configuration.
func (s *System) Config() configpkg.Config { return s.conf.Clone() }

// Events is the dead-letter stream of this System.
func (s *System) Events() *EventStream { return s.events }

// Metrics exposes the fabric counters.
func (s *System) Metrics() *FabricMetrics { return s.metrics }

// Logger returns the system-scoped logger.
func (s *System) Logger() loggingpkg.ServiceLogger { return s.logger }

// Capabilities describes the configured transport.
func (s *System) Capabilities() transport.Capabilities {
	return transport.GetCapabilities(s.conf.GetTransport())
}

func (s *System) transportName() string {
	return s.Capabilities().Name
}

// Lookup computes the address of handler name at endpoint in this System's
// namespace. It is pure; the handler need not exist.
func (s *System) Lookup(endpoint address.Endpoint, name string) address.Address {
	return address.New(s.name, endpoint, name)
}

// Self is the address of a handler on this node.
func (s *System) Self(name string) address.Address {
	return s.Lookup(s.endpoint, name)
}

// PeerLiaison is the peer-liaison handler of the server at ipPort.
func (s *System) PeerLiaison(ipPort string) (address.Address, error) {
	return roleAt(ipPort, address.PeerLiaison)
}

// TaskTracker is the task tracker of the worker at ipPort.
func (s *System) TaskTracker(ipPort string) (address.Address, error) {
	return roleAt(ipPort, address.WorkerTaskTracker)
}

// Worker is the dispatch handler of the worker at ipPort.
func (s *System) Worker(ipPort string) (address.Address, error) {
	return roleAt(ipPort, address.WorkerDispatch)
}

func roleAt(ipPort string, role address.Role) (address.Address, error) {
	ep, err := address.ParseEndpoint(ipPort)
	if err != nil {
		return address.Address{}, err
	}
	return address.AddressOf(ep, role), nil
}

// Send delivers a copy of msg to the handler at to without waiting, so the
// same message may be sent to several recipients. Delivery failures are never
// reported to the caller; they become dead letters on the EventStream of the
// node that detected them.
func (s *System) Send(to address.Address, msg *message.Message) {
	if msg == nil {
		s.logger.Error("[Send] nil message", errspkg.ErrMessageRequired, loggingpkg.LogFields{"recipient": to.String()})
		return
	}
	msg = envelopeCopy(msg)
	if msg.UUID == "" {
		msg.UUID = idspkg.NewMessageID()
	}
	metadatapkg.SetRecipient(msg, to)
	if msg.Metadata.Get(metadatapkg.CorrelationID) == "" {
		msg.Metadata.Set(metadatapkg.CorrelationID, msg.UUID)
	}

	state := s.state.Load()
	if state != stateRunning && state != stateStopping {
		s.metrics.recordSent(s.name, RouteDropped)
		s.logger.Info("[Send] system not running, message dropped", loggingpkg.LogFields{
			"recipient":    to.String(),
			"message_uuid": msg.UUID,
		})
		return
	}

	if to.Endpoint == s.endpoint {
		s.metrics.recordSent(s.name, RouteLocal)
		if to.System != s.name {
			s.events.Publish(DeadLetter{
				Recipient: to,
				Message:   msg,
				Reason:    fmt.Errorf("%w: %s on %s", errspkg.ErrForeignSystem, to.System, s.name),
			})
			return
		}
		if err := s.deliverLocal(to.Name, msg); err != nil {
			s.events.Publish(DeadLetter{Recipient: to, Message: msg, Reason: err})
		}
		return
	}

	dest := transport.Inbox{System: to.System, Host: to.Endpoint.Host, Port: to.Endpoint.Port}
	if !s.outbound.enqueue(dest, msg) {
		s.metrics.recordSent(s.name, RouteDropped)
		s.logger.Info("[Send] outbound closed, message dropped", loggingpkg.LogFields{
			"recipient":    to.String(),
			"message_uuid": msg.UUID,
		})
		return
	}
	s.metrics.recordSent(s.name, RouteRemote)
}

// envelopeCopy detaches the queued envelope from the caller's message. The
// payload is shared and must not be mutated after Send.
func envelopeCopy(msg *message.Message) *message.Message {
	out := msg.Copy()
	out.SetContext(msg.Context())
	return out
}

// Tell is Send with a reply-to address.
func (s *System) Tell(to address.Address, msg *message.Message, from address.Address) {
	if msg != nil {
		msg = envelopeCopy(msg)
		metadatapkg.WithSender(msg, from)
	}
	s.Send(to, msg)
}

// Reply sends response to the sender of request. It reports false when the
// request carried no reply-to address.
func (s *System) Reply(request, response *message.Message) bool {
	if request == nil || response == nil {
		return false
	}
	from, ok := metadatapkg.SenderOf(request)
	if !ok {
		return false
	}
	if cid := request.Metadata.Get(metadatapkg.CorrelationID); cid != "" {
		response = envelopeCopy(response)
		response.Metadata.Set(metadatapkg.CorrelationID, cid)
	}
	s.Send(from, response)
	return true
}

func (s *System) deliverLocal(name string, msg *message.Message) error {
	h, ok := s.lookupHandler(name)
	if !ok {
		return fmt.Errorf("%w: %q on %s@%s", errspkg.ErrUnknownRecipient, name, s.name, s.endpoint)
	}
	if !h.enqueue(msg) {
		return fmt.Errorf("%w: handler %q is draining", errspkg.ErrStopped, name)
	}
	return nil
}

func (s *System) process(h *registeredHandler, inst *instance, msg *message.Message) {
	if h.sem != nil {
		if err := h.sem.Acquire(s.runCtx, 1); err != nil {
			// Only after Shutdown gave up waiting; run unbounded.
			h.log.Debug("[Handler] lane not acquired", loggingpkg.LogFields{"lane": h.lane})
		} else {
			defer h.sem.Release(1)
		}
	}

	msg.SetContext(withHandler(s.runCtx, h.name, inst.index))
	start := time.Now()
	h.stats.onStart(msg.UUID, start)
	_, err := inst.handler(msg)
	elapsed := time.Since(start)
	h.stats.onFinish(inst.index, elapsed, err)
	s.metrics.recordProcessed(s.name, h.name, elapsed, err)

	if err != nil {
		h.log.Error("[Handler] message processing failed", err, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"instance":     inst.index,
		})
	}
}
