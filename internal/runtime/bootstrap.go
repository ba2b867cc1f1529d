package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/powerjob/remoting/internal/runtime/address"
	configpkg "github.com/powerjob/remoting/internal/runtime/config"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
	"github.com/powerjob/remoting/internal/runtime/netutil"
)

// ServerDispatchLane is the dispatch lane the pooled server handler runs on.
const ServerDispatchLane = "server-actor-dispatcher"

// ServerHandlers supplies the business logic behind the fixed server handlers.
// Nil fields install a handler that logs and discards.
type ServerHandlers struct {
	// Dispatch builds the handler for one instance of the pooled server_actor.
	Dispatch func(instance int) message.NoPublishHandlerFunc
	// PeerLiaison handles server to server traffic on friend_actor.
	PeerLiaison message.NoPublishHandlerFunc
}

// BootOptions configures Boot.
type BootOptions struct {
	// Profile selects the base config template, "server" (default) or "worker".
	Profile string
	// Port is the canonical port. Zero means the profile default.
	Port int
	// HostOverride is advertised verbatim instead of a discovered address.
	HostOverride string
	// Overrides win over everything Boot derives, including host and port.
	Overrides map[string]any

	Logger       loggingpkg.ServiceLogger
	Dependencies Dependencies

	Handlers ServerHandlers
	// FaultSink receives every dead letter. Nil logs them.
	FaultSink FaultSink
	// Registrations are added after the fixed handlers of the profile.
	Registrations []HandlerRegistration
}

// Boot resolves the local endpoint, merges the node configuration, registers
// the fixed handlers of the profile, starts the System and subscribes the fault
// observer. On any error nothing is left running.
func Boot(ctx context.Context, opts BootOptions) (*System, error) {
	stopwatch := time.Now()

	log := opts.Logger
	if log == nil {
		log = loggingpkg.NewSlogServiceLogger(slog.Default())
	}

	base, err := configpkg.Profile(opts.Profile)
	if err != nil {
		return nil, err
	}
	endpoint, err := netutil.ResolveWithDefaultPort(opts.HostOverride, opts.Port, base.Port)
	if err != nil {
		return nil, err
	}
	log.Info("[Boot] local endpoint resolved", loggingpkg.LogFields{"endpoint": endpoint.String()})

	overrides := map[string]any{
		"remote.canonical.hostname": endpoint.Host,
		"remote.canonical.port":     endpoint.Port,
	}
	maps.Copy(overrides, opts.Overrides)
	cfg, err := configpkg.Merge(base, overrides)
	if err != nil {
		return nil, err
	}

	server := base.SystemName == address.ServerSystemName
	poolSize := DispatchPoolSize(&cfg)
	if server {
		if _, ok := cfg.Lanes[ServerDispatchLane]; !ok {
			if cfg.Lanes == nil {
				cfg.Lanes = make(map[string]int)
			}
			cfg.Lanes[ServerDispatchLane] = poolSize
		}
	}

	sys, err := NewSystem(cfg, log, opts.Dependencies)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*System, error) {
		if stopErr := sys.Shutdown(context.WithoutCancel(ctx)); stopErr != nil {
			log.Error("[Boot] cleanup after failed boot", stopErr, nil)
		}
		return nil, err
	}

	observerName := address.WorkerTroubleshootingName
	if server {
		observerName = address.ServerTroubleshootingName
	}
	regs := fixedRegistrations(sys, opts, server, poolSize, observerName)
	regs = append(regs, opts.Registrations...)

	// Handlers and the fault subscription exist before the inbox opens, so
	// early peers are neither dead-lettered nor unobserved.
	if err := Register(sys, regs...); err != nil {
		return fail(err)
	}
	if err := sys.Events().Subscribe(sys.Self(observerName)); err != nil {
		return fail(err)
	}
	if err := sys.Start(ctx); err != nil {
		return fail(err)
	}

	log.Info("[Boot] messaging runtime started", loggingpkg.LogFields{
		"system":    sys.Name(),
		"address":   sys.Address(),
		"pool_size": poolSize,
		"took":      time.Since(stopwatch).String(),
	})
	return sys, nil
}

// DispatchPoolSize is the instance count of the pooled dispatch handler:
// PoolSize when set, otherwise GOMAXPROCS times PoolMultiplier.
func DispatchPoolSize(cfg *configpkg.Config) int {
	if cfg.PoolSize > 0 {
		return cfg.PoolSize
	}
	multiplier := cfg.PoolMultiplier
	if multiplier <= 0 {
		multiplier = configpkg.DefaultPoolMultiplier
	}
	return runtime.GOMAXPROCS(0) * multiplier
}

func fixedRegistrations(sys *System, opts BootOptions, server bool, poolSize int, observerName string) []HandlerRegistration {
	observer := HandlerRegistration{
		Name:    observerName,
		Policy:  Single(),
		Handler: FaultObserver(opts.FaultSink, sys.Logger()),
	}
	if !server {
		return []HandlerRegistration{observer}
	}

	dispatch := opts.Handlers.Dispatch
	if dispatch == nil {
		dispatch = func(int) message.NoPublishHandlerFunc {
			return discard(sys.Logger(), address.ServerDispatchName)
		}
	}
	peer := opts.Handlers.PeerLiaison
	if peer == nil {
		peer = discard(sys.Logger(), address.PeerLiaisonName)
	}

	return []HandlerRegistration{
		{
			Name:   address.ServerDispatchName,
			Policy: PooledRoundRobin(poolSize),
			Lane:   ServerDispatchLane,
			New:    dispatch,
		},
		{
			Name:    address.PeerLiaisonName,
			Policy:  Single(),
			Handler: peer,
		},
		observer,
	}
}

func discard(log loggingpkg.ServiceLogger, name string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		log.Debug(fmt.Sprintf("[Boot] no handler installed for %s, message discarded", name), loggingpkg.LogFields{
			"message_uuid": msg.UUID,
		})
		return nil
	}
}
