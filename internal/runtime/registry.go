package runtime

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/semaphore"

	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
)

// ConcurrencyPolicy decides how many instances back one handler name.
// The zero value is Single.
type ConcurrencyPolicy struct {
	size int
}

// Single runs one instance; messages are processed in arrival order.
func Single() ConcurrencyPolicy { return ConcurrencyPolicy{size: 1} }

// PooledRoundRobin runs n instances, each with its own mailbox, and hands
// messages out to them in rotation.
func PooledRoundRobin(n int) ConcurrencyPolicy {
	if n <= 0 {
		// Register rejects this.
		return ConcurrencyPolicy{size: -1}
	}
	return ConcurrencyPolicy{size: n}
}

// Size is the instance count.
func (p ConcurrencyPolicy) Size() int {
	if p.size == 0 {
		return 1
	}
	return p.size
}

// Pooled reports whether the policy fans out over more than one slot.
func (p ConcurrencyPolicy) Pooled() bool { return p.size != 0 && p.size != 1 }

func (p ConcurrencyPolicy) String() string {
	if !p.Pooled() {
		return "single"
	}
	return fmt.Sprintf("round-robin(%d)", p.size)
}

// HandlerRegistration describes one named handler.
type HandlerRegistration struct {
	Name   string
	Policy ConcurrencyPolicy
	// Lane names a dispatch lane from Config.Lanes that bounds how many
	// invocations of this handler run at once. Empty means unbounded.
	Lane string
	// Handler is shared by every instance. Use New for per-instance state.
	Handler message.NoPublishHandlerFunc
	// New builds the handler for one pool instance. It wins over Handler.
	New func(instance int) message.NoPublishHandlerFunc
}

func (r HandlerRegistration) build(instance int) message.NoPublishHandlerFunc {
	if r.New != nil {
		return r.New(instance)
	}
	return r.Handler
}

// instance is one mailbox plus the goroutine draining it.
type instance struct {
	index   int
	mailbox *mailbox
	handler message.HandlerFunc
}

type registeredHandler struct {
	name   string
	policy ConcurrencyPolicy
	lane   string
	sem    *semaphore.Weighted

	instances []*instance
	next      atomic.Uint64
	stats     *HandlerStats
	log       loggingpkg.ServiceLogger

	wg sync.WaitGroup
}

// pick returns the next instance in rotation.
func (h *registeredHandler) pick() *instance {
	if len(h.instances) == 1 {
		return h.instances[0]
	}
	n := h.next.Add(1) - 1
	return h.instances[n%uint64(len(h.instances))]
}

func (h *registeredHandler) enqueue(msg *message.Message) bool {
	return h.pick().mailbox.push(msg)
}

func (h *registeredHandler) backlog() int {
	total := 0
	for _, inst := range h.instances {
		total += inst.mailbox.len()
	}
	return total
}

func (h *registeredHandler) close() {
	for _, inst := range h.instances {
		inst.mailbox.close()
	}
}

func validateRegistration(reg HandlerRegistration, lanes map[string]*semaphore.Weighted) error {
	switch {
	case strings.TrimSpace(reg.Name) == "":
		return errspkg.ErrHandlerNameRequired
	case strings.Contains(reg.Name, "/"):
		return fmt.Errorf("%w: %q contains '/'", errspkg.ErrInvalidAddress, reg.Name)
	case reg.Handler == nil && reg.New == nil:
		return errspkg.ErrHandlerRequired
	case reg.Policy.size < 0:
		return errspkg.ErrInvalidPoolSize
	}
	if reg.Lane != "" {
		if _, ok := lanes[reg.Lane]; !ok {
			return fmt.Errorf("%w: %q", errspkg.ErrUnknownLane, reg.Lane)
		}
	}
	return nil
}

// Register adds handlers to sys. Either every registration is accepted or
// none is. Handlers may be registered before or after Start.
func Register(sys *System, regs ...HandlerRegistration) error {
	if sys == nil {
		return &errspkg.RegistrationError{Err: errspkg.ErrSystemRequired}
	}
	return sys.register(regs...)
}

func (s *System) register(regs ...HandlerRegistration) error {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	if s.state.Load() >= stateStopping {
		return &errspkg.RegistrationError{Err: errspkg.ErrStopped}
	}

	seen := make(map[string]struct{}, len(regs))
	for _, reg := range regs {
		if err := validateRegistration(reg, s.lanes); err != nil {
			return &errspkg.RegistrationError{Name: reg.Name, Err: err}
		}
		if _, dup := s.handlers[reg.Name]; dup {
			return &errspkg.RegistrationError{Name: reg.Name, Err: errspkg.ErrDuplicateHandler}
		}
		if _, dup := seen[reg.Name]; dup {
			return &errspkg.RegistrationError{Name: reg.Name, Err: errspkg.ErrDuplicateHandler}
		}
		seen[reg.Name] = struct{}{}
	}

	built := make([]*registeredHandler, 0, len(regs))
	for _, reg := range regs {
		h, err := s.buildHandler(reg)
		if err != nil {
			return &errspkg.RegistrationError{Name: reg.Name, Err: err}
		}
		built = append(built, h)
	}

	for _, h := range built {
		s.handlers[h.name] = h
		for _, inst := range h.instances {
			h.wg.Add(1)
			go func(inst *instance) {
				defer h.wg.Done()
				inst.mailbox.run(func(msg *message.Message) {
					s.process(h, inst, msg)
				})
			}(inst)
		}
		s.logger.Info("[Registry] handler registered", loggingpkg.LogFields{
			"handler":   h.name,
			"policy":    h.policy.String(),
			"instances": len(h.instances),
			"lane":      h.lane,
		})
	}
	return nil
}

func (s *System) buildHandler(reg HandlerRegistration) (*registeredHandler, error) {
	h := &registeredHandler{
		name:   reg.Name,
		policy: reg.Policy,
		lane:   reg.Lane,
		sem:    s.lanes[reg.Lane],
		stats:  newHandlerStats(reg.Name, reg.Policy, reg.Lane, s.resources),
		log:    s.logger.With(loggingpkg.LogFields{"handler": reg.Name}),
	}
	for i := 0; i < reg.Policy.Size(); i++ {
		fn := reg.build(i)
		if fn == nil {
			return nil, fmt.Errorf("%w: instance %d", errspkg.ErrHandlerRequired, i)
		}
		h.instances = append(h.instances, &instance{index: i, mailbox: newMailbox(), handler: s.chain(asHandlerFunc(fn))})
	}
	return h, nil
}

func asHandlerFunc(fn message.NoPublishHandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		return nil, fn(msg)
	}
}

func (s *System) lookupHandler(name string) (*registeredHandler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[name]
	return h, ok
}

// Handlers returns the registered handler names, sorted.
func (s *System) Handlers() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
