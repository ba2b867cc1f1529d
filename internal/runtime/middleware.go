package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/powerjob/remoting/internal/runtime/ids"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
	metadatapkg "github.com/powerjob/remoting/internal/runtime/metadata"
)

// TracerName is the instrumentation scope of handler spans.
const TracerName = "github.com/powerjob/remoting"

// MiddlewareBuilder constructs a handler middleware using the provided system.
type MiddlewareBuilder func(*System) (message.HandlerMiddleware, error)

// MiddlewareRegistration names one stage of the handler middleware chain.
// The first registration is the outermost wrapper.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the chain every handler runs behind unless
// Dependencies.DisableDefaultMiddlewares is set.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.CorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.CorrelationID, idspkg.NewMessageID())
		}
		return h(msg)
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages at
// debug level. A nil logger means the system logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *System) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("[Handler] processing message", loggingpkg.LogFields{
				"handler":      HandlerNameFromContext(msg.Context()),
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry consumer span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		handler := HandlerNameFromContext(msg.Context())
		ctx, span := otel.Tracer(TracerName).Start(
			msg.Context(),
			"remoting.handle "+handler,
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("messaging.system", "remoting"),
			attribute.String("messaging.message.id", msg.UUID),
			attribute.String("messaging.destination.name", msg.Metadata.Get(metadatapkg.Recipient)),
			attribute.String("messaging.message.conversation_id", msg.Metadata.Get(metadatapkg.CorrelationID)),
		)

		out, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}
}

// RecovererMiddleware converts handler panics into errors so one bad message
// does not kill the instance goroutine.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RetryMiddleware retries failed handler invocations with exponential backoff.
// It is not part of the default chain: handler errors are usually final.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *System) (message.HandlerMiddleware, error) {
			return middleware.Retry{
				MaxRetries:      normalized.MaxRetries,
				InitialInterval: normalized.InitialInterval,
				MaxInterval:     normalized.MaxInterval,
				ShouldRetry: func(params middleware.RetryParams) bool {
					if normalized.RetryIf != nil {
						return normalized.RetryIf(params.Err)
					}
					return true
				},
				Logger: loggingpkg.NewWatermillAdapter(s.logger),
			}.Middleware, nil
		},
	}
}

// TimeoutMiddleware cancels the message context after d.
func TimeoutMiddleware(d time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "timeout",
		Middleware: middleware.Timeout(d),
	}
}

func (s *System) buildMiddlewares(deps Dependencies) error {
	var registrations []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		registrations = append(registrations, DefaultMiddlewares()...)
	}
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		var mw message.HandlerMiddleware
		switch {
		case reg.Middleware != nil:
			mw = reg.Middleware
		case reg.Builder != nil:
			var err error
			mw, err = reg.Builder(s)
			if err != nil {
				return middlewareError(reg.Name, err)
			}
		default:
			return middlewareError(reg.Name, errors.New("middleware registration requires Middleware or Builder"))
		}
		if mw != nil {
			s.middlewares = append(s.middlewares, mw)
		}
	}
	return nil
}

func middlewareError(name string, err error) error {
	if name == "" {
		name = "anonymous_middleware"
	}
	return errors.Join(errors.New("remoting: build middleware "+name), err)
}

// chain wraps h so that the first middleware runs outermost.
func (s *System) chain(h message.HandlerFunc) message.HandlerFunc {
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}

type handlerContextKey struct{}

type handlerContext struct {
	name     string
	instance int
}

func withHandler(ctx context.Context, name string, instance int) context.Context {
	return context.WithValue(ctx, handlerContextKey{}, handlerContext{name: name, instance: instance})
}

// HandlerNameFromContext returns the name of the handler processing the
// message whose context is ctx.
func HandlerNameFromContext(ctx context.Context) string {
	hc, _ := ctx.Value(handlerContextKey{}).(handlerContext)
	return hc.name
}

// InstanceFromContext returns the pool instance index processing the message,
// or -1 outside a handler.
func InstanceFromContext(ctx context.Context) int {
	hc, ok := ctx.Value(handlerContextKey{}).(handlerContext)
	if !ok {
		return -1
	}
	return hc.instance
}
