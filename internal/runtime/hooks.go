package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/powerjob/remoting/internal/runtime/address"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
	metadatapkg "github.com/powerjob/remoting/internal/runtime/metadata"
)

// DeliveryContext describes one handler invocation to hooks.
type DeliveryContext struct {
	// Handler is the name of the handler processing the message.
	Handler string
	// Instance is the pool slot, 0 for singletons.
	Instance    int
	MessageUUID string
	// Sender is the reply-to address, zero when the message carried none.
	Sender        address.Address
	CorrelationID string
	Metadata      message.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set for OnDone and OnError.
	Duration time.Duration
}

// DeliveryHooks are callbacks around every handler invocation. Nil hooks are
// skipped.
type DeliveryHooks struct {
	OnStart func(ctx DeliveryContext)
	OnDone  func(ctx DeliveryContext)
	OnError func(ctx DeliveryContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksMiddleware runs hooks around each handler invocation. Add it through
// Dependencies.Middlewares.
func HooksMiddleware(hooks DeliveryHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "delivery_hooks",
		Middleware: hooksMiddleware(hooks),
	}
}

func hooksMiddleware(hooks DeliveryHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx := msg.Context()
			dc := DeliveryContext{
				Handler:       HandlerNameFromContext(ctx),
				Instance:      max(InstanceFromContext(ctx), 0),
				MessageUUID:   msg.UUID,
				CorrelationID: msg.Metadata.Get(metadatapkg.CorrelationID),
				Metadata:      msg.Metadata,
				Context:       ctx,
				StartedAt:     time.Now(),
			}
			if from, ok := metadatapkg.SenderOf(msg); ok {
				dc.Sender = from
			}

			if hooks.OnStart != nil {
				hooks.OnStart(dc)
			}

			out, err := h(msg)
			dc.Duration = time.Since(dc.StartedAt)

			if err != nil {
				if hooks.OnError != nil {
					hooks.OnError(dc, err)
				}
			} else if hooks.OnDone != nil {
				hooks.OnDone(dc)
			}
			return out, err
		}
	}
}

// LoggingHooks logs every invocation at debug level and failures at error
// level.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnStart: func(ctx DeliveryContext) {
			logger.Debug("[Handler] delivery started", loggingpkg.LogFields{
				"handler":      ctx.Handler,
				"instance":     ctx.Instance,
				"message_uuid": ctx.MessageUUID,
			})
		},
		OnDone: func(ctx DeliveryContext) {
			logger.Debug("[Handler] delivery completed", loggingpkg.LogFields{
				"handler":      ctx.Handler,
				"instance":     ctx.Instance,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnError: func(ctx DeliveryContext, err error) {
			logger.Error("[Handler] delivery failed", err, loggingpkg.LogFields{
				"handler":        ctx.Handler,
				"instance":       ctx.Instance,
				"message_uuid":   ctx.MessageUUID,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
	}
}
