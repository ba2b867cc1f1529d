package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
	"github.com/powerjob/remoting/internal/runtime/jsoncodec"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
)

// JSONMessageContext exposes the decoded payload and headers to JSON handlers.
type JSONMessageContext[T any] struct {
	MessageContext
	Payload T
}

// JSONMessageHandler processes one decoded JSON payload.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) error

// BuildJSONHandler converts a typed JSON handler into a fabric handler. T must
// be a pointer type; every message is decoded into a fresh value.
func BuildJSONHandler[T any](handler JSONMessageHandler[T], logger loggingpkg.ServiceLogger) (message.NoPublishHandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(msg *message.Message) error {
		typed := prototypeFactory()
		if err := jsoncodec.Unmarshal(msg.Payload, typed); err != nil {
			return fmt.Errorf("failed to unmarshal JSON payload: %w", err)
		}
		return handler(msg.Context(), JSONMessageContext[T]{
			MessageContext: newMessageContext(msg, logger),
			Payload:        typed,
		})
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrPayloadPointer
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}
