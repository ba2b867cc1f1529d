package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
	metadatapkg "github.com/powerjob/remoting/internal/runtime/metadata"
)

// ProtoMessageContext provides strongly typed access to the incoming payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContext
	Payload T
}

// ProtoMessageHandler processes one decoded protobuf payload.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) error

var protoUnmarshalOptions = protojson.UnmarshalOptions{DiscardUnknown: true}

// BuildProtoHandler converts a typed protobuf handler into a fabric handler.
// Payloads are protojson. An envelope whose message_type names another schema
// is rejected before the handler runs.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], logger loggingpkg.ServiceLogger) (message.NoPublishHandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}
	want := string(prototype.ProtoReflect().Descriptor().FullName())

	return func(msg *message.Message) error {
		if got := msg.Metadata.Get(metadatapkg.MessageType); got != "" && got != want {
			return fmt.Errorf("envelope %s carries %s, handler expects %s", msg.UUID, got, want)
		}
		typed, err := clonePrototype(prototype)
		if err != nil {
			return err
		}
		if err := protoUnmarshalOptions.Unmarshal(msg.Payload, typed); err != nil {
			return fmt.Errorf("failed to unmarshal %s payload: %w", want, err)
		}
		return handler(msg.Context(), ProtoMessageContext[T]{
			MessageContext: newMessageContext(msg, logger),
			Payload:        typed,
		})
	}, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a fresh value of its type when
// candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrPayloadPointer
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
