package runtime

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/powerjob/remoting/internal/runtime/address"
	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
	idspkg "github.com/powerjob/remoting/internal/runtime/ids"
	"github.com/powerjob/remoting/internal/runtime/jsoncodec"
	metadatapkg "github.com/powerjob/remoting/internal/runtime/metadata"
)

const protoContentType = "application/protobuf+json"

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// NewJSONMessage encodes v into a fresh envelope.
func NewJSONMessage(v any) (*message.Message, error) {
	if v == nil {
		return nil, errspkg.ErrEventPayloadRequired
	}
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("remoting: marshal json payload: %w", err)
	}
	msg := message.NewMessage(idspkg.NewMessageID(), payload)
	msg.Metadata.Set(metadatapkg.ContentType, jsoncodec.ContentType)
	msg.Metadata.Set(metadatapkg.MessageType, fmt.Sprintf("%T", v))
	return msg, nil
}

// DecodeJSON decodes the envelope payload into v.
func DecodeJSON(msg *message.Message, v any) error {
	if msg == nil {
		return errspkg.ErrMessageRequired
	}
	if err := jsoncodec.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("remoting: decode json payload of %s: %w", msg.UUID, err)
	}
	return nil
}

// NewProtoMessage encodes pb as protojson and records its full name as the
// message type.
func NewProtoMessage(pb proto.Message) (*message.Message, error) {
	if pb == nil {
		return nil, errspkg.ErrEventPayloadRequired
	}
	payload, err := protoJSONMarshalOptions.Marshal(pb)
	if err != nil {
		return nil, fmt.Errorf("remoting: marshal proto payload: %w", err)
	}
	msg := message.NewMessage(idspkg.NewMessageID(), payload)
	msg.Metadata.Set(metadatapkg.ContentType, protoContentType)
	msg.Metadata.Set(metadatapkg.MessageType, string(pb.ProtoReflect().Descriptor().FullName()))
	return msg, nil
}

// DecodeProto decodes the envelope into pb. An envelope that names a
// different message type is rejected.
func DecodeProto(msg *message.Message, pb proto.Message) error {
	if msg == nil {
		return errspkg.ErrMessageRequired
	}
	want := string(pb.ProtoReflect().Descriptor().FullName())
	if got := msg.Metadata.Get(metadatapkg.MessageType); got != "" && got != want {
		return fmt.Errorf("remoting: envelope %s carries %s, not %s", msg.UUID, got, want)
	}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(msg.Payload, pb); err != nil {
		return fmt.Errorf("remoting: decode proto payload of %s: %w", msg.UUID, err)
	}
	return nil
}

// SendJSON encodes v and sends it. Only encoding errors are returned.
func (s *System) SendJSON(to address.Address, v any) error {
	msg, err := NewJSONMessage(v)
	if err != nil {
		return err
	}
	s.Send(to, msg)
	return nil
}

// SendProto encodes pb and sends it. Only encoding errors are returned.
func (s *System) SendProto(to address.Address, pb proto.Message) error {
	msg, err := NewProtoMessage(pb)
	if err != nil {
		return err
	}
	s.Send(to, msg)
	return nil
}
