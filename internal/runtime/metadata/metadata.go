// Package metadata names the envelope headers the fabric relies on and reads
// or writes them on Watermill messages.
package metadata

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/powerjob/remoting/internal/runtime/address"
)

// Header keys carried on every envelope.
const (
	// Recipient is the full address of the destination handler.
	Recipient = "remoting_recipient"
	// Sender is the full address a reply should go to. Absent for anonymous sends.
	Sender        = "remoting_sender"
	CorrelationID = "correlation_id"
	ContentType   = "content_type"
	// MessageType names the payload schema, for example a protobuf full name.
	MessageType = "message_type"
)

// SetRecipient stamps the destination address.
func SetRecipient(msg *message.Message, to address.Address) {
	msg.Metadata.Set(Recipient, to.String())
}

// RecipientOf returns the destination address stamped on msg.
func RecipientOf(msg *message.Message) (address.Address, error) {
	return address.Parse(msg.Metadata.Get(Recipient))
}

// WithSender stamps the reply-to address and returns msg for chaining.
func WithSender(msg *message.Message, from address.Address) *message.Message {
	if !from.IsZero() {
		msg.Metadata.Set(Sender, from.String())
	}
	return msg
}

// SenderOf returns the reply-to address, if the sender supplied one.
func SenderOf(msg *message.Message) (address.Address, bool) {
	raw := msg.Metadata.Get(Sender)
	if raw == "" {
		return address.Address{}, false
	}
	from, err := address.Parse(raw)
	if err != nil {
		return address.Address{}, false
	}
	return from, true
}

// Clone returns a copy of md that does not alias it.
func Clone(md message.Metadata) message.Metadata {
	cloned := make(message.Metadata, len(md))
	for k, v := range md {
		cloned[k] = v
	}
	return cloned
}
