// Package handlers turns typed functions into fabric handlers: the envelope
// payload is decoded before the function runs and the envelope headers are
// exposed through MessageContext.
package handlers

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/powerjob/remoting/internal/runtime/address"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
	metadatapkg "github.com/powerjob/remoting/internal/runtime/metadata"
)

// MessageContext provides the envelope headers shared by JSON and proto handlers.
type MessageContext struct {
	UUID     string
	Metadata message.Metadata
	Logger   loggingpkg.ServiceLogger
}

func newMessageContext(msg *message.Message, logger loggingpkg.ServiceLogger) MessageContext {
	return MessageContext{
		UUID:     msg.UUID,
		Metadata: metadatapkg.Clone(msg.Metadata),
		Logger:   logger,
	}
}

// CloneMetadata returns a copy of the headers handlers may mutate freely.
func (c MessageContext) CloneMetadata() message.Metadata {
	return metadatapkg.Clone(c.Metadata)
}

// Get retrieves a header value by key.
func (c MessageContext) Get(key string) string {
	return c.Metadata.Get(key)
}

// CorrelationID returns the correlation ID, if present.
func (c MessageContext) CorrelationID() string {
	return c.Metadata.Get(metadatapkg.CorrelationID)
}

// Sender returns the reply-to address, if the sender supplied one.
func (c MessageContext) Sender() (address.Address, bool) {
	raw := c.Metadata.Get(metadatapkg.Sender)
	if raw == "" {
		return address.Address{}, false
	}
	from, err := address.Parse(raw)
	if err != nil {
		return address.Address{}, false
	}
	return from, true
}
