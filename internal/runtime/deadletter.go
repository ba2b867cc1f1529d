package runtime

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/powerjob/remoting/internal/runtime/address"
	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
	idspkg "github.com/powerjob/remoting/internal/runtime/ids"
	"github.com/powerjob/remoting/internal/runtime/jsoncodec"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
	metadatapkg "github.com/powerjob/remoting/internal/runtime/metadata"
)

// FaultKind classifies why a message could not be delivered.
type FaultKind string

const (
	FaultUnknownRecipient FaultKind = "unknown_recipient"
	FaultForeignSystem    FaultKind = "foreign_system"
	FaultUnreachable      FaultKind = "unreachable"
	FaultInvalidAddress   FaultKind = "invalid_address"
	FaultStopped          FaultKind = "stopped"
)

// payloadSummaryLimit caps the payload excerpt carried by a FaultRecord.
const payloadSummaryLimit = 256

// DeadLetter is a message the fabric gave up on. It is never returned to the
// sender; it is published on the System's EventStream instead.
type DeadLetter struct {
	Recipient address.Address
	// Raw is the recipient header as received, for envelopes whose address
	// did not parse.
	Raw     string
	Message *message.Message
	Reason  error
	At      time.Time
	// Node is the endpoint of the System that recorded the dead letter.
	Node address.Endpoint
}

// Kind maps Reason onto a FaultKind.
func (d DeadLetter) Kind() FaultKind {
	switch {
	case errors.Is(d.Reason, errspkg.ErrUnknownRecipient):
		return FaultUnknownRecipient
	case errors.Is(d.Reason, errspkg.ErrForeignSystem):
		return FaultForeignSystem
	case errors.Is(d.Reason, errspkg.ErrInvalidAddress):
		return FaultInvalidAddress
	case errors.Is(d.Reason, errspkg.ErrStopped):
		return FaultStopped
	default:
		return FaultUnreachable
	}
}

// FaultRecord is the observer-facing description of a dead letter. It is what
// travels to EventStream subscribers, encoded as JSON.
type FaultRecord struct {
	ID             string           `json:"id"`
	MessageID      string           `json:"message_id,omitempty"`
	Sender         *address.Address `json:"sender,omitempty"`
	Recipient      string           `json:"recipient"`
	Kind           FaultKind        `json:"kind"`
	Reason         string           `json:"reason"`
	PayloadSummary string           `json:"payload_summary,omitempty"`
	Node           string           `json:"node,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// RecipientAddress parses Recipient. It fails for invalid_address records.
func (r FaultRecord) RecipientAddress() (address.Address, error) {
	return address.Parse(r.Recipient)
}

// NewFaultRecord describes dl. It has no side effects; ID is left for the
// EventStream to assign.
func NewFaultRecord(dl DeadLetter) FaultRecord {
	rec := FaultRecord{
		Recipient: dl.Raw,
		Kind:      dl.Kind(),
		Timestamp: dl.At.UTC(),
	}
	if !dl.Recipient.IsZero() {
		rec.Recipient = dl.Recipient.String()
	}
	if dl.Reason != nil {
		rec.Reason = dl.Reason.Error()
	}
	if !dl.Node.IsZero() {
		rec.Node = dl.Node.String()
	}
	if dl.Message != nil {
		rec.MessageID = dl.Message.UUID
		if from, ok := metadatapkg.SenderOf(dl.Message); ok {
			rec.Sender = &from
		}
		rec.PayloadSummary = summarize(dl.Message.Payload)
	}
	return rec
}

func summarize(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	if !utf8.Valid(payload) {
		return fmt.Sprintf("<%d bytes binary>", len(payload))
	}
	if len(payload) <= payloadSummaryLimit {
		return string(payload)
	}
	cut := payloadSummaryLimit
	for cut > 0 && !utf8.RuneStart(payload[cut]) {
		cut--
	}
	return string(payload[:cut]) + fmt.Sprintf("... (%d bytes)", len(payload))
}

// EventStream fans dead letters out to subscribed local handlers.
type EventStream struct {
	sys *System

	mu          sync.RWMutex
	subscribers []address.Address
}

func newEventStream(sys *System) *EventStream {
	return &EventStream{sys: sys}
}

// Subscribe registers a local handler address to receive FaultRecords. The
// address must belong to this System; the handler need not be registered yet.
func (e *EventStream) Subscribe(addr address.Address) error {
	if addr.System != e.sys.name || addr.Endpoint != e.sys.endpoint {
		return fmt.Errorf("%w: %s is not local to %s", errspkg.ErrForeignSystem, addr, e.sys.name+"@"+e.sys.endpoint.String())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.subscribers {
		if existing == addr {
			return nil
		}
	}
	e.subscribers = append(e.subscribers, addr)
	return nil
}

// Unsubscribe removes addr. Unknown addresses are ignored.
func (e *EventStream) Unsubscribe(addr address.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.subscribers {
		if existing == addr {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			return
		}
	}
}

// Subscribers returns the current subscriber addresses.
func (e *EventStream) Subscribers() []address.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]address.Address(nil), e.subscribers...)
}

// Publish records dl: it is counted, logged and delivered to every
// subscriber. Delivery failures are logged and never produce another dead
// letter.
func (e *EventStream) Publish(dl DeadLetter) {
	if dl.At.IsZero() {
		dl.At = time.Now()
	}
	if dl.Node.IsZero() {
		dl.Node = e.sys.endpoint
	}
	rec := NewFaultRecord(dl)
	rec.ID = idspkg.NewMessageID()
	e.sys.metrics.recordDeadLetter(e.sys.name, rec.Kind, rec.Reason)

	log := e.sys.logger.With(loggingpkg.LogFields{
		"recipient":  rec.Recipient,
		"kind":       string(rec.Kind),
		"message_id": rec.MessageID,
	})
	log.Info("[EventStream] dead letter", loggingpkg.LogFields{"reason": rec.Reason})

	subscribers := e.Subscribers()
	if len(subscribers) == 0 {
		return
	}
	payload, err := jsoncodec.Marshal(rec)
	if err != nil {
		log.Error("[EventStream] encode fault record", err, nil)
		return
	}
	for _, sub := range subscribers {
		msg := message.NewMessage(idspkg.NewMessageID(), payload)
		msg.Metadata.Set(metadatapkg.ContentType, jsoncodec.ContentType)
		msg.Metadata.Set(metadatapkg.MessageType, FaultRecordType)
		metadatapkg.SetRecipient(msg, sub)
		if dl.Message != nil {
			if cid := dl.Message.Metadata.Get(metadatapkg.CorrelationID); cid != "" {
				msg.Metadata.Set(metadatapkg.CorrelationID, cid)
			}
		}
		if err := e.sys.deliverLocal(sub.Name, msg); err != nil {
			log.Error("[EventStream] fault record not delivered", err, loggingpkg.LogFields{"subscriber": sub.String()})
		}
	}
}

// FaultRecordType is the message_type header of fault record envelopes.
const FaultRecordType = "remoting.FaultRecord"
