package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/powerjob/remoting/internal/runtime/address"
	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
	metadatapkg "github.com/powerjob/remoting/internal/runtime/metadata"
)

// runInbound forwards envelopes from the node inbox to handler mailboxes, one
// at a time, so per-sender order survives the hop.
func (s *System) runInbound(ctx context.Context, messages <-chan *message.Message) {
	defer close(s.inboundDone)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.receive(msg)
		}
	}
}

// receive routes one envelope and acks it. Envelopes that cannot be routed
// are acked too: redelivery would not make them routable.
func (s *System) receive(msg *message.Message) {
	defer msg.Ack()

	// The transport's message is tied to its delivery context; handlers get
	// a detached copy.
	local := msg.Copy()

	raw := local.Metadata.Get(metadatapkg.Recipient)
	to, err := address.Parse(raw)
	if err != nil {
		s.events.Publish(DeadLetter{Raw: raw, Message: local, Reason: err})
		return
	}
	if to.System != s.name {
		s.events.Publish(DeadLetter{
			Recipient: to,
			Message:   local,
			Reason:    fmt.Errorf("%w: %s delivered to %s", errspkg.ErrForeignSystem, to.System, s.name),
		})
		return
	}
	if err := s.deliverLocal(to.Name, local); err != nil {
		s.events.Publish(DeadLetter{Recipient: to, Message: local, Reason: err})
	}
}
