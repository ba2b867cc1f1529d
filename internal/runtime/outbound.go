package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
	metadatapkg "github.com/powerjob/remoting/internal/runtime/metadata"
	"github.com/powerjob/remoting/transport"
)

// LaneIdleTimeout is how long an outbound lane may sit empty before its
// goroutine exits. The next Send to that destination opens a new lane.
var LaneIdleTimeout = 30 * time.Second

// outbound owns one lane per destination inbox. A lane is a mailbox drained
// by a single goroutine, so messages to one destination are published in
// Send order.
type outbound struct {
	sys *System
	log loggingpkg.ServiceLogger

	mu     sync.Mutex
	lanes  map[transport.Inbox]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	dest    transport.Inbox
	topic   string
	mailbox *mailbox
}

func newOutbound(sys *System) *outbound {
	return &outbound{
		sys:   sys,
		log:   loggingpkg.Component(sys.logger, "outbound"),
		lanes: make(map[transport.Inbox]*lane),
	}
}

// enqueue hands msg to the lane for dest, opening it if needed. It reports
// false once the outbound side is closed.
func (o *outbound) enqueue(dest transport.Inbox, msg *message.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	l, ok := o.lanes[dest]
	if !ok {
		l = &lane{dest: dest, topic: o.sys.transport.PublishTopic(dest), mailbox: newMailbox()}
		o.lanes[dest] = l
		o.wg.Add(1)
		go o.run(l)
		o.sys.metrics.setOutboundLanes(o.sys.name, o.sys.endpoint.String(), len(o.lanes))
		o.log.Debug("[Outbound] lane opened", loggingpkg.LogFields{"destination": dest.String(), "topic": l.topic})
	}
	return l.mailbox.push(msg)
}

func (o *outbound) run(l *lane) {
	defer o.wg.Done()

	idle := time.NewTimer(LaneIdleTimeout)
	defer idle.Stop()

	for {
		if batch := l.mailbox.tryTake(); len(batch) > 0 {
			for _, msg := range batch {
				o.publish(l, msg)
			}
			idle.Reset(LaneIdleTimeout)
			continue
		}
		if l.mailbox.done() {
			return
		}
		select {
		case <-l.mailbox.signal:
		case <-idle.C:
			if o.retire(l) {
				return
			}
			idle.Reset(LaneIdleTimeout)
		}
	}
}

// retire removes an idle lane. It runs under the outbound lock so enqueue
// never pushes into a lane that is being retired.
func (o *outbound) retire(l *lane) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !l.mailbox.retireIfEmpty() {
		return false
	}
	if o.lanes[l.dest] == l {
		delete(o.lanes, l.dest)
	}
	o.sys.metrics.setOutboundLanes(o.sys.name, o.sys.endpoint.String(), len(o.lanes))
	o.log.Debug("[Outbound] idle lane retired", loggingpkg.LogFields{"destination": l.dest.String()})
	return true
}

func (o *outbound) publish(l *lane, msg *message.Message) {
	err := o.sys.transport.Publisher.Publish(l.topic, msg)
	if err == nil {
		return
	}
	to, parseErr := metadatapkg.RecipientOf(msg)
	if parseErr != nil {
		o.log.Error("[Outbound] publish failed for unaddressed message", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		return
	}
	o.sys.events.Publish(DeadLetter{
		Recipient: to,
		Message:   msg,
		Reason:    fmt.Errorf("remoting: publish to %s: %w", l.dest, err),
	})
}

// activeLanes reports how many destination lanes are open.
func (o *outbound) activeLanes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.lanes)
}

// close stops accepting messages and waits for every lane to publish what it
// already holds.
func (o *outbound) close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, l := range o.lanes {
		l.mailbox.close()
	}
	o.mu.Unlock()
	return waitGroup(ctx, &o.wg)
}
