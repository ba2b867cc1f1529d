package runtime

import (
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// mailbox is an unbounded FIFO drained by exactly one goroutine. Pushing never
// blocks, so Send stays fire-and-forget even when a handler is slow.
type mailbox struct {
	mu      sync.Mutex
	queue   []*message.Message
	signal  chan struct{}
	closed  bool
	retired bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// push appends msg. It reports false once the mailbox is closed or retired.
func (m *mailbox) push(msg *message.Message) bool {
	m.mu.Lock()
	if m.closed || m.retired {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// take blocks until messages are queued or the mailbox is closed. It returns
// everything queued so far in arrival order; closed is true only after the
// queue has been emptied.
func (m *mailbox) take() (batch []*message.Message, closed bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			batch, m.queue = m.queue, nil
			m.mu.Unlock()
			return batch, false
		}
		if m.closed || m.retired {
			m.mu.Unlock()
			return nil, true
		}
		m.mu.Unlock()
		<-m.signal
	}
}

// tryTake is take without blocking.
func (m *mailbox) tryTake() []*message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.queue
	m.queue = nil
	return batch
}

// close stops accepting messages. Queued messages are still handed out by take.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// retireIfEmpty marks an idle mailbox as retired so producers stop using it.
// It reports false when something was queued in the meantime.
func (m *mailbox) retireIfEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) > 0 {
		return false
	}
	m.retired = true
	return true
}

// done reports whether the mailbox is closed and fully drained.
func (m *mailbox) done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (m.closed || m.retired) && len(m.queue) == 0
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// run drains the mailbox into process until it is closed and empty.
func (m *mailbox) run(process func(*message.Message)) {
	for {
		batch, closed := m.take()
		if closed {
			return
		}
		for _, msg := range batch {
			process(msg)
		}
	}
}
