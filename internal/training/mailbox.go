package training

import "sync"

// mailbox is an unbounded FIFO of deliveries with a single consumer.
// put never blocks, so a slow observer cannot stall training.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) put(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, fn)
	m.mu.Unlock()
	m.signal()
}

// close stops accepting deliveries. Queued items are still drained.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// drain runs deliveries in order until the mailbox is closed and empty.
func (m *mailbox) drain() {
	for {
		m.mu.Lock()
		items := m.items
		m.items = nil
		closed := m.closed
		m.mu.Unlock()

		for _, fn := range items {
			fn()
		}
		if closed && len(items) == 0 {
			return
		}
		if len(items) == 0 {
			<-m.wake
		}
	}
}
