package gateway

import "sync"

// mailbox is an unbounded FIFO of outgoing messages. Producers never block;
// a single writer drains it.
type mailbox struct {
	mu     sync.Mutex
	items  []Envelope
	closed bool
	ready  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

// push appends env and reports false if the mailbox is closed.
func (m *mailbox) push(env Envelope) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, env)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// drain removes and returns every queued message.
func (m *mailbox) drain() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}

// gate holds back the events of a job until the request's ack is queued.
type gate struct {
	mu      sync.Mutex
	open    bool
	pending []Envelope
	send    func(Envelope)
}

func (g *gate) deliver(env Envelope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.pending = append(g.pending, env)
		return
	}
	g.send(env)
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, env := range g.pending {
		g.send(env)
	}
	g.pending = nil
	g.open = true
}
