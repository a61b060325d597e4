// Package serial guards exclusive access to the single serial link a
// device is flashed through.
//
// A Link hands out at most one Token at a time. Waiters are served strictly
// in the order they called Enqueue: on release the token passes directly to
// the oldest waiting ticket, so no later caller can overtake it.
package serial

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Link is the FIFO permit over one serial endpoint.
type Link struct {
	endpoint string

	mu    sync.Mutex
	held  bool
	queue []*Ticket

	holders      atomic.Int32
	acquisitions atomic.Uint64
}

// NewLink creates a permit for the serial endpoint (e.g. /dev/ttyUSB0).
func NewLink(endpoint string) *Link {
	return &Link{endpoint: endpoint}
}

// Endpoint returns the serial endpoint guarded by the link.
func (l *Link) Endpoint() string {
	return l.endpoint
}

// Enqueue takes a place in the FIFO queue and returns immediately. The
// returned ticket resolves to a token once every earlier ticket has been
// served or cancelled.
func (l *Link) Enqueue() *Ticket {
	t := &Ticket{link: l, ready: make(chan *Token, 1)}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held && len(l.queue) == 0 {
		l.held = true
		l.grantLocked(t)
		return t
	}
	l.queue = append(l.queue, t)
	return t
}

// Acquire enqueues and waits for the token.
func (l *Link) Acquire(ctx context.Context) (*Token, error) {
	return l.Enqueue().Wait(ctx)
}

// Holders returns the number of live tokens; it is never greater than one.
func (l *Link) Holders() int {
	return int(l.holders.Load())
}

// Waiting returns the number of tickets queued behind the current holder.
func (l *Link) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Acquisitions returns how many tokens have been granted in total.
func (l *Link) Acquisitions() uint64 {
	return l.acquisitions.Load()
}

func (l *Link) grantLocked(t *Ticket) {
	t.granted = true
	l.holders.Inc()
	l.acquisitions.Inc()
	t.ready <- &Token{link: l}
}

func (l *Link) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.holders.Dec()
	if len(l.queue) == 0 {
		l.held = false
		return
	}

	next := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.grantLocked(next)
}

// Ticket is a place in the link's FIFO queue.
type Ticket struct {
	link  *Link
	ready chan *Token

	// guarded by link.mu
	granted   bool
	cancelled bool
}

// Wait blocks until the ticket is served or ctx is done. On cancellation
// the ticket leaves the queue; a token granted concurrently is released.
func (t *Ticket) Wait(ctx context.Context) (*Token, error) {
	select {
	case tok := <-t.ready:
		return tok, nil
	case <-ctx.Done():
		t.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel withdraws the ticket. It is a no-op once the token was received.
func (t *Ticket) Cancel() {
	l := t.link

	l.mu.Lock()
	if t.cancelled {
		l.mu.Unlock()
		return
	}
	t.cancelled = true
	if !t.granted {
		for i, q := range l.queue {
			if q == t {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	select {
	case tok := <-t.ready:
		tok.Release()
	default:
	}
}

// Token is exclusive permission to use the serial link. It must be
// released exactly once; further Release calls are no-ops.
type Token struct {
	link     *Link
	once     sync.Once
	released atomic.Bool
}

// Endpoint returns the serial endpoint the token grants access to.
func (t *Token) Endpoint() string {
	return t.link.endpoint
}

// Live reports whether the token is non-nil and not yet released.
func (t *Token) Live() bool {
	return t != nil && !t.released.Load()
}

// Release returns the permit to the link, handing it to the next waiter.
func (t *Token) Release() {
	t.once.Do(func() {
		t.released.Store(true)
		t.link.release()
	})
}
