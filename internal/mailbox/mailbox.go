// Package mailbox is the inbox of an event-loop actor. Sends never block,
// so a completion posted from a worker goroutine cannot stall on a busy
// loop, and the loop never blocks on its own callers.
package mailbox

import "sync"

type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Send enqueues v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Send(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Notify fires at least once after any Send. Receivers should Drain after
// every wakeup.
func (m *Mailbox[T]) Notify() <-chan struct{} {
	return m.notify
}

// Drain returns every pending message in send order.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}

// Len is the number of pending messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further sends and returns what was still pending.
func (m *Mailbox[T]) Close() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	out := m.items
	m.items = nil
	return out
}
