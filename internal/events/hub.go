// Package events is an in-memory pub/sub of host lifecycle events. It feeds
// the SSE endpoint and the watch monitor. A nil *Hub drops everything.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the host and dispatchers.
const (
	PrepareQueued    = "prepare.queued"
	PrepareStarted   = "prepare.started"
	PrepareFinished  = "prepare.finished"
	ExecuteQueued    = "execute.queued"
	ExecuteStarted   = "execute.started"
	ExecuteFinished  = "execute.finished"
	WorkerSpawned    = "worker.spawned"
	WorkerRetired    = "worker.retired"
	WorkerEvicted    = "worker.evicted"
	ArtifactReady    = "artifact.ready"
	ArtifactFailed   = "artifact.failed"
	ArtifactHealed   = "artifact.healed"
	ArtifactsPruned  = "artifacts.pruned"
	HostShuttingDown = "host.shutting_down"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Filter selects events by type prefix. An empty Filter matches everything.
type Filter []string

// ParseFilter splits a comma separated prefix list such as "worker,artifact.".
func ParseFilter(v string) Filter {
	var f Filter
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			f = append(f, p)
		}
	}
	return f
}

func (f Filter) Match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	for _, p := range f {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// Subscription is a live feed of matching events. Events that do not fit in
// the buffer are dropped and counted.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	filter  Filter
	dropped atomic.Uint64
	cancel  func()
}

// Dropped is the number of matching events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() { s.cancel() }

// Hub fans events out to subscribers and keeps the most recent ones in a
// ring so a reconnecting client can resume from its last event ID.
type Hub struct {
	seq atomic.Int64

	mu     sync.Mutex
	recent []Event
	head   int
	count  int
	subs   map[*Subscription]struct{}
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		recent: make([]Event, capacity),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Publish stamps and records an event. It never blocks on subscribers.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	ev := Event{ID: h.seq.Add(1), Type: eventType, At: time.Now().UTC(), Data: payload}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.remember(ev)
	for sub := range h.subs {
		if !sub.filter.Match(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber for events matching f.
func (h *Hub) Subscribe(f Filter) *Subscription {
	ch := make(chan Event, 128)
	sub := &Subscription{C: ch, ch: ch, filter: f}
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(ch)
			h.mu.Unlock()
		})
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// SnapshotSince returns remembered events newer than lastID that match f,
// oldest first.
func (h *Hub) SnapshotSince(lastID int64, f Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event
	for i := range h.count {
		ev := h.recent[(h.head+i)%len(h.recent)]
		if ev.ID > lastID && f.Match(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) remember(ev Event) {
	if h.count < len(h.recent) {
		h.recent[(h.head+h.count)%len(h.recent)] = ev
		h.count++
		return
	}
	h.recent[h.head] = ev
	h.head = (h.head + 1) % len(h.recent)
}
