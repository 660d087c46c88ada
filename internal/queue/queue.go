// Package queue is the in-memory job queue shared by both dispatchers.
// Ordering is strict priority, then arrival. It is not safe for concurrent
// use; each queue is owned by one dispatcher loop.
package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/mattjoyce/pvfhost/internal/pvf"
)

const numPriorities = int(pvf.PriorityCritical) + 1

type Queue[T any] struct {
	buckets [numPriorities][]*Entry[T]
	index   map[string]*Entry[T]
	seq     int64
	front   int64
	now     func() time.Time
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		index: make(map[string]*Entry[T]),
		now:   time.Now,
	}
}

// Push appends v behind every entry of the same priority.
func (q *Queue[T]) Push(id string, prio pvf.Priority, v T) error {
	if id == "" {
		return fmt.Errorf("job id is empty")
	}
	if _, dup := q.index[id]; dup {
		return fmt.Errorf("job %q already queued", id)
	}
	b, err := bucket(prio)
	if err != nil {
		return err
	}
	q.seq++
	e := &Entry[T]{ID: id, Priority: prio, EnqueuedAt: q.now(), Value: v, seq: q.seq}
	q.buckets[b] = append(q.buckets[b], e)
	q.index[id] = e
	return nil
}

// Requeue puts a job back at the front of its priority class. Used when a
// dispatched job is returned because its worker died.
func (q *Queue[T]) Requeue(id string, prio pvf.Priority, v T) error {
	if _, dup := q.index[id]; dup {
		return fmt.Errorf("job %q already queued", id)
	}
	b, err := bucket(prio)
	if err != nil {
		return err
	}
	q.front--
	e := &Entry[T]{ID: id, Priority: prio, EnqueuedAt: q.now(), Value: v, seq: q.front}
	q.buckets[b] = append([]*Entry[T]{e}, q.buckets[b]...)
	q.index[id] = e
	return nil
}

// Pop removes and returns the next entry in dispatch order.
func (q *Queue[T]) Pop() (Entry[T], bool) {
	return q.PopFunc(func(T) bool { return true })
}

// PopFunc removes and returns the first entry, in dispatch order, whose
// value satisfies match.
func (q *Queue[T]) PopFunc(match func(T) bool) (Entry[T], bool) {
	for b := numPriorities - 1; b >= 0; b-- {
		for i, e := range q.buckets[b] {
			if match(e.Value) {
				q.buckets[b] = append(q.buckets[b][:i], q.buckets[b][i+1:]...)
				delete(q.index, e.ID)
				return *e, true
			}
		}
	}
	return Entry[T]{}, false
}

// Each calls fn for every queued entry in dispatch order until fn returns
// false. fn must not modify the queue.
func (q *Queue[T]) Each(fn func(Entry[T]) bool) {
	for b := numPriorities - 1; b >= 0; b-- {
		for _, e := range q.buckets[b] {
			if !fn(*e) {
				return
			}
		}
	}
}

// Peek returns the next entry without removing it.
func (q *Queue[T]) Peek() (Entry[T], bool) {
	for b := numPriorities - 1; b >= 0; b-- {
		if len(q.buckets[b]) > 0 {
			return *q.buckets[b][0], true
		}
	}
	return Entry[T]{}, false
}

// Amend raises a queued job to prio. Lowering is ignored. The job keeps its
// arrival order relative to the jobs already in the target class.
func (q *Queue[T]) Amend(id string, prio pvf.Priority) (bool, error) {
	e, ok := q.index[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if prio <= e.Priority {
		return false, nil
	}
	to, err := bucket(prio)
	if err != nil {
		return false, err
	}
	from := int(e.Priority)
	q.buckets[from] = removeEntry(q.buckets[from], e)

	dst := q.buckets[to]
	i := sort.Search(len(dst), func(i int) bool { return dst[i].seq > e.seq })
	dst = append(dst, nil)
	copy(dst[i+1:], dst[i:])
	dst[i] = e
	q.buckets[to] = dst
	e.Priority = prio
	return true, nil
}

// Remove drops a queued job.
func (q *Queue[T]) Remove(id string) (Entry[T], bool) {
	e, ok := q.index[id]
	if !ok {
		return Entry[T]{}, false
	}
	b := int(e.Priority)
	q.buckets[b] = removeEntry(q.buckets[b], e)
	delete(q.index, id)
	return *e, true
}

// Get returns a queued job by id.
func (q *Queue[T]) Get(id string) (Entry[T], bool) {
	e, ok := q.index[id]
	if !ok {
		return Entry[T]{}, false
	}
	return *e, true
}

// Len is the total number of queued jobs.
func (q *Queue[T]) Len() int { return len(q.index) }

// LenAt is the number of queued jobs at exactly prio.
func (q *Queue[T]) LenAt(prio pvf.Priority) int {
	b, err := bucket(prio)
	if err != nil {
		return 0
	}
	return len(q.buckets[b])
}

// Drain empties the queue and returns its entries in dispatch order.
func (q *Queue[T]) Drain() []Entry[T] {
	out := make([]Entry[T], 0, len(q.index))
	for b := numPriorities - 1; b >= 0; b-- {
		for _, e := range q.buckets[b] {
			out = append(out, *e)
		}
		q.buckets[b] = nil
	}
	clear(q.index)
	return out
}

func bucket(p pvf.Priority) (int, error) {
	if p < pvf.PriorityBackground || p > pvf.PriorityCritical {
		return 0, fmt.Errorf("invalid priority %d", int(p))
	}
	return int(p), nil
}

func removeEntry[T any](s []*Entry[T], e *Entry[T]) []*Entry[T] {
	for i, x := range s {
		if x == e {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
