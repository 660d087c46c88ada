package queue

import (
	"testing"

	"github.com/mattjoyce/pvfhost/internal/pvf"
)

func ids[T any](entries []Entry[T]) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueuePriorityThenFIFO(t *testing.T) {
	q := New[int]()
	pushes := []struct {
		id   string
		prio pvf.Priority
	}{
		{"n1", pvf.PriorityNormal},
		{"b1", pvf.PriorityBackground},
		{"c1", pvf.PriorityCritical},
		{"n2", pvf.PriorityNormal},
		{"c2", pvf.PriorityCritical},
	}
	for i, p := range pushes {
		if err := q.Push(p.id, p.prio, i); err != nil {
			t.Fatalf("Push(%s): %v", p.id, err)
		}
	}

	if q.Len() != 5 || q.LenAt(pvf.PriorityNormal) != 2 {
		t.Fatalf("Len = %d, LenAt(normal) = %d", q.Len(), q.LenAt(pvf.PriorityNormal))
	}

	head, ok := q.Peek()
	if !ok || head.ID != "c1" {
		t.Fatalf("Peek = %+v, %v", head, ok)
	}

	var got []string
	for {
		e, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, e.ID)
	}
	want := []string{"c1", "c2", "n1", "n2", "b1"}
	if !equal(got, want) {
		t.Fatalf("dispatch order = %v, want %v", got, want)
	}
}

func TestQueueRejectsDuplicatesAndBadPriority(t *testing.T) {
	q := New[string]()
	if err := q.Push("a", pvf.PriorityNormal, "x"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push("a", pvf.PriorityNormal, "y"); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if err := q.Push("b", pvf.Priority(9), "y"); err == nil {
		t.Fatalf("expected priority error")
	}
	if err := q.Push("", pvf.PriorityNormal, "y"); err == nil {
		t.Fatalf("expected empty id error")
	}
}

func TestQueuePopFuncSkipsIncompatible(t *testing.T) {
	q := New[string]()
	_ = q.Push("1", pvf.PriorityNormal, "profile-a")
	_ = q.Push("2", pvf.PriorityNormal, "profile-b")
	_ = q.Push("3", pvf.PriorityNormal, "profile-b")

	e, ok := q.PopFunc(func(v string) bool { return v == "profile-b" })
	if !ok || e.ID != "2" {
		t.Fatalf("PopFunc = %+v, %v", e, ok)
	}
	if _, ok := q.PopFunc(func(v string) bool { return v == "profile-c" }); ok {
		t.Fatalf("PopFunc matched nothing but returned ok")
	}
	if got := ids(q.Drain()); !equal(got, []string{"1", "3"}) {
		t.Fatalf("Drain = %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("Len after Drain = %d", q.Len())
	}
}

func TestQueueAmendRaisesPriority(t *testing.T) {
	q := New[int]()
	_ = q.Push("n1", pvf.PriorityNormal, 0)
	_ = q.Push("b1", pvf.PriorityBackground, 0)
	_ = q.Push("c1", pvf.PriorityCritical, 0)
	_ = q.Push("b2", pvf.PriorityBackground, 0)
	_ = q.Push("c2", pvf.PriorityCritical, 0)

	changed, err := q.Amend("b1", pvf.PriorityCritical)
	if err != nil || !changed {
		t.Fatalf("Amend = %v, %v", changed, err)
	}
	// b1 arrived before c1, so it now precedes it.
	if got := ids(q.Drain()); !equal(got, []string{"b1", "c1", "c2", "n1", "b2"}) {
		t.Fatalf("order after amend = %v", got)
	}

	_ = q.Push("x", pvf.PriorityCritical, 0)
	changed, err = q.Amend("x", pvf.PriorityBackground)
	if err != nil || changed {
		t.Fatalf("lowering should be ignored: %v, %v", changed, err)
	}
	if _, err := q.Amend("missing", pvf.PriorityCritical); err != ErrJobNotFound {
		t.Fatalf("Amend(missing) err = %v", err)
	}
}

func TestQueueRequeueGoesFirst(t *testing.T) {
	q := New[int]()
	_ = q.Push("a", pvf.PriorityNormal, 0)
	_ = q.Push("b", pvf.PriorityNormal, 0)
	e, _ := q.Pop()
	if err := q.Requeue(e.ID, e.Priority, e.Value); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if got := ids(q.Drain()); !equal(got, []string{"a", "b"}) {
		t.Fatalf("order after requeue = %v", got)
	}
}

func TestQueueAmendAfterRequeues(t *testing.T) {
	q := New[int]()
	_ = q.Push("a", pvf.PriorityNormal, 0)
	_ = q.Push("b", pvf.PriorityNormal, 0)
	_ = q.Push("low", pvf.PriorityBackground, 0)

	a, _ := q.Pop()
	b, _ := q.Pop()
	// Both workers died; the last one requeued goes first.
	for _, e := range []Entry[int]{b, a} {
		if err := q.Requeue(e.ID, e.Priority, e.Value); err != nil {
			t.Fatalf("Requeue(%s): %v", e.ID, err)
		}
	}
	if a2, _ := q.Get("a"); a2.seq >= 0 {
		t.Fatalf("requeued seq = %d, want negative", a2.seq)
	}
	_ = q.Push("c", pvf.PriorityNormal, 0)

	if ok, err := q.Amend("low", pvf.PriorityNormal); !ok || err != nil {
		t.Fatalf("Amend(low) = %v, %v", ok, err)
	}
	if got := ids(q.Drain()); !equal(got, []string{"a", "b", "low", "c"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestQueueEachStopsEarly(t *testing.T) {
	q := New[int]()
	_ = q.Push("n", pvf.PriorityNormal, 0)
	_ = q.Push("c", pvf.PriorityCritical, 0)
	_ = q.Push("b", pvf.PriorityBackground, 0)

	var seen []string
	q.Each(func(e Entry[int]) bool {
		seen = append(seen, e.ID)
		return e.ID != "n"
	})
	if !equal(seen, []string{"c", "n"}) {
		t.Fatalf("Each visited %v", seen)
	}
}

func TestQueueRemoveAndGet(t *testing.T) {
	q := New[int]()
	_ = q.Push("a", pvf.PriorityNormal, 1)
	_ = q.Push("b", pvf.PriorityNormal, 2)

	if e, ok := q.Get("b"); !ok || e.Value != 2 {
		t.Fatalf("Get(b) = %+v, %v", e, ok)
	}
	if _, ok := q.Remove("a"); !ok {
		t.Fatalf("Remove(a) not found")
	}
	if _, ok := q.Remove("a"); ok {
		t.Fatalf("Remove(a) twice succeeded")
	}
	if e, ok := q.Pop(); !ok || e.ID != "b" {
		t.Fatalf("Pop = %+v", e)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusTimedOut, StatusFaulted} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusDispatched, StatusWorkerDied} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
