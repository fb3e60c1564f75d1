// Package expiry provides an expiring key/value set backed by a deadline heap
// and an index map, driven by a single timer regardless of how many keys are
// tracked.
package expiry

import (
	"container/heap"
	"sync"
	"time"
)

// ExpireFunc is called, outside the set's lock, for every entry whose
// deadline passed before it was removed.
type ExpireFunc[K comparable, V any] func(key K, value V)

type entry[K comparable, V any] struct {
	key      K
	value    V
	deadline time.Time
	index    int
}

type deadlineHeap[K comparable, V any] []*entry[K, V]

func (h deadlineHeap[K, V]) Len() int           { return len(h) }
func (h deadlineHeap[K, V]) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap[K, V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap[K, V]) Push(x any) {
	e := x.(*entry[K, V])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Set is safe for concurrent use.
type Set[K comparable, V any] struct {
	mu       sync.Mutex
	index    map[K]*entry[K, V]
	order    deadlineHeap[K, V]
	timer    *time.Timer
	onExpire ExpireFunc[K, V]
	closed   bool

	// Now is the clock used for deadlines and visibility. Tests may replace it.
	Now func() time.Time
}

// New returns an empty set. onExpire may be nil.
func New[K comparable, V any](onExpire ExpireFunc[K, V]) *Set[K, V] {
	return &Set[K, V]{
		index:    make(map[K]*entry[K, V]),
		onExpire: onExpire,
		Now:      time.Now,
	}
}

// Add inserts key with a deadline ttl from now, replacing any existing entry.
func (s *Set[K, V]) Add(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	deadline := s.Now().Add(ttl)
	if e, ok := s.index[key]; ok {
		e.value = value
		e.deadline = deadline
		heap.Fix(&s.order, e.index)
	} else {
		e := &entry[K, V]{key: key, value: value, deadline: deadline}
		heap.Push(&s.order, e)
		s.index[key] = e
	}
	s.scheduleLocked()
}

// AddIfAbsent inserts key only when it is not live. It reports whether the
// key was inserted.
func (s *Set[K, V]) AddIfAbsent(key K, value V, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	now := s.Now()
	if e, ok := s.index[key]; ok {
		if now.Before(e.deadline) {
			return false
		}
		e.value = value
		e.deadline = now.Add(ttl)
		heap.Fix(&s.order, e.index)
	} else {
		e := &entry[K, V]{key: key, value: value, deadline: now.Add(ttl)}
		heap.Push(&s.order, e)
		s.index[key] = e
	}
	s.scheduleLocked()
	return true
}

// Has reports whether key is tracked and its deadline has not passed.
func (s *Set[K, V]) Has(key K) bool {
	_, ok := s.Get(key)
	return ok
}

// Get returns the value for key if it is still live.
func (s *Set[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[key]
	if !ok || !s.Now().Before(e.deadline) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Remove deletes key without firing the expire callback. It returns the value
// and whether the key was still live.
func (s *Set[K, V]) Remove(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	e, ok := s.index[key]
	if !ok {
		return zero, false
	}
	// An entry past its deadline belongs to the sweeper.
	if !s.Now().Before(e.deadline) {
		return zero, false
	}
	heap.Remove(&s.order, e.index)
	delete(s.index, key)
	s.scheduleLocked()
	return e.value, true
}

// Len returns the number of tracked entries, including ones waiting for the
// next sweep.
func (s *Set[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Sweep removes every entry whose deadline has passed and fires the expire
// callback for each. It runs automatically from the internal timer.
func (s *Set[K, V]) Sweep() int {
	s.mu.Lock()
	now := s.Now()
	var expired []*entry[K, V]
	for s.order.Len() > 0 && !now.Before(s.order[0].deadline) {
		e := heap.Pop(&s.order).(*entry[K, V])
		delete(s.index, e.key)
		expired = append(expired, e)
	}
	if !s.closed {
		s.scheduleLocked()
	}
	s.mu.Unlock()

	if s.onExpire != nil {
		for _, e := range expired {
			s.onExpire(e.key, e.value)
		}
	}
	return len(expired)
}

// Close stops the timer and returns every entry still tracked, without firing
// the expire callback. The set ignores Add after Close.
func (s *Set[K, V]) Close() map[K]V {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	out := make(map[K]V, len(s.index))
	for k, e := range s.index {
		out[k] = e.value
	}
	s.index = make(map[K]*entry[K, V])
	s.order = nil
	return out
}

// scheduleLocked points the single timer at the earliest deadline.
func (s *Set[K, V]) scheduleLocked() {
	if s.order.Len() == 0 {
		if s.timer != nil {
			s.timer.Stop()
		}
		return
	}
	wait := s.order[0].deadline.Sub(s.Now())
	if wait < 0 {
		wait = 0
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(wait, func() { s.Sweep() })
		return
	}
	s.timer.Reset(wait)
}
