package util

import "sync"

// RingBuffer keeps the newest cap items pushed to it. It is safe for
// concurrent use.
type RingBuffer[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int // slot the next Push writes once buf is full
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, 0, capacity)}
}

func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, item)
		return
	}
	r.buf[r.next] = item
	r.next = (r.next + 1) % len(r.buf)
}

// Snapshot returns every stored item, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Last(-1)
}

// Last returns the newest n items, oldest first. n < 0 means all.
func (r *RingBuffer[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	size := len(r.buf)
	if n < 0 || n > size {
		n = size
	}
	out := make([]T, n)
	start := r.next + size - n
	for i := range out {
		out[i] = r.buf[(start+i)%size]
	}
	return out
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}
