package ipc

import "sync"

// ring is a bounded FIFO that overwrites its oldest entry when full.
type ring[T any] struct {
	mu         sync.Mutex
	buf        []T
	head, tail int64
	dropped    uint64
	closed     bool
	notify     chan struct{}
}

func newRing[T any](size int) *ring[T] {
	if size <= 0 {
		size = 1
	}
	return &ring[T]{
		buf:    make([]T, size),
		notify: make(chan struct{}, 1),
	}
}

// push appends v, evicting the oldest entry when full. It never blocks and
// reports whether an entry was evicted. Pushes after close are ignored.
func (r *ring[T]) push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	evicted := false
	if int(r.tail-r.head) == len(r.buf) {
		var zero T
		r.buf[r.head%int64(len(r.buf))] = zero
		r.head++
		r.dropped++
		evicted = true
	}
	r.buf[r.tail%int64(len(r.buf))] = v
	r.tail++

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return evicted
}

// drain removes and returns every queued entry in FIFO order. open is false
// once the ring is closed; nothing is pushed after that, so the entries
// returned alongside it are the last ones.
func (r *ring[T]) drain() (out []T, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := int(r.tail - r.head)
	if n > 0 {
		out = make([]T, 0, n)
		var zero T
		for ; r.head < r.tail; r.head++ {
			idx := r.head % int64(len(r.buf))
			out = append(out, r.buf[idx])
			r.buf[idx] = zero
		}
	}
	return out, !r.closed
}

func (r *ring[T]) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.notify)
}

func (r *ring[T]) droppedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
