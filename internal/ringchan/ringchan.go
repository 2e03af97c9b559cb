// Package ringchan provides a bounded channel with overwrite-oldest
// semantics. Every event stream the engine exposes to the application
// (scan-cache changes, write-readiness flips, connection states) is backed
// by one, so a slow or absent consumer can never block the radio loops.
package ringchan

import "sync/atomic"

// Ring wraps a buffered channel and guarantees that producers never block:
// when the buffer is full the oldest element is discarded to make room.
//
// Readers treat C() like a normal Go channel:
//
//	for ev := range ring.C() {
//	    handle(ev)
//	}
type Ring[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// New creates a Ring with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts v, discarding the oldest buffered element if the buffer is
// full. Reports whether an element was dropped to make room.
func (r *Ring[T]) Send(v T) bool {
	select {
	case r.ch <- v:
		return false
	default:
	}
	// Full: evict one, then insert. A concurrent reader may have freed a
	// slot in between, in which case the eviction no-ops.
	dropped := false
	select {
	case <-r.ch:
		r.dropped.Add(1)
		dropped = true
	default:
	}
	r.ch <- v
	return dropped
}

// TrySend inserts v only if buffer space is available.
func (r *Ring[T]) TrySend(v T) bool {
	select {
	case r.ch <- v:
		return true
	default:
		return false
	}
}

// TryReceive performs a non-blocking receive.
func (r *Ring[T]) TryReceive() (T, bool) {
	select {
	case v, ok := <-r.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Dropped returns how many elements have been discarded to make room.
func (r *Ring[T]) Dropped() int64 { return r.dropped.Load() }

// Close closes the underlying channel. Sending after Close panics.
func (r *Ring[T]) Close() { close(r.ch) }
