package audio

import (
	"sync"
	"sync/atomic"
)

// Ring is a fixed-capacity FIFO of mono samples shared between one audio
// producer and one pipeline consumer.
//
// Push never blocks and never fails: when the ring is full the oldest unread
// samples are discarded to make room and the dropped-sample counter grows by
// exactly the number of samples lost. Pull never blocks either; it reports
// insufficient data instead of waiting. Consumers that want to sleep until
// data arrives select on [Ring.Notify].
//
// The critical section is a few index updates and one or two copies, so a
// plain mutex is held for a bounded, allocation-free interval on every Push.
type Ring struct {
	notify chan struct{}

	mu         sync.Mutex
	buf        []float32
	head, tail int64 // total samples read, total samples written

	dropped  atomic.Uint64
	overruns atomic.Uint64
}

// NewRing creates a ring that holds at most capacity samples. capacity must be
// positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("audio: ring capacity must be positive")
	}
	return &Ring{
		notify: make(chan struct{}, 1),
		buf:    make([]float32, capacity),
	}
}

// Push appends samples in arrival order and returns how many previously
// buffered or incoming samples were discarded to make room. It is safe to call
// from the audio callback.
func (r *Ring) Push(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}

	r.mu.Lock()
	size := int64(len(r.buf))
	var dropped int64

	// Only the newest size samples of an oversized push can survive.
	if n := int64(len(samples)); n > size {
		dropped += n - size
		samples = samples[n-size:]
	}

	unread := r.tail - r.head
	if over := unread + int64(len(samples)) - size; over > 0 {
		r.head += over
		dropped += over
	}

	tail := int(r.tail % size)
	n := copy(r.buf[tail:], samples)
	copy(r.buf, samples[n:])
	r.tail += int64(len(samples))
	r.mu.Unlock()

	if dropped > 0 {
		r.dropped.Add(uint64(dropped))
		r.overruns.Add(1)
	}

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return int(dropped)
}

// Pull removes and returns exactly n samples in arrival order. When fewer than
// n samples are buffered it returns nil, false and leaves the ring untouched.
func (r *Ring) Pull(n int) ([]float32, bool) {
	if n < 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if int64(n) > r.tail-r.head {
		return nil, false
	}
	out := make([]float32, n)
	r.readLocked(out)
	return out, true
}

// Drain moves up to len(dst) buffered samples into dst and returns how many
// were copied.
func (r *Ring) Drain(dst []float32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(int64(len(dst)), r.tail-r.head)
	r.readLocked(dst[:n])
	return int(n)
}

func (r *Ring) readLocked(dst []float32) {
	size := int64(len(r.buf))
	head := int(r.head % size)
	n := copy(dst, r.buf[head:])
	copy(dst[n:], r.buf)
	r.head += int64(len(dst))
}

// Len returns the number of unread samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.tail - r.head)
}

// Cap returns the fixed capacity in samples.
func (r *Ring) Cap() int { return len(r.buf) }

// Dropped returns the total number of samples discarded by overflow since the
// ring was created or last reset.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Overruns returns how many Push calls had to discard samples.
func (r *Ring) Overruns() uint64 { return r.overruns.Load() }

// Notify returns a channel that receives a value after a Push. Multiple pushes
// may coalesce into one notification.
func (r *Ring) Notify() <-chan struct{} { return r.notify }

// Reset discards all buffered samples and zeroes the counters.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.head, r.tail = 0, 0
	r.mu.Unlock()
	r.dropped.Store(0)
	r.overruns.Store(0)
}
