package probe

import "sync"

// RingBuffer is a bounded, drop-oldest FIFO buffer holding samples a probe
// has collected but not yet successfully sent. Default capacity is 1000:
// once full, the oldest sample is discarded to make room for the newest,
// favoring fresh data over completeness under sustained send failure.
type RingBuffer struct {
	mu       sync.Mutex
	items    []Reading
	capacity int
	dropped  int64
}

// NewRingBuffer constructs a RingBuffer with the given capacity, defaulting
// to 1000 if capacity <= 0.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingBuffer{capacity: capacity, items: make([]Reading, 0, capacity)}
}

// Push appends a reading, dropping the oldest buffered reading if the
// buffer is already at capacity.
func (b *RingBuffer) Push(r Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.capacity {
		b.items = b.items[1:]
		b.dropped++
	}
	b.items = append(b.items, r)
}

// Drain removes and returns up to n readings from the head of the buffer.
func (b *RingBuffer) Drain(n int) []Reading {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.items) {
		n = len(b.items)
	}
	out := make([]Reading, n)
	copy(out, b.items[:n])
	b.items = b.items[n:]
	return out
}

// Requeue puts readings back at the head of the buffer, used when a send
// attempt fails after a batch was already drained.
func (b *RingBuffer) Requeue(readings []Reading) {
	if len(readings) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]Reading, 0, len(readings)+len(b.items))
	merged = append(merged, readings...)
	merged = append(merged, b.items...)
	if len(merged) > b.capacity {
		b.dropped += int64(len(merged) - b.capacity)
		merged = merged[len(merged)-b.capacity:]
	}
	b.items = merged
}

// Len returns the current buffered reading count.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Dropped returns the cumulative count of readings evicted for capacity.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
