package audio

import (
	"sync"
	"time"
)

// ChunkRing is a bounded FIFO of audio chunks for one source.
// One capture callback pushes and one mixer tick pops; Push never blocks and
// drops the oldest entry when full. Timestamps are kept non-decreasing.
type ChunkRing struct {
	entries   []AudioChunk
	size      int
	read      int
	count     int
	overflows uint64
	last      time.Duration
	mu        sync.Mutex
}

// NewChunkRing creates a new ring holding up to capacity chunks
func NewChunkRing(capacity int) *ChunkRing {
	if capacity < 1 {
		capacity = 1
	}
	return &ChunkRing{
		entries: make([]AudioChunk, capacity),
		size:    capacity,
	}
}

// Push appends a chunk, evicting the oldest entry if the ring is full.
// Returns true if an entry was dropped.
func (rb *ChunkRing) Push(chunk AudioChunk) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	// A chunk stamped earlier than its predecessor is pinned to it
	if chunk.Timestamp < rb.last {
		chunk.Timestamp = rb.last
	}
	rb.last = chunk.Timestamp

	dropped := false
	if rb.count == rb.size {
		rb.entries[rb.read] = AudioChunk{}
		rb.read = (rb.read + 1) % rb.size
		rb.count--
		rb.overflows++
		dropped = true
	}

	write := (rb.read + rb.count) % rb.size
	rb.entries[write] = chunk
	rb.count++
	return dropped
}

// PopBefore moves every chunk whose timestamp is before deadline into dst
func (rb *ChunkRing) PopBefore(deadline time.Duration, dst []AudioChunk) []AudioChunk {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count > 0 {
		chunk := rb.entries[rb.read]
		if chunk.Timestamp >= deadline {
			break
		}
		dst = append(dst, chunk)
		rb.entries[rb.read] = AudioChunk{}
		rb.read = (rb.read + 1) % rb.size
		rb.count--
	}
	return dst
}

// Drain moves every remaining chunk into dst
func (rb *ChunkRing) Drain(dst []AudioChunk) []AudioChunk {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count > 0 {
		dst = append(dst, rb.entries[rb.read])
		rb.entries[rb.read] = AudioChunk{}
		rb.read = (rb.read + 1) % rb.size
		rb.count--
	}
	return dst
}

// Peek returns the oldest chunk without removing it
func (rb *ChunkRing) Peek() (AudioChunk, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return AudioChunk{}, false
	}
	return rb.entries[rb.read], true
}

// Len returns the number of buffered chunks
func (rb *ChunkRing) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Capacity returns the maximum number of buffered chunks
func (rb *ChunkRing) Capacity() int {
	return rb.size
}

// Overflows returns how many chunks were dropped since creation
func (rb *ChunkRing) Overflows() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.overflows
}

// Clear empties the ring; the overflow counter is kept
func (rb *ChunkRing) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range rb.entries {
		rb.entries[i] = AudioChunk{}
	}
	rb.read = 0
	rb.count = 0
}

// IsEmpty returns true if the ring is empty
func (rb *ChunkRing) IsEmpty() bool {
	return rb.Len() == 0
}

// IsFull returns true if the next Push will evict
func (rb *ChunkRing) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == rb.size
}
