// Package buffer provides the bounded output history kept for shared terminal sessions.
package buffer

import (
	"sync"
)

// ChunkBuffer is a thread-safe FIFO of output chunks bounded by total byte
// size. When a write pushes the total above capacity, whole chunks are
// evicted from the front until it fits again; chunks are never split, except
// that a single chunk larger than the capacity keeps only its trailing bytes.
//
// Late joiners to a terminal receive Bytes(), the concatenation of the
// retained chunks in arrival order.
type ChunkBuffer struct {
	chunks   [][]byte
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewChunkBuffer creates a new ChunkBuffer with the specified byte capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewChunkBuffer(capacity int) *ChunkBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ChunkBuffer{
		capacity: capacity,
	}
}

// Write appends a copy of p as one chunk, evicting the oldest chunks while the
// total exceeds capacity. It implements io.Writer.
func (b *ChunkBuffer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	chunk := p
	if len(chunk) > b.capacity {
		chunk = chunk[len(chunk)-b.capacity:]
	}
	owned := make([]byte, len(chunk))
	copy(owned, chunk)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, owned)
	b.size += len(owned)

	evict := 0
	for b.size > b.capacity {
		b.size -= len(b.chunks[evict])
		b.chunks[evict] = nil
		evict++
	}
	if evict > 0 {
		b.chunks = append([][]byte(nil), b.chunks[evict:]...)
	}

	return len(p), nil
}

// Bytes returns the retained chunks concatenated in arrival order, or nil
// when the buffer is empty. The result is a copy.
func (b *ChunkBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Chunks returns a copy of the retained chunks.
func (b *ChunkBuffer) Chunks() [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([][]byte, len(b.chunks))
	for i, c := range b.chunks {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

// Clear discards all retained chunks.
func (b *ChunkBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = nil
	b.size = 0
}

// Len returns the number of buffered bytes.
func (b *ChunkBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Count returns the number of retained chunks.
func (b *ChunkBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Cap returns the byte capacity of the buffer.
func (b *ChunkBuffer) Cap() int {
	return b.capacity
}
