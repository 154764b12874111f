package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer for audio data. One slot is kept
// free to tell full from empty, so capacity is size-1 bytes.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.Mutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write writes data to the ring buffer
// Returns the number of bytes written (may be less than len(data) if buffer is full)
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(data), rb.spaceLocked())
	first := min(n, rb.size-rb.write)
	copy(rb.buffer[rb.write:], data[:first])
	copy(rb.buffer, data[first:n])
	rb.write = (rb.write + n) % rb.size
	return n
}

// Read reads data from the ring buffer
// Returns the number of bytes read
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(data)
}

// Drain removes and returns everything currently buffered, or nil when empty
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := rb.availableLocked()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	rb.readLocked(out)
	return out
}

func (rb *RingBuffer) readLocked(data []byte) int {
	n := min(len(data), rb.availableLocked())
	first := min(n, rb.size-rb.read)
	copy(data, rb.buffer[rb.read:rb.read+first])
	copy(data[first:n], rb.buffer[:n-first])
	rb.read = (rb.read + n) % rb.size
	return n
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.availableLocked()
}

func (rb *RingBuffer) availableLocked() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// Space returns the number of bytes available to write
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.spaceLocked()
}

func (rb *RingBuffer) spaceLocked() int {
	return rb.size - rb.availableLocked() - 1
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.read == rb.write
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return (rb.write+1)%rb.size == rb.read
}
