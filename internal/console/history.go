package console

import (
	"sync"

	"mcpanel/internal/protocol"
)

// DefaultHistorySize is the number of records kept when no capacity is given.
const DefaultHistorySize = 1000

// History is a fixed-capacity circular buffer of console records. When full,
// the oldest record is overwritten. Reads never mutate the buffer.
type History struct {
	mu       sync.RWMutex
	buf      []protocol.ConsoleRecord
	capacity int
	pos      int // next write position
	full     bool
}

// NewHistory creates a history buffer with the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{
		buf:      make([]protocol.ConsoleRecord, capacity),
		capacity: capacity,
	}
}

// Append adds a record, evicting the oldest one if the buffer is full.
func (h *History) Append(rec protocol.ConsoleRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.pos] = rec
	h.pos = (h.pos + 1) % h.capacity
	if h.pos == 0 {
		h.full = true
	}
}

// Len returns the number of records held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lenLocked()
}

func (h *History) lenLocked() int {
	if h.full {
		return h.capacity
	}
	return h.pos
}

// Cap returns the buffer capacity.
func (h *History) Cap() int { return h.capacity }

// Tail returns the last min(k, Len()) records in arrival order.
func (h *History) Tail(k int) []protocol.ConsoleRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.lenLocked()
	if k > n {
		k = n
	}
	if k <= 0 {
		return []protocol.ConsoleRecord{}
	}

	result := make([]protocol.ConsoleRecord, k)
	start := (h.pos - k + h.capacity) % h.capacity
	if start+k <= h.capacity {
		copy(result, h.buf[start:start+k])
		return result
	}
	copied := copy(result, h.buf[start:])
	copy(result[copied:], h.buf[:k-copied])
	return result
}

// All returns every record in arrival order.
func (h *History) All() []protocol.ConsoleRecord {
	return h.Tail(h.capacity)
}

// Clear empties the buffer.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.buf)
	h.pos = 0
	h.full = false
}
