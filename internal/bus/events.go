// Package bus fans store change and capacity signals out to subscribers.
package bus

import (
	"sync"
	"time"
)

// Change says a record of Kind for ID was written or removed. An empty ID
// with Kind "clear" means every record went away.
type Change struct {
	Kind string    `json:"kind"`
	ID   string    `json:"id,omitempty"`
	At   time.Time `json:"at"`
}

// CapacityEvent reports a write that the store refused because it would
// exceed its size limit.
type CapacityEvent struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Size  int64  `json:"size"`
	Limit int64  `json:"limit"`
}

// Hub holds subscriber callbacks. Callbacks run synchronously on the
// publishing goroutine and must not block.
type Hub struct {
	mu       sync.RWMutex
	nextID   uint64
	changes  map[uint64]func(Change)
	capacity map[uint64]func(CapacityEvent)
}

func NewHub() *Hub {
	return &Hub{
		changes:  make(map[uint64]func(Change)),
		capacity: make(map[uint64]func(CapacityEvent)),
	}
}

// OnChange registers fn and returns its unsubscribe func. Unsubscribing twice is harmless.
func (h *Hub) OnChange(fn func(Change)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.changes[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.changes, id)
		h.mu.Unlock()
	}
}

// OnCapacityExceeded registers fn and returns its unsubscribe func.
func (h *Hub) OnCapacityExceeded(fn func(CapacityEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.capacity[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.capacity, id)
		h.mu.Unlock()
	}
}

func (h *Hub) PublishChange(c Change) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	h.mu.RLock()
	fns := make([]func(Change), 0, len(h.changes))
	for _, fn := range h.changes {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (h *Hub) PublishCapacity(ev CapacityEvent) {
	h.mu.RLock()
	fns := make([]func(CapacityEvent), 0, len(h.capacity))
	for _, fn := range h.capacity {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribers reports the number of live change and capacity callbacks.
func (h *Hub) Subscribers() (changes, capacity int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.changes), len(h.capacity)
}
