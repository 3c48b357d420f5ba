package sender

import (
	"fmt"
	"sync"
)

// OverflowPolicy decides what a full Ring does with a new payload.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest payload.
	DropOldest OverflowPolicy = iota
	// DropNewest rejects the incoming payload.
	DropNewest
)

func (p OverflowPolicy) String() string {
	if p == DropNewest {
		return "drop-newest"
	}
	return "drop-oldest"
}

// ParseOverflowPolicy parses "drop-oldest" or "drop-newest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "drop-oldest", "":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("sender: unknown overflow policy %q", s)
	}
}

// Ring is a fixed-capacity FIFO of payloads, safe for concurrent use.
type Ring struct {
	policy OverflowPolicy

	mu      sync.Mutex
	items   [][]byte
	head    int
	size    int
	dropped uint64
	ready   chan struct{}
}

// NewRing creates a ring holding at most capacity payloads.
func NewRing(capacity int, policy OverflowPolicy) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		policy: policy,
		items:  make([][]byte, capacity),
		ready:  make(chan struct{}, 1),
	}
}

// Push queues p. It returns false when a payload was dropped to honor the
// capacity, which under DropNewest is p itself.
func (r *Ring) Push(p []byte) bool {
	r.mu.Lock()
	ok := true
	switch {
	case r.size < len(r.items):
		r.items[(r.head+r.size)%len(r.items)] = p
		r.size++
	case r.policy == DropNewest:
		r.dropped++
		ok = false
	default:
		r.items[r.head] = p
		r.head = (r.head + 1) % len(r.items)
		r.dropped++
		ok = false
	}
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return ok
}

// Pop removes and returns the oldest payload.
func (r *Ring) Pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return nil, false
	}
	p := r.items[r.head]
	r.items[r.head] = nil
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return p, true
}

// Drain removes and returns every queued payload, oldest first.
func (r *Ring) Drain() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, 0, r.size)
	for r.size > 0 {
		out = append(out, r.items[r.head])
		r.items[r.head] = nil
		r.head = (r.head + 1) % len(r.items)
		r.size--
	}
	return out
}

// Ready is signaled after every Push. A single signal may cover several
// pushes.
func (r *Ring) Ready() <-chan struct{} { return r.ready }

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring) Cap() int { return len(r.items) }

// Dropped returns the number of payloads lost to overflow.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
