package broker

import (
	"sync"
	"time"
)

// Bar is one streamed real-time bar
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// BarRing is a bounded ring buffer of streamed bars. Once full, the oldest
// bar is overwritten.
type BarRing struct {
	mu    sync.RWMutex
	items []Bar
	head  int
	count int
}

// NewBarRing creates a ring with the given capacity
func NewBarRing(capacity int) *BarRing {
	return &BarRing{items: make([]Bar, capacity)}
}

// Push appends a bar, evicting the oldest when full
func (r *BarRing) Push(bar Bar) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[(r.head+r.count)%len(r.items)] = bar
	if r.count < len(r.items) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.items)
	}
}

// Len returns the number of buffered bars
func (r *BarRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Last returns up to n most recent bars in chronological order
func (r *BarRing) Last(n int) []Bar {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	out := make([]Bar, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.head+start+i)%len(r.items)]
	}
	return out
}
