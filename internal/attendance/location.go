package attendance

import "sync"

// DefaultHistoryCapacity is the number of location points kept per session.
const DefaultHistoryCapacity = 100

// LocationHistory is a bounded, append-only ring of location points. When
// full, the oldest point is overwritten. Safe for concurrent use.
type LocationHistory struct {
	mu    sync.Mutex
	buf   []LocationPoint
	start int
	size  int
}

// NewLocationHistory returns a ring holding at most capacity points.
func NewLocationHistory(capacity int) *LocationHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &LocationHistory{buf: make([]LocationPoint, capacity)}
}

// Append adds p as the newest point.
func (h *LocationHistory) Append(p LocationPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := len(h.buf)
	if h.size < c {
		h.buf[(h.start+h.size)%c] = p
		h.size++
		return
	}
	h.buf[h.start] = p
	h.start = (h.start + 1) % c
}

// Points returns the retained points, oldest first.
func (h *LocationHistory) Points() []LocationPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]LocationPoint, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Last returns the newest point.
func (h *LocationHistory) Last() (LocationPoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size == 0 {
		return LocationPoint{}, false
	}
	return h.buf[(h.start+h.size-1)%len(h.buf)], true
}

// Len returns the number of retained points.
func (h *LocationHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Reset drops every point.
func (h *LocationHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.start, h.size = 0, 0
	clear(h.buf)
}
