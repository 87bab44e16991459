package stats

import "github.com/lorawan-server/sc-gateway/internal/models"

// History is a fixed-size FIFO of recent uplinks; the oldest entry is
// overwritten when full.
type History struct {
	data  []models.HistoryEntry
	head  int // next write
	count int
}

// NewHistory creates a history of the given capacity (0 keeps nothing)
func NewHistory(capacity int) *History {
	if capacity < 0 {
		capacity = 0
	}
	return &History{data: make([]models.HistoryEntry, capacity)}
}

// Cap returns the capacity
func (h *History) Cap() int { return len(h.data) }

// Len returns the number of stored entries
func (h *History) Len() int { return h.count }

// Push adds an entry
func (h *History) Push(e models.HistoryEntry) {
	if len(h.data) == 0 {
		return
	}
	h.data[h.head] = e
	h.head = (h.head + 1) % len(h.data)
	if h.count < len(h.data) {
		h.count++
	}
}

// Entries returns the stored entries, newest first
func (h *History) Entries() []models.HistoryEntry {
	out := make([]models.HistoryEntry, h.count)
	for i := 0; i < h.count; i++ {
		idx := (h.head - 1 - i + len(h.data)) % len(h.data)
		out[i] = h.data[idx]
	}
	return out
}
