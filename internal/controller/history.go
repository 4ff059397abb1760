package controller

import (
	"sync"

	"github.com/signalsfoundry/emergency-routing/model"
)

// DefaultHistoryLimit bounds the conflict history.
const DefaultHistoryLimit = 100

// History keeps the most recent conflict records, newest first.
type History struct {
	mu      sync.Mutex
	limit   int
	records []model.ConflictRecord
}

// NewHistory returns a history holding at most limit records.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// Record prepends rec, evicting the oldest record when full.
func (h *History) Record(rec model.ConflictRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, model.ConflictRecord{})
	copy(h.records[1:], h.records)
	h.records[0] = rec
	if len(h.records) > h.limit {
		h.records = h.records[:h.limit]
	}
}

// List returns up to n records, newest first. n <= 0 returns everything.
func (h *History) List(n int) []model.ConflictRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	out := make([]model.ConflictRecord, n)
	copy(out, h.records[:n])
	return out
}

// Len returns the number of stored records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
