package executor

import (
	"sync"
	"time"
)

// DefaultHistorySize is the ring capacity when none is configured.
const DefaultHistorySize = 100

// maxQueryRunes bounds the query text kept per entry.
const maxQueryRunes = 200

// HistoryEntry records one Execute call.
type HistoryEntry struct {
	Query         string        `json:"query"`
	ExecutionTime time.Duration `json:"execution_time"`
	Success       bool          `json:"success"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	RowCount      int           `json:"row_count"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Stats aggregates the entries currently in a History.
type Stats struct {
	Count         int           `json:"count"`
	AvgLatency    time.Duration `json:"avg_latency"`
	SuccessRate   float64       `json:"success_rate"`
	SlowCount     int           `json:"slow_count"`
	SlowThreshold time.Duration `json:"slow_threshold"`
}

// History is a fixed-capacity ring of recent executions. When full, the
// oldest entry is overwritten. It is safe for concurrent use.
type History struct {
	mu    sync.Mutex
	buf   []HistoryEntry
	start int
	size  int
}

// NewHistory creates a History holding up to capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]HistoryEntry, capacity)}
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxQueryRunes {
		return s
	}
	return string(r[:maxQueryRunes])
}

// Add appends an entry, evicting the oldest when full.
func (h *History) Add(e HistoryEntry) {
	e.Query = truncate(e.Query)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = e
		h.size++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

// Entries returns the entries in arrival order, oldest first.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, h.size)
	for i := range h.size {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of entries held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Capacity returns the ring size.
func (h *History) Capacity() int { return len(h.buf) }

// Stats computes aggregates over the held entries. Entries at or above
// slow count as slow.
func (h *History) Stats(slow time.Duration) Stats {
	entries := h.Entries()
	s := Stats{Count: len(entries), SlowThreshold: slow}
	if s.Count == 0 {
		return s
	}
	var total time.Duration
	ok := 0
	for _, e := range entries {
		total += e.ExecutionTime
		if e.Success {
			ok++
		}
		if slow > 0 && e.ExecutionTime >= slow {
			s.SlowCount++
		}
	}
	s.AvgLatency = total / time.Duration(s.Count)
	s.SuccessRate = float64(ok) / float64(s.Count)
	return s
}
