package manager

import (
	"sync"
	"time"

	"github.com/ernijsansons/pgrouter/router"
)

// maxRecordedQueryLen bounds the SQL text retained per history entry
// so that the ring's memory stays proportional to its length.
const maxRecordedQueryLen = 200

// QueryRecord is an immutable, append-only log entry describing one
// executed query. Used only for observability, never for routing.
type QueryRecord struct {
	Query     string        `json:"query"`
	Class     router.Class  `json:"class"`
	Pool      string        `json:"pool"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	RowCount  int           `json:"row_count"`
	Timestamp time.Time     `json:"timestamp"`
}

// queryHistory is a bounded ring of QueryRecords; the oldest entries
// are evicted first once capacity is reached.
type queryHistory struct {
	mu      sync.Mutex
	records []QueryRecord
	next    int
	full    bool
}

func newQueryHistory(capacity int) *queryHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &queryHistory{records: make([]QueryRecord, capacity)}
}

func (h *queryHistory) Append(record QueryRecord) {
	if len(record.Query) > maxRecordedQueryLen {
		record.Query = record.Query[:maxRecordedQueryLen]
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[h.next] = record
	h.next++
	if h.next == len(h.records) {
		h.next = 0
		h.full = true
	}
}

// Recent returns up to n records, newest first.
func (h *queryHistory) Recent(n int) []QueryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.size()
	if n > size {
		n = size
	}

	out := make([]QueryRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.records)) % len(h.records)
		out = append(out, h.records[idx])
	}
	return out
}

// CountsSince tallies records newer than the cutoff, split by class.
func (h *queryHistory) CountsSince(cutoff time.Time) map[router.Class]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := map[router.Class]int{
		router.ClassRead:      0,
		router.ClassWrite:     0,
		router.ClassAnalytics: 0,
	}
	size := h.size()
	for i := 1; i <= size; i++ {
		idx := (h.next - i + len(h.records)) % len(h.records)
		record := h.records[idx]
		if record.Timestamp.Before(cutoff) {
			// Entries are time-ordered; everything older follows.
			break
		}
		counts[record.Class]++
	}
	return counts
}

func (h *queryHistory) size() int {
	if h.full {
		return len(h.records)
	}
	return h.next
}
