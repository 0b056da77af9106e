package timeline

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultRetention = 24 * time.Hour
	defaultMaxNodes  = 5000
)

// HistoryConfig bounds the buffer. Zero values select defaults.
type HistoryConfig struct {
	Retention time.Duration
	MaxNodes  int
}

// History is a bounded, concurrency-safe record of executed and executing
// nodes, keyed by node ID. Entries older than the retention window (relative
// to the newest scheduled time seen) and entries beyond MaxNodes are evicted
// oldest-first.
type History struct {
	mu    sync.RWMutex
	cfg   HistoryConfig
	byID  map[string]Node
	order []string // ascending ScheduledAt
}

func NewHistory(cfg HistoryConfig) *History {
	return &History{cfg: normalize(cfg), byID: map[string]Node{}}
}

func normalize(cfg HistoryConfig) HistoryConfig {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = defaultMaxNodes
	}
	return cfg
}

// Apply changes the bounds; the new bounds take effect immediately.
func (h *History) Apply(cfg HistoryConfig) {
	h.mu.Lock()
	h.cfg = normalize(cfg)
	h.evictLocked()
	h.mu.Unlock()
}

// Put inserts n, or overlays the existing node with the same ID. A node that
// already reached a terminal status is never changed again.
func (h *History) Put(n Node) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.byID[n.ID]; ok {
		if cur.Status.Terminal() {
			return false
		}
		h.byID[n.ID] = n.Clone()
		return true
	}
	h.byID[n.ID] = n.Clone()
	h.insertLocked(n)
	h.evictLocked()
	_, kept := h.byID[n.ID]
	return kept
}

func (h *History) insertLocked(n Node) {
	i := sort.Search(len(h.order), func(i int) bool {
		return h.byID[h.order[i]].ScheduledAt.After(n.ScheduledAt)
	})
	h.order = append(h.order, "")
	copy(h.order[i+1:], h.order[i:])
	h.order[i] = n.ID
}

func (h *History) evictLocked() {
	if len(h.order) == 0 {
		return
	}
	newest := h.byID[h.order[len(h.order)-1]].ScheduledAt
	cutoff := newest.Add(-h.cfg.Retention)
	drop := 0
	for drop < len(h.order) {
		over := len(h.order)-drop > h.cfg.MaxNodes
		old := h.byID[h.order[drop]].ScheduledAt.Before(cutoff)
		if !over && !old {
			break
		}
		delete(h.byID, h.order[drop])
		drop++
	}
	if drop > 0 {
		h.order = append(h.order[:0], h.order[drop:]...)
	}
}

// Get returns a copy of the node with the given ID.
func (h *History) Get(id string) (Node, bool) {
	h.mu.RLock()
	n, ok := h.byID[id]
	h.mu.RUnlock()
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// Range returns copies of nodes with start <= ScheduledAt <= end, ascending.
func (h *History) Range(start, end time.Time) []Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i := sort.Search(len(h.order), func(i int) bool {
		return !h.byID[h.order[i]].ScheduledAt.Before(start)
	})
	var out []Node
	for ; i < len(h.order); i++ {
		n := h.byID[h.order[i]]
		if n.ScheduledAt.After(end) {
			break
		}
		out = append(out, n.Clone())
	}
	return out
}

// Recent returns up to limit of the newest nodes, newest first.
func (h *History) Recent(limit int) []Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > len(h.order) {
		limit = len(h.order)
	}
	out := make([]Node, 0, limit)
	for i := len(h.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.byID[h.order[i]].Clone())
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	n := len(h.order)
	h.mu.RUnlock()
	return n
}

// Clear drops every entry.
func (h *History) Clear() {
	h.mu.Lock()
	h.byID = map[string]Node{}
	h.order = nil
	h.mu.Unlock()
}
