// Package history keeps a rolling in-memory window of slot occupancy
// transitions. The window uses a circular buffer with dual eviction:
// count-based (buffer capacity) and age-based (max age applied at read
// time). Nothing is persisted.
package history

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/shelfwatch/internal/occupancy"
)

// Slot names used in entries.
const (
	Slot1 = "slot1"
	Slot2 = "slot2"
)

// Entry records a single slot transition.
type Entry struct {
	Slot     string    `json:"slot"`
	Occupied bool      `json:"occupied"`
	At       time.Time `json:"at"`
}

// Window maintains recent slot transitions. It is safe for concurrent
// use: Observe writes under a write lock while readers take a read
// lock.
type Window struct {
	mu      sync.RWMutex
	entries []Entry // circular buffer, pre-allocated
	head    int     // next write position
	count   int     // entries currently stored (≤ len(entries))
	last    occupancy.Result
	maxAge  time.Duration
	loc     *time.Location
	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewWindow creates a window with the given capacity and maximum entry
// age. loc controls the timezone of Summary timestamps; nil falls back
// to time.Local.
func NewWindow(maxEntries int, maxAge time.Duration, loc *time.Location, logger *slog.Logger) *Window {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{
		entries: make([]Entry, maxEntries),
		maxAge:  maxAge,
		loc:     loc,
		nowFunc: time.Now,
		logger:  logger,
	}
}

// Observe compares res with the previously observed result and records
// one entry per slot whose occupancy changed. Both slots start empty.
// Its signature matches an occupancy change callback.
func (w *Window) Observe(res occupancy.Result) {
	now := w.nowFunc()

	w.mu.Lock()
	defer w.mu.Unlock()

	if res.Slot1Occupied != w.last.Slot1Occupied {
		w.append(Entry{Slot: Slot1, Occupied: res.Slot1Occupied, At: now})
	}
	if res.Slot2Occupied != w.last.Slot2Occupied {
		w.append(Entry{Slot: Slot2, Occupied: res.Slot2Occupied, At: now})
	}
	w.last = res
}

func (w *Window) append(e Entry) {
	w.entries[w.head] = e
	w.head = (w.head + 1) % len(w.entries)
	if w.count < len(w.entries) {
		w.count++
	}
	w.logger.Debug("slot transition recorded", "slot", e.Slot, "occupied", e.Occupied)
}

// Recent returns entries newer than the max age, newest first.
func (w *Window) Recent() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cutoff := w.nowFunc().Add(-w.maxAge)
	bufLen := len(w.entries)

	// The newest entry is at (head-1) mod bufLen, walking backwards.
	out := make([]Entry, 0, w.count)
	for i := 0; i < w.count; i++ {
		e := w.entries[(w.head-1-i+bufLen)%bufLen]
		if e.At.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Summary renders Recent as a human-readable block, or "" when empty.
func (w *Window) Summary() string {
	recent := w.Recent()
	if len(recent) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Recent slot changes:\n")
	for _, e := range recent {
		from, to := "occupied", "empty"
		if e.Occupied {
			from, to = to, from
		}
		fmt.Fprintf(&sb, "- %s: %s → %s (%s)\n", e.Slot, from, to, e.At.In(w.loc).Format(time.RFC3339))
	}
	return sb.String()
}
