// Package neighbor implements a node's neighbor table: the slotted,
// expiring record of which other node ids this node has recently heard a
// HELLO from.
package neighbor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wander-mesh/wander/internal/meshid"
)

// Entry is one neighbor table slot: a node id and when it was last heard
// from directly.
type Entry struct {
	NodeID   meshid.NodeID
	LastSeen time.Time
}

// Config configures a Table.
type Config struct {
	// Count sizes the slot array; ids 1..Count are addressable.
	Count int
	// ExpiryAfter is how long without a HELLO before a neighbor is
	// considered stale and swept.
	ExpiryAfter time.Duration
	// Logger for table events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// SweepResult reports what a single expiry sweep did, so the HELLO poller
// can apply the mass-churn heuristic and per-neighbor route invalidation.
type SweepResult struct {
	PreSweepCount int
	NewNeighbors  int
	Removed       []meshid.NodeID
}

// RemovedFraction returns Removed/PreSweepCount, or 0 if the table was
// already empty before the sweep.
func (r SweepResult) RemovedFraction() float64 {
	if r.PreSweepCount == 0 {
		return 0
	}
	return float64(len(r.Removed)) / float64(r.PreSweepCount)
}

// NewFraction returns NewNeighbors/PreSweepCount, or 0 if the table was
// already empty before the sweep.
func (r SweepResult) NewFraction() float64 {
	if r.PreSweepCount == 0 {
		return 0
	}
	return float64(r.NewNeighbors) / float64(r.PreSweepCount)
}

// Table is a node's neighbor table: a fixed array of optional slots indexed
// by id-1, mutated only under mu.
type Table struct {
	cfg Config
	log *slog.Logger

	mu                sync.Mutex
	slots             []*Entry
	newNeighborsCount int

	nowFn func() time.Time
}

// New creates an empty neighbor table sized for cfg.Count ids.
func New(cfg Config) *Table {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		cfg:   cfg,
		log:   logger.WithGroup("neighbor"),
		slots: make([]*Entry, cfg.Count),
		nowFn: time.Now,
	}
}

// Touch records a HELLO (or other direct contact) from id, allocating a new
// slot and incrementing the new-neighbor counter if id was not already
// known, and refreshing LastSeen either way.
func (t *Table) Touch(id meshid.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := int(id) - 1
	if idx < 0 || idx >= len(t.slots) {
		return
	}
	now := t.nowFn()
	if t.slots[idx] == nil {
		t.slots[idx] = &Entry{NodeID: id, LastSeen: now}
		t.newNeighborsCount++
		return
	}
	t.slots[idx].LastSeen = now
}

// Contains reports whether id is a currently-tracked neighbor.
func (t *Table) Contains(id meshid.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := int(id) - 1
	return idx >= 0 && idx < len(t.slots) && t.slots[idx] != nil
}

// Count returns the number of live neighbors.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.liveCountLocked()
}

func (t *Table) liveCountLocked() int {
	n := 0
	for _, e := range t.slots {
		if e != nil {
			n++
		}
	}
	return n
}

// Snapshot returns the ids of all currently live neighbors.
func (t *Table) Snapshot() []meshid.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]meshid.NodeID, 0, t.liveCountLocked())
	for _, e := range t.slots {
		if e != nil {
			out = append(out, e.NodeID)
		}
	}
	return out
}

// Remove explicitly drops id from the table, e.g. when a send to it fails
// outright. Returns true if id had been present.
func (t *Table) Remove(id meshid.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := int(id) - 1
	if idx < 0 || idx >= len(t.slots) || t.slots[idx] == nil {
		return false
	}
	t.slots[idx] = nil
	return true
}

// Sweep removes every neighbor whose LastSeen is older than cfg.ExpiryAfter
// and resets the new-neighbor counter for the next sweep window.
func (t *Table) Sweep() SweepResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	result := SweepResult{
		PreSweepCount: t.liveCountLocked(),
		NewNeighbors:  t.newNeighborsCount,
	}
	for i, e := range t.slots {
		if e == nil {
			continue
		}
		if now.Sub(e.LastSeen) > t.cfg.ExpiryAfter {
			result.Removed = append(result.Removed, e.NodeID)
			t.slots[i] = nil
		}
	}
	t.newNeighborsCount = 0
	return result
}
