package route

import (
	"container/list"
	"errors"
	"math/rand"
	"sync"

	"github.com/wander-mesh/wander/internal/meshid"
)

// ErrTableEmpty is returned by GetRandom when the table holds no entries.
var ErrTableEmpty = errors.New("route: table is empty")

// Table is a node's routing table: discovered routes to gateway-capable
// nodes, kept as a doubly-linked list so entries can be appended or
// removed mid-iteration in O(1). Guarded by a mutex: the forwarding
// engine reaches this table from more than one goroutine (the receive
// loop and external-listener workers), so a single-writer discipline
// cannot be assumed.
type Table struct {
	// MaxWaitUS caps the "longest time used" figure that GetRandom uses
	// to normalize slower routes.
	MaxWaitUS uint64

	mu   sync.Mutex
	list *list.List
}

// NewTable creates an empty routing table that normalizes sleep times
// against maxWaitUS.
func NewTable(maxWaitUS uint64) *Table {
	return &Table{MaxWaitUS: maxWaitUS, list: list.New()}
}

// Empty reports whether the table holds no entries.
func (t *Table) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Len() == 0
}

// Len returns the number of entries in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Len()
}

// Append adds entry to the end of the table.
func (t *Table) Append(entry *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.list.PushBack(entry)
}

// longestTimeUsed returns the largest TimeTakenUS across all entries,
// capped at t.MaxWaitUS. Must be called with t.mu held.
func (t *Table) longestTimeUsed() uint64 {
	var longest uint64
	for e := t.list.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*Entry)
		if entry.TimeTakenUS > longest {
			longest = entry.TimeTakenUS
		}
	}
	if longest > t.MaxWaitUS {
		longest = t.MaxWaitUS
	}
	return longest
}

// GetRandom returns a copy of a uniformly random entry, with its
// TimeTakenUS field overwritten by the "sleep" value the forwarding
// engine should wait before using it: the gap between the slowest route
// currently known (capped at MaxWaitUS) and this entry's own cost, floored
// at zero. The entry itself is chosen uniformly; the sleep only
// normalizes latency, so a fast route ends up taking about as long as the
// slowest known one.
func (t *Table) GetRandom() (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.list.Len()
	if n == 0 {
		return nil, ErrTableEmpty
	}
	longest := t.longestTimeUsed()

	target := rand.Intn(n)
	e := t.list.Front()
	for i := 0; i < target; i++ {
		e = e.Next()
	}
	entry := e.Value.(*Entry)

	sleep := int64(longest) - int64(entry.TimeTakenUS)
	if sleep < 0 {
		sleep = 0
	}

	result := entry.Clone()
	result.TimeTakenUS = uint64(sleep)
	return result, nil
}

// Remove deletes every entry whose destination is id, returning the count
// removed.
func (t *Table) Remove(id meshid.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for e := t.list.Front(); e != nil; {
		next := e.Next()
		if e.Value.(*Entry).DestinationID == id {
			t.list.Remove(e)
			removed++
		}
		e = next
	}
	return removed
}

// InvalidateContaining removes every entry whose path contains id
// anywhere (not only as the destination), used when a neighbor is
// individually expired or dropped. Returns the count removed.
func (t *Table) InvalidateContaining(id meshid.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for e := t.list.Front(); e != nil; {
		next := e.Next()
		if meshid.Contains(e.Value.(*Entry).Path, id) {
			t.list.Remove(e)
			removed++
		}
		e = next
	}
	return removed
}

// PurgeAll removes every entry in the table, used by the neighbor churn
// heuristic when the mesh around this node has changed too much to trust
// any previously discovered route.
func (t *Table) PurgeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.list.Init()
}
