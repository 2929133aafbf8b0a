// Package route holds the source-routed path type carried by DATA
// packets, the discovered-route entry a ROUTING_DONE packet carries back,
// and the per-node routing table of discovered routes.
package route

import (
	"errors"
	"fmt"

	"github.com/wander-mesh/wander/internal/meshid"
)

// ErrDuplicatePath is returned by Validate when a route is not simple.
var ErrDuplicatePath = errors.New("route: path contains a duplicate node id")

// ErrStepOutOfRange is returned by Validate when step is not within
// [0, len(path)).
var ErrStepOutOfRange = errors.New("route: step out of range")

// PacketRoute is the ordered path[0..len) a DATA packet travels, plus the
// cursor tracking which hop is currently processing it.
//
// Invariant: 0 <= Step < len(Path); Path contains no duplicate ids.
type PacketRoute struct {
	Path     []meshid.NodeID
	Step     int
	HasSlept bool
}

// New creates a PacketRoute over path, with the cursor at the origin (step 0).
func New(path []meshid.NodeID) *PacketRoute {
	return &PacketRoute{Path: meshid.ClonePath(path)}
}

// Len returns the number of hops in the route.
func (r *PacketRoute) Len() int {
	return len(r.Path)
}

// Validate checks the route simplicity and step-range invariants.
func (r *PacketRoute) Validate() error {
	if r.Step < 0 || r.Step >= len(r.Path) {
		return fmt.Errorf("%w: step=%d len=%d", ErrStepOutOfRange, r.Step, len(r.Path))
	}
	seen := make(map[meshid.NodeID]struct{}, len(r.Path))
	for _, id := range r.Path {
		if _, ok := seen[id]; ok {
			return ErrDuplicatePath
		}
		seen[id] = struct{}{}
	}
	return nil
}

// FinalHop returns the last node id in the path, the terminal hop.
func (r *PacketRoute) FinalHop() meshid.NodeID {
	return r.Path[len(r.Path)-1]
}

// IsTerminal reports whether self is the terminal hop of this route.
func (r *PacketRoute) IsTerminal(self meshid.NodeID) bool {
	return self == r.FinalHop()
}

// Advance moves the cursor to the next hop and returns its node id. The
// caller is expected to attempt delivery to that id and call Rollback if
// the attempt fails.
func (r *PacketRoute) Advance() meshid.NodeID {
	r.Step++
	return r.Path[r.Step]
}

// Rollback undoes the most recent Advance, used when a send attempt failed.
func (r *PacketRoute) Rollback() {
	r.Step--
}

// Clone returns a deep copy of the route.
func (r *PacketRoute) Clone() *PacketRoute {
	return &PacketRoute{
		Path:     meshid.ClonePath(r.Path),
		Step:     r.Step,
		HasSlept: r.HasSlept,
	}
}

// ReversePrefix builds the route used for failure propagation: the
// reversal of the prefix actually walked (path[0..step]), with the cursor
// reset to 0.
func (r *PacketRoute) ReversePrefix() *PacketRoute {
	prefix := r.Path[:r.Step+1]
	reversed := make([]meshid.NodeID, len(prefix))
	for i, id := range prefix {
		reversed[len(prefix)-1-i] = id
	}
	return &PacketRoute{Path: reversed}
}

// ReverseFull builds the route used by the external gateway to stream
// responses back to the origin: the full path reversed, with the cursor
// set to 1 (pointing at the first hop the response should travel to; the
// gateway node itself is reversed[0]).
func (r *PacketRoute) ReverseFull() *PacketRoute {
	reversed := make([]meshid.NodeID, len(r.Path))
	for i, id := range r.Path {
		reversed[len(r.Path)-1-i] = id
	}
	step := 1
	if len(reversed) <= 1 {
		step = 0
	}
	return &PacketRoute{Path: reversed, Step: step}
}

// CombinePrefix appends entry's path as a new suffix to the prefix of pr
// actually walked so far (pr.Path[0:pr.Step+1]). If entry's path begins
// with the same id the prefix ends on (the usual case: the route's
// source is the node doing the combining), that leading id is dropped so
// the combined path stays simple.
func CombinePrefix(pr *PacketRoute, entry *Entry) *PacketRoute {
	prefix := meshid.ClonePath(pr.Path[:pr.Step+1])
	suffix := entry.Path
	if len(suffix) > 0 && len(prefix) > 0 && suffix[0] == prefix[len(prefix)-1] {
		suffix = suffix[1:]
	}
	combined := append(prefix, suffix...)
	return &PacketRoute{Path: combined, Step: pr.Step, HasSlept: pr.HasSlept}
}
