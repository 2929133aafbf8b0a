package route

import "github.com/wander-mesh/wander/internal/meshid"

// Entry is a single discovered route held in a node's routing table: a
// path from SourceID (this node) to DestinationID, with the time it took
// to discover it.
type Entry struct {
	SourceID      meshid.NodeID
	DestinationID meshid.NodeID
	Path          []meshid.NodeID
	TimeTakenUS   uint64
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	return &Entry{
		SourceID:      e.SourceID,
		DestinationID: e.DestinationID,
		Path:          meshid.ClonePath(e.Path),
		TimeTakenUS:   e.TimeTakenUS,
	}
}

// RoutingContext accumulates the state a ROUTING flood packet carries as
// it is walked depth-first across the mesh.
type RoutingContext struct {
	SourceID   meshid.NodeID
	TotalNodes int
	Visited    []bool
	Path       []meshid.NodeID
	T0Micros   uint64
}

// NewRoutingContext starts a fresh flood context at source, sized for
// totalNodes known ids (Visited is indexed by id, so ids 1..totalNodes
// have slots and slot 0 is unused).
func NewRoutingContext(source meshid.NodeID, totalNodes int, t0Micros uint64) *RoutingContext {
	ctx := &RoutingContext{
		SourceID:   source,
		TotalNodes: totalNodes,
		Visited:    make([]bool, totalNodes+1),
		Path:       []meshid.NodeID{source},
		T0Micros:   t0Micros,
	}
	ctx.Visited[source] = true
	return ctx
}

// HasVisited reports whether id has already been walked in this flood.
func (c *RoutingContext) HasVisited(id meshid.NodeID) bool {
	if int(id) >= len(c.Visited) {
		return false
	}
	return c.Visited[id]
}

// Extend returns a copy of the context with id marked visited and
// appended to the walked path, for forwarding to the next hop.
func (c *RoutingContext) Extend(id meshid.NodeID) *RoutingContext {
	next := &RoutingContext{
		SourceID:   c.SourceID,
		TotalNodes: c.TotalNodes,
		Visited:    make([]bool, len(c.Visited)),
		Path:       append(meshid.ClonePath(c.Path), id),
		T0Micros:   c.T0Micros,
	}
	copy(next.Visited, c.Visited)
	next.Visited[id] = true
	return next
}

// RouteDonePayload is carried by a ROUTING_DONE packet as it walks back
// from the discovered gateway to the route's origin, one hop at a time.
type RouteDonePayload struct {
	Route               *Entry
	StepFromDestination int
}

// NextHop returns the node id the ROUTING_DONE packet should be forwarded
// to next, walking the discovered path backwards from its destination.
func (p *RouteDonePayload) NextHop() meshid.NodeID {
	idx := len(p.Route.Path) - p.StepFromDestination - 1
	return p.Route.Path[idx]
}

// Origin reports whether the payload has walked all the way back to the
// route's originating node.
func (p *RouteDonePayload) Origin() bool {
	return p.StepFromDestination >= len(p.Route.Path)-1
}
