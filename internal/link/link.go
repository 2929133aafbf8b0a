// Package link defines the capability boundary a deployment must supply
// the core: send a packet to a node, receive the next packet addressed to
// a node, and ask whether a node currently has a path to the external
// network. The core never assumes a transport; it only calls through this
// interface. Connection lifecycle (start, stop, connected-state) belongs
// to concrete implementations such as internal/simulation, not to this
// boundary.
package link

import (
	"context"
	"errors"

	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/wire"
)

// ErrNoLink is returned by Send when dest is not currently reachable.
var ErrNoLink = errors.New("link: no link to destination")

// Link is the capability boundary between the mesh runtime's core and
// whatever carries bytes between nodes: real radio, UDP, or (for tests and
// cmd/wandersim) internal/simulation's in-memory geometric-reachability
// implementation.
type Link interface {
	// Send delivers pkt to dest, returning the accepted payload length, or
	// ErrNoLink if dest is not currently reachable. The implementation must
	// copy pkt before returning so the caller may reuse or mutate it.
	Send(ctx context.Context, pkt *wire.InternalPacket, dest meshid.NodeID) (int, error)

	// Recv blocks until a packet addressed to self is available or ctx is
	// done / self has shut down, in which case it returns a nil packet and
	// a nil error.
	Recv(ctx context.Context, self meshid.NodeID) (*wire.InternalPacket, error)

	// CanConnect reports whether node can currently reach the external
	// network, i.e. whether it is gateway-capable.
	CanConnect(node meshid.NodeID) bool

	// InitKnownNodes returns the ids self should probe with HELLO.
	InitKnownNodes(self meshid.NodeID) []meshid.NodeID
}
