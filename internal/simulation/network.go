// Package simulation provides an in-memory link.Link implementation for
// tests and cmd/wandersim: nodes are placed on a 2D plane and can reach
// each other only within a configured radius, modeling the real radio
// layer's geometric reachability without any actual network I/O. The
// per-node packet queues and their locks all live inside one Network
// value owned by the harness; nodes only ever hold their own link.Link
// view of it.
package simulation

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/wander-mesh/wander/internal/link"
	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/wire"
)

// ErrUnknownNode is returned when an operation names a node id the network
// was not configured with.
var ErrUnknownNode = errors.New("simulation: unknown node id")

// Point is a node's position on the simulated plane.
type Point struct {
	X, Y float64
}

func (p Point) distance(o Point) float64 {
	dx := p.X - o.X
	dy := p.Y - o.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Config configures a Network.
type Config struct {
	// Range is the maximum distance at which two nodes can reach each
	// other directly.
	Range float64
	// GatewayNodes names the node ids that report CanConnect == true.
	GatewayNodes map[meshid.NodeID]bool
	Logger       *slog.Logger
}

// nodeQueue is a per-destination FIFO of packets, guarded by a mutex,
// with a buffered notify channel standing in for a condition variable:
// pop selects on it alongside ctx/stop so a blocked Recv is always
// wakeable at shutdown.
type nodeQueue struct {
	mu     sync.Mutex
	buf    []*wire.InternalPacket
	notify chan struct{}
}

func newNodeQueue() *nodeQueue {
	return &nodeQueue{notify: make(chan struct{}, 1)}
}

func (q *nodeQueue) push(pkt *wire.InternalPacket) {
	q.mu.Lock()
	q.buf = append(q.buf, pkt)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *nodeQueue) tryPop() (*wire.InternalPacket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil, false
	}
	pkt := q.buf[0]
	q.buf = q.buf[1:]
	return pkt, true
}

// pop blocks until a packet is available, ctx is done, or stop closes.
func (q *nodeQueue) pop(ctx context.Context, stop <-chan struct{}) *wire.InternalPacket {
	for {
		if pkt, ok := q.tryPop(); ok {
			return pkt
		}
		select {
		case <-q.notify:
			continue
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		}
	}
}

// Network is a shared, in-memory transport connecting every simulated
// node: per-destination packet queues guarded by their own lock and
// condition variable, plus static positions used to compute reachability.
type Network struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	positions map[meshid.NodeID]Point
	queues    map[meshid.NodeID]*nodeQueue

	stopCh chan struct{}
}

// NewNetwork creates an empty simulated network. Call Place for every
// node id before use.
func NewNetwork(cfg Config) *Network {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GatewayNodes == nil {
		cfg.GatewayNodes = map[meshid.NodeID]bool{}
	}
	return &Network{
		cfg:       cfg,
		log:       logger.WithGroup("simulation"),
		positions: make(map[meshid.NodeID]Point),
		queues:    make(map[meshid.NodeID]*nodeQueue),
		stopCh:    make(chan struct{}),
	}
}

// Place registers id at position p, creating its packet queue.
func (n *Network) Place(id meshid.NodeID, p Point) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.positions[id] = p
	if _, ok := n.queues[id]; !ok {
		n.queues[id] = newNodeQueue()
	}
}

// Stop wakes every blocked Recv call, modeling network-wide shutdown.
func (n *Network) Stop() {
	close(n.stopCh)
}

// inRange reports whether a and b are within the configured reach of each
// other. Both must have been placed.
func (n *Network) inRange(a, b meshid.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pa, okA := n.positions[a]
	pb, okB := n.positions[b]
	if !okA || !okB {
		return false
	}
	return pa.distance(pb) <= n.cfg.Range
}

// Link returns a link.Link bound to self, backed by this shared network.
func (n *Network) Link(self meshid.NodeID) link.Link {
	return &nodeLink{net: n, self: self}
}

// nodeLink is the per-node view of a shared Network, satisfying
// link.Link.
type nodeLink struct {
	net  *Network
	self meshid.NodeID
}

func (l *nodeLink) Send(_ context.Context, pkt *wire.InternalPacket, dest meshid.NodeID) (int, error) {
	if !l.net.inRange(l.self, dest) {
		return 0, link.ErrNoLink
	}
	l.net.mu.RLock()
	q, ok := l.net.queues[dest]
	l.net.mu.RUnlock()
	if !ok {
		return 0, link.ErrNoLink
	}
	q.push(pkt.Clone())
	return len(pkt.Payload), nil
}

func (l *nodeLink) Recv(ctx context.Context, self meshid.NodeID) (*wire.InternalPacket, error) {
	l.net.mu.RLock()
	q, ok := l.net.queues[self]
	l.net.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownNode
	}
	return q.pop(ctx, l.net.stopCh), nil
}

func (l *nodeLink) CanConnect(node meshid.NodeID) bool {
	return l.net.cfg.GatewayNodes[node]
}

func (l *nodeLink) InitKnownNodes(self meshid.NodeID) []meshid.NodeID {
	l.net.mu.RLock()
	defer l.net.mu.RUnlock()
	ids := make([]meshid.NodeID, 0, len(l.net.positions))
	for id := range l.net.positions {
		if id != self {
			ids = append(ids, id)
		}
	}
	return ids
}
