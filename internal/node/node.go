// Package node wires together the neighbor table, routing table, worker
// pool, discovery engine, forwarding engine, gateway, and HELLO poller
// into one running mesh node: it owns the external TCP listener clients
// connect to and the dedicated internal receive loop that dispatches
// packets arriving over the link.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/wander-mesh/wander/internal/discovery"
	"github.com/wander-mesh/wander/internal/forwarding"
	"github.com/wander-mesh/wander/internal/gateway"
	"github.com/wander-mesh/wander/internal/hello"
	"github.com/wander-mesh/wander/internal/link"
	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/neighbor"
	"github.com/wander-mesh/wander/internal/request"
	"github.com/wander-mesh/wander/internal/route"
	"github.com/wander-mesh/wander/internal/wire"
	"github.com/wander-mesh/wander/internal/workpool"
)

// Config holds every tunable a node recognizes.
type Config struct {
	Self meshid.NodeID

	HelloInterval   time.Duration
	NeighborExpiry  time.Duration
	KnownNodesCount int

	MaxConnections int
	MaxThreads     int
	QueueSize      int

	MaxRouteTimeUS uint64
	MaxWaitUS      uint64

	DevicePortStart   uint16
	WanderDefaultPort uint16

	// GatewayDialer overrides the gateway's TCP dialer; nil uses a real
	// net.Dialer. Tests supply one that fails without touching the network.
	GatewayDialer gateway.Dialer
	// GatewayMaxRetries overrides the gateway's dial backoff retry count;
	// 0 uses the gateway package default.
	GatewayMaxRetries uint64

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.HelloInterval <= 0 {
		c.HelloInterval = 30 * time.Second
	}
	if c.NeighborExpiry <= 0 {
		c.NeighborExpiry = 3 * c.HelloInterval
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 32
	}
	if c.MaxThreads <= 0 {
		c.MaxThreads = workpool.DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = workpool.DefaultQueueSize
	}
	if c.MaxWaitUS == 0 {
		c.MaxWaitUS = 5_000_000
	}
	if c.MaxRouteTimeUS == 0 {
		c.MaxRouteTimeUS = 30_000_000
	}
	if c.WanderDefaultPort == 0 {
		c.WanderDefaultPort = 7777
	}
}

// Node is one running mesh participant: its tables, engines, worker pool,
// and external TCP listener.
type Node struct {
	cfg Config
	log *slog.Logger

	link      link.Link
	neighbors *neighbor.Table
	routes    *route.Table
	pool      *workpool.Pool
	discovery *discovery.Engine
	forwarder *forwarding.Engine
	gateway   *gateway.Gateway
	poller    *hello.Poller

	listener *net.TCPListener

	mu          sync.Mutex
	running     bool
	connections []net.Conn // fixed-capacity ring of accepted client sockets
	cancel      context.CancelFunc

	recvDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Init creates every owned resource: the listening socket, the neighbor
// and routing tables, the worker pool, and the wired discovery/forwarding/
// gateway/hello components, but does not yet start any loop.
func Init(cfg Config, lk link.Link) (*Node, error) {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("node").With("self", cfg.Self)

	addr := net.JoinHostPort("", strconv.Itoa(int(cfg.DevicePortStart)+int(cfg.Self)))
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("node: resolving listen address: %w", err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listening on %s: %w", addr, err)
	}

	n := &Node{
		cfg:         cfg,
		log:         logger,
		link:        lk,
		listener:    listener,
		connections: make([]net.Conn, 0, cfg.MaxConnections),
		recvDone:    make(chan struct{}),
	}

	n.neighbors = neighbor.New(neighbor.Config{
		Count:       cfg.KnownNodesCount,
		ExpiryAfter: cfg.NeighborExpiry,
		Logger:      logger,
	})
	n.routes = route.NewTable(cfg.MaxWaitUS)
	n.pool = workpool.New(workpool.Config{
		Workers:   cfg.MaxThreads,
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	})

	gatewayCapable := func() bool { return lk.CanConnect(cfg.Self) }

	n.discovery = discovery.New(discovery.Config{
		Self:           cfg.Self,
		TotalNodes:     cfg.KnownNodesCount,
		MaxRouteTimeUS: cfg.MaxRouteTimeUS,
		Link:           lk,
		Neighbors:      n.neighbors,
		Routes:         n.routes,
		GatewayCapable: gatewayCapable,
		Logger:         logger,
	}, nil)

	n.gateway = gateway.New(gateway.Config{
		Self:              cfg.Self,
		Link:              lk,
		Dialer:            cfg.GatewayDialer,
		MaxRetries:        cfg.GatewayMaxRetries,
		WanderDefaultPort: cfg.WanderDefaultPort,
		Logger:            logger,
	})

	n.forwarder = forwarding.New(forwarding.Config{
		Self:              cfg.Self,
		Link:              lk,
		Routes:            n.routes,
		Neighbors:         n.neighbors,
		Gateway:           n.gateway,
		Discoverer:        n.discovery,
		GatewayCapable:    gatewayCapable,
		WanderDefaultPort: cfg.WanderDefaultPort,
		Logger:            logger,
	})

	n.poller = hello.New(hello.Config{
		Self:       cfg.Self,
		KnownNodes: func() []meshid.NodeID { return lk.InitKnownNodes(cfg.Self) },
		Interval:   cfg.HelloInterval,
		Link:       lk,
		Neighbors:  n.neighbors,
		Routes:     n.routes,
		Logger:     logger,
	})

	return n, nil
}

// Run starts the worker pool, the HELLO poller, the dedicated internal
// receive loop, and the external listener's accept loop. It returns once
// every long-running task has been launched; it does not block.
func (n *Node) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	n.mu.Lock()
	n.running = true
	n.cancel = cancel
	n.mu.Unlock()

	n.pool.Start()
	n.poller.Start(runCtx)

	go n.receiveLoop(runCtx)
	go n.acceptLoop(runCtx)
}

// receiveLoop is the node's dedicated receive worker: it blocks on the
// link's recv, then dispatches each packet by type, inline and one at a
// time. Serial dispatch is what keeps packets relayed over the same link
// in send order all the way to the client.
func (n *Node) receiveLoop(ctx context.Context) {
	defer close(n.recvDone)
	for {
		if !n.isRunning() {
			return
		}
		pkt, err := n.link.Recv(ctx, n.cfg.Self)
		if err != nil {
			if ctx.Err() != nil || !n.isRunning() {
				return
			}
			n.log.Debug("recv error", "err", err)
			continue
		}
		if pkt == nil {
			if ctx.Err() != nil || !n.isRunning() {
				return
			}
			continue
		}

		n.dispatch(ctx, pkt)
	}
}

func (n *Node) dispatch(ctx context.Context, pkt *wire.InternalPacket) {
	switch pkt.Type {
	case wire.PacketData:
		n.forwarder.Forward(ctx, pkt)
	case wire.PacketHello:
		n.poller.HandleHello(pkt)
	case wire.PacketRouting:
		n.discovery.HandleRouting(ctx, pkt)
	case wire.PacketRoutingDone:
		n.discovery.HandleRoutingDone(ctx, pkt)
	case wire.PacketPurge:
		n.log.Info("received purge", "from", pkt.PrevNodeID)
	default:
		n.log.Debug("dropping packet of unknown type", "type", pkt.Type)
	}
}

// acceptLoop polls the listening socket with a bounded deadline so Close
// can unblock it promptly, accepting clients into the fixed-capacity
// connection ring and handing each one a short-lived worker.
func (n *Node) acceptLoop(ctx context.Context) {
	const pollInterval = 10 * time.Millisecond
	for {
		if !n.isRunning() {
			return
		}
		n.listener.SetDeadline(time.Now().Add(pollInterval))
		conn, err := n.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !n.isRunning() {
				return
			}
			n.log.Debug("accept error", "err", err)
			continue
		}

		if !n.track(conn) {
			conn.Close()
			continue
		}

		c := conn
		if err := n.pool.Submit(func() { n.handleClient(ctx, c) }); err != nil {
			n.untrack(c)
			c.Close()
			return
		}
	}
}

func (n *Node) track(conn net.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.connections) >= n.cfg.MaxConnections {
		return false
	}
	n.connections = append(n.connections, conn)
	return true
}

func (n *Node) untrack(conn net.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.connections {
		if c == conn {
			n.connections = append(n.connections[:i], n.connections[i+1:]...)
			return
		}
	}
}

// handleClient reads exactly one external packet from a freshly accepted
// client socket, validates its checksum, and hands it to the forwarding
// engine as a fresh DATA packet whose route is just this node: the engine
// decides from there whether a cached route, bogo, or direct gateway
// delivery carries it onward.
func (n *Node) handleClient(ctx context.Context, conn net.Conn) {
	defer n.untrack(conn)
	defer conn.Close()

	reqID := request.New()
	ctx = request.WithID(ctx, reqID)
	log := n.log.With("request", reqID)

	ext, err := wire.ReadExternalPacket(conn)
	if err != nil {
		if errors.Is(err, wire.ErrChecksumMismatch) {
			log.Info("dropping client packet with bad checksum")
		} else {
			log.Debug("failed reading client packet", "err", err)
		}
		return
	}
	log.Debug("accepted client request", "dest", ext.DestAddr, "port", ext.DestPort)

	pr := route.New([]meshid.NodeID{n.cfg.Self})
	pkt, err := wire.FromExternal(ext, n.cfg.Self, pr, false)
	if err != nil {
		log.Debug("failed wrapping client packet", "err", err)
		return
	}

	n.forwarder.Forward(ctx, pkt)
}

func (n *Node) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Close stops accepting new clients, notifies every accepted client
// socket with a quit sentinel before closing it, stops the worker pool,
// and closes the listener, aggregating every error encountered along the
// way. Close is idempotent; later calls return the first result.
func (n *Node) Close() error {
	n.closeOnce.Do(func() { n.closeErr = n.doClose() })
	return n.closeErr
}

func (n *Node) doClose() error {
	n.mu.Lock()
	n.running = false
	conns := n.connections
	n.connections = nil
	cancel := n.cancel
	n.mu.Unlock()

	// Unblock receiveLoop's link.Recv, which is documented to wake on
	// ctx.Done(), before waiting on recvDone below. acceptLoop exits on
	// its next poll once running is false or the listener is closed.
	if cancel != nil {
		cancel()
	}

	var result *multierror.Error

	if err := n.listener.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing listener: %w", err))
	}
	for _, c := range conns {
		// Best-effort quit sentinel so a client blocked on its read sees
		// something before the socket drops.
		c.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		c.Write([]byte("q"))
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing client conn: %w", err))
		}
	}

	n.poller.Stop()
	n.pool.Stop()

	// recvDone only ever closes if Run launched the receive loop.
	if cancel != nil {
		<-n.recvDone
	}

	return result.ErrorOrNil()
}
