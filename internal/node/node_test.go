package node

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/wire"
)

// alwaysFailDialer makes gateway delivery fail instantly instead of
// hitting real DNS/network, so tests that exercise the failure-propagation
// path stay fast and hermetic.
type alwaysFailDialer struct{}

func (alwaysFailDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("dialing disabled in test")
}

// fakeLink is a minimal link.Link usable by node tests: Send records what
// it was given, Recv delivers queued packets (or blocks until ctx is done).
type fakeLink struct {
	mu        sync.Mutex
	sent      []sentCall
	recvQueue chan *wire.InternalPacket
	canConn   bool
}

type sentCall struct {
	dest meshid.NodeID
	pkt  *wire.InternalPacket
}

func newFakeLink() *fakeLink {
	return &fakeLink{recvQueue: make(chan *wire.InternalPacket, 8)}
}

func (f *fakeLink) Send(_ context.Context, pkt *wire.InternalPacket, dest meshid.NodeID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCall{dest: dest, pkt: pkt.Clone()})
	return len(pkt.Payload), nil
}

func (f *fakeLink) Recv(ctx context.Context, _ meshid.NodeID) (*wire.InternalPacket, error) {
	select {
	case pkt := <-f.recvQueue:
		return pkt, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (f *fakeLink) CanConnect(meshid.NodeID) bool                { return f.canConn }
func (f *fakeLink) InitKnownNodes(meshid.NodeID) []meshid.NodeID { return []meshid.NodeID{1, 2} }

func (f *fakeLink) snapshot() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCall, len(f.sent))
	copy(out, f.sent)
	return out
}

func testConfig(self meshid.NodeID, port uint16) Config {
	return Config{
		Self:            self,
		HelloInterval:   time.Hour,
		KnownNodesCount: 8,
		MaxConnections:  4,
		MaxThreads:      2,
		QueueSize:       8,
		DevicePortStart: port,
	}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func TestInitRunCloseLifecycle(t *testing.T) {
	base := freePort(t)
	lk := newFakeLink()
	n, err := Init(testConfig(1, base-1), lk)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Run(ctx)

	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCloseIsResponsiveWithinBound(t *testing.T) {
	base := freePort(t)
	lk := newFakeLink()
	cfg := testConfig(2, base-2)
	cfg.HelloInterval = 50 * time.Millisecond
	n, err := Init(cfg, lk)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Run(ctx)

	start := time.Now()
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Close took too long: %v", elapsed)
	}
}

func TestDispatchHelloTouchesNeighborTable(t *testing.T) {
	base := freePort(t)
	lk := newFakeLink()
	n, err := Init(testConfig(3, base-3), lk)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer n.listener.Close()

	n.dispatch(context.Background(), wire.CreateHello(4, 3))

	if !n.neighbors.Contains(4) {
		t.Fatal("expected HELLO dispatch to register neighbor 4")
	}
}

func TestAcceptLoopHandlesClientConnection(t *testing.T) {
	base := freePort(t)
	lk := newFakeLink()
	lk.canConn = false // not gateway-capable, so forwarding falls to bogo/discovery
	cfg := testConfig(5, base-5)
	cfg.GatewayDialer = alwaysFailDialer{}
	cfg.GatewayMaxRetries = 1
	n, err := Init(cfg, lk)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Run(ctx)
	defer n.Close()

	addr := n.listener.Addr().String()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ext := &wire.ExternalPacket{Type: wire.ExternalHTTP, SourceAddr: "client", DestAddr: "10.0.0.5", DestPort: 80, Payload: []byte("GET /")}
	frame, err := ext.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection should eventually be closed by the server once the
	// worker finishes handling it (no gateway capability, no routes, no
	// neighbors -> falls through to failure propagation and closes).
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatal("expected connection to be closed by server")
	}
}
