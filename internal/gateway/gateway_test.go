package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/route"
	"github.com/wander-mesh/wander/internal/wire"
)

type fakeDialer struct {
	conn net.Conn
	err  error
	dials int
}

func (f *fakeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	f.dials++
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

type recordingLink struct {
	mu   sync.Mutex
	sent []sentCall
}

type sentCall struct {
	dest meshid.NodeID
	pkt  *wire.InternalPacket
}

func (l *recordingLink) Send(_ context.Context, pkt *wire.InternalPacket, dest meshid.NodeID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sentCall{dest: dest, pkt: pkt})
	return len(pkt.Payload), nil
}
func (l *recordingLink) Recv(context.Context, meshid.NodeID) (*wire.InternalPacket, error) {
	return nil, nil
}
func (l *recordingLink) CanConnect(meshid.NodeID) bool                { return true }
func (l *recordingLink) InitKnownNodes(meshid.NodeID) []meshid.NodeID { return nil }

func (l *recordingLink) snapshot() []sentCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]sentCall, len(l.sent))
	copy(out, l.sent)
	return out
}

func requestPacket(isResponse bool) *wire.InternalPacket {
	ext := &wire.ExternalPacket{Type: wire.ExternalHTTP, SourceAddr: "client", DestAddr: "10.0.0.9", DestPort: 80, Payload: []byte("GET /")}
	payload, _ := ext.Marshal()
	return &wire.InternalPacket{
		Type:       wire.PacketData,
		IsResponse: isResponse,
		Route:      &route.PacketRoute{Path: []meshid.NodeID{1, 2, 3}, Step: 2},
		Payload:    payload,
	}
}

func TestDeliverResponsePacketJustWritesAndReturns(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go io.Copy(io.Discard, server)

	lk := &recordingLink{}
	dl := &fakeDialer{conn: client}
	gw := New(Config{Self: 3, Link: lk, Dialer: dl})

	pkt := requestPacket(true)
	if err := gw.Deliver(context.Background(), pkt); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(lk.snapshot()) != 0 {
		t.Fatal("response delivery should not relay further packets over the link")
	}
}

func TestDeliverFreshRequestStreamsResponseChunks(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	var serverReceived bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(&serverReceived, io.LimitReader(server, 5))
		server.Write([]byte("reply-chunk"))
		server.Close()
	}()

	lk := &recordingLink{}
	dl := &fakeDialer{conn: client}
	gw := New(Config{Self: 3, Link: lk, Dialer: dl, ChunkSize: 64})

	pkt := requestPacket(false)
	if err := gw.Deliver(context.Background(), pkt); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	<-done

	if serverReceived.String() != "GET /" {
		t.Fatalf("expected payload written to server, got %q", serverReceived.String())
	}

	sent := lk.snapshot()
	if len(sent) != 1 {
		t.Fatalf("expected 1 response chunk relayed, got %d", len(sent))
	}
	if !sent[0].pkt.IsResponse {
		t.Fatal("expected relayed chunk marked is_response")
	}
	if sent[0].dest != 2 {
		t.Fatalf("expected relay toward reversed path's first hop (2), got %v", sent[0].dest)
	}
}

func TestDeliverWrapsDialFailure(t *testing.T) {
	lk := &recordingLink{}
	dl := &fakeDialer{err: errors.New("connection refused")}
	gw := New(Config{Self: 3, Link: lk, Dialer: dl, MaxRetries: 1})

	pkt := requestPacket(false)
	err := gw.Deliver(context.Background(), pkt)
	if err == nil {
		t.Fatal("expected dial failure to propagate")
	}
}

func TestDeliverRejectsMalformedPayload(t *testing.T) {
	lk := &recordingLink{}
	dl := &fakeDialer{}
	gw := New(Config{Self: 3, Link: lk, Dialer: dl})

	pkt := &wire.InternalPacket{Payload: []byte{1, 2, 3}}
	if err := gw.Deliver(context.Background(), pkt); !errors.Is(err, ErrNotGatewayPacket) {
		t.Fatalf("expected ErrNotGatewayPacket, got %v", err)
	}
}

func TestDialWithBackoffRespectsContextCancellation(t *testing.T) {
	lk := &recordingLink{}
	dl := &fakeDialer{err: errors.New("still refusing")}
	gw := New(Config{Self: 3, Link: lk, Dialer: dl, MaxRetries: 10, DialTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	pkt := requestPacket(false)
	if err := gw.Deliver(ctx, pkt); err == nil {
		t.Fatal("expected error after context deadline")
	}
}
