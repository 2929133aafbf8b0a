package wire

import (
	"bytes"
	"testing"

	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/route"
)

func TestInternalPacketRoundTripWithRoute(t *testing.T) {
	p := &InternalPacket{
		Type:       PacketData,
		PrevNodeID: 1,
		DestNodeID: 3,
		IsResponse: false,
		Route:      &route.PacketRoute{Path: []meshid.NodeID{1, 2, 3}, Step: 1, HasSlept: true},
		Payload:    []byte("hello"),
	}

	frame := p.Marshal()
	got, err := UnmarshalInternalPacket(frame)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != p.Type || got.PrevNodeID != p.PrevNodeID || got.DestNodeID != p.DestNodeID {
		t.Fatalf("scalar mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
	if got.Route == nil || got.Route.Step != 1 || !got.Route.HasSlept {
		t.Fatalf("route mismatch: %+v", got.Route)
	}
	if len(got.Route.Path) != 3 || got.Route.Path[2] != 3 {
		t.Fatalf("route path mismatch: %v", got.Route.Path)
	}
}

func TestInternalPacketRoundTripWithoutRoute(t *testing.T) {
	p := CreateHello(meshid.NodeID(1), meshid.NodeID(2))

	frame := p.Marshal()
	got, err := UnmarshalInternalPacket(frame)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != PacketHello || got.Route != nil {
		t.Fatalf("expected HELLO with nil route, got %+v", got)
	}
}

func TestInternalPacketChecksumDetectsCorruption(t *testing.T) {
	p := CreateHello(meshid.NodeID(1), meshid.NodeID(2))
	frame := p.Marshal()
	frame[len(frame)-1] ^= 0xFF

	if _, err := UnmarshalInternalPacket(frame); err != ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	p := &InternalPacket{
		Route:   &route.PacketRoute{Path: []meshid.NodeID{1, 2}, Step: 0},
		Payload: []byte("x"),
	}
	clone := p.Clone()
	clone.Route.Step = 1
	clone.Payload[0] = 'y'

	if p.Route.Step != 0 {
		t.Fatalf("mutating clone's route mutated the original")
	}
	if p.Payload[0] != 'x' {
		t.Fatalf("mutating clone's payload mutated the original")
	}
}

func TestFromExternalSetsDestFromRoute(t *testing.T) {
	ext := &ExternalPacket{Type: ExternalHTTP, SourceAddr: "c", DestAddr: "s", DestPort: 80}
	pr := route.New([]meshid.NodeID{1, 2, 3})

	p, err := FromExternal(ext, meshid.NodeID(1), pr, false)
	if err != nil {
		t.Fatalf("FromExternal: %v", err)
	}
	if p.Type != PacketData || p.DestNodeID != meshid.NodeID(3) || p.PrevNodeID != meshid.NodeID(1) {
		t.Fatalf("unexpected packet shape: %+v", p)
	}
	if len(p.Payload) == 0 {
		t.Fatal("expected marshaled external payload")
	}
}
