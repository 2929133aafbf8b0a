package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/route"
)

// InternalType identifies the kind of node-to-node packet.
type InternalType uint8

const (
	PacketData InternalType = iota
	PacketHello
	PacketPurge
	PacketRouting
	PacketRoutingDone
	PacketNone
)

func (t InternalType) String() string {
	switch t {
	case PacketData:
		return "DATA"
	case PacketHello:
		return "HELLO"
	case PacketPurge:
		return "PURGE"
	case PacketRouting:
		return "ROUTING"
	case PacketRoutingDone:
		return "ROUTING_DONE"
	case PacketNone:
		return "NONE"
	default:
		return fmt.Sprintf("INTERNAL_UNKNOWN(%d)", uint8(t))
	}
}

// ErrInternalPacketTooShort is returned when a byte slice is too short to
// hold a valid internal packet frame.
var ErrInternalPacketTooShort = errors.New("wire: internal packet too short")

// InternalPacket is the node-to-node packet used for DATA forwarding,
// HELLO/PURGE neighbor signaling, and ROUTING/ROUTING_DONE discovery.
// Route is only set for PacketData; other types leave it nil (a
// ROUTING_DONE packet carries its discovered path inside its payload).
type InternalPacket struct {
	Type       InternalType
	PrevNodeID meshid.NodeID
	DestNodeID meshid.NodeID
	IsResponse bool
	Route      *route.PacketRoute
	Payload    []byte
}

func marshalRoute(r *route.PacketRoute) []byte {
	if r == nil || len(r.Path) == 0 {
		return []byte{0}
	}
	buf := make([]byte, 1+len(r.Path)*2+1+1)
	buf[0] = byte(len(r.Path))
	i := 1
	for _, id := range r.Path {
		binary.LittleEndian.PutUint16(buf[i:], uint16(id))
		i += 2
	}
	buf[i] = byte(r.Step)
	i++
	if r.HasSlept {
		buf[i] = 1
	}
	return buf
}

func unmarshalRoute(data []byte) (*route.PacketRoute, []byte, error) {
	if len(data) < 1 {
		return nil, nil, ErrInternalPacketTooShort
	}
	n := int(data[0])
	data = data[1:]
	if n == 0 {
		return nil, data, nil
	}
	if len(data) < n*2+2 {
		return nil, nil, ErrInternalPacketTooShort
	}
	path := make([]meshid.NodeID, n)
	for i := 0; i < n; i++ {
		path[i] = meshid.NodeID(binary.LittleEndian.Uint16(data[i*2:]))
	}
	data = data[n*2:]
	r := &route.PacketRoute{
		Path:     path,
		Step:     int(data[0]),
		HasSlept: data[1] != 0,
	}
	return r, data[2:], nil
}

// Marshal encodes p into its wire frame, computing and writing the
// leading checksum.
func (p *InternalPacket) Marshal() []byte {
	routeBytes := marshalRoute(p.Route)

	isResponse := byte(0)
	if p.IsResponse {
		isResponse = 1
	}

	size := checksumLen + 1 + 2 + 2 + 1 + len(routeBytes) + 2 + len(p.Payload)
	frame := make([]byte, size)
	i := checksumLen
	frame[i] = byte(p.Type)
	i++
	binary.LittleEndian.PutUint16(frame[i:], uint16(p.PrevNodeID))
	i += 2
	binary.LittleEndian.PutUint16(frame[i:], uint16(p.DestNodeID))
	i += 2
	frame[i] = isResponse
	i++
	copy(frame[i:], routeBytes)
	i += len(routeBytes)
	binary.LittleEndian.PutUint16(frame[i:], uint16(len(p.Payload)))
	i += 2
	copy(frame[i:], p.Payload)

	binary.LittleEndian.PutUint32(frame[0:], checksum(frame))
	return frame
}

// UnmarshalInternalPacket decodes frame into an InternalPacket, verifying
// its checksum first.
func UnmarshalInternalPacket(frame []byte) (*InternalPacket, error) {
	const minSize = checksumLen + 1 + 2 + 2 + 1
	if len(frame) < minSize {
		return nil, ErrInternalPacketTooShort
	}
	if !ValidateChecksum(frame) {
		return nil, ErrChecksumMismatch
	}

	p := &InternalPacket{}
	i := checksumLen
	p.Type = InternalType(frame[i])
	i++
	p.PrevNodeID = meshid.NodeID(binary.LittleEndian.Uint16(frame[i:]))
	i += 2
	p.DestNodeID = meshid.NodeID(binary.LittleEndian.Uint16(frame[i:]))
	i += 2
	p.IsResponse = frame[i] != 0
	i++

	r, rest, err := unmarshalRoute(frame[i:])
	if err != nil {
		return nil, err
	}
	p.Route = r

	if len(rest) < 2 {
		return nil, ErrInternalPacketTooShort
	}
	payloadLen := int(binary.LittleEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) < payloadLen {
		return nil, ErrInternalPacketTooShort
	}
	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, rest[:payloadLen])
	return p, nil
}

// Clone returns a deep copy of p, safe for independent mutation (notably
// of its embedded route, whose Step/HasSlept a forwarding hop mutates).
func (p *InternalPacket) Clone() *InternalPacket {
	clone := &InternalPacket{
		Type:       p.Type,
		PrevNodeID: p.PrevNodeID,
		DestNodeID: p.DestNodeID,
		IsResponse: p.IsResponse,
	}
	if p.Route != nil {
		clone.Route = p.Route.Clone()
	}
	if len(p.Payload) > 0 {
		clone.Payload = make([]byte, len(p.Payload))
		copy(clone.Payload, p.Payload)
	}
	return clone
}

// FromExternal wraps an external packet as the payload of a DATA internal
// packet addressed along pr, sent by self.
func FromExternal(ext *ExternalPacket, self meshid.NodeID, pr *route.PacketRoute, isResponse bool) (*InternalPacket, error) {
	payload, err := ext.Marshal()
	if err != nil {
		return nil, err
	}
	return &InternalPacket{
		Type:       PacketData,
		PrevNodeID: self,
		DestNodeID: pr.FinalHop(),
		IsResponse: isResponse,
		Route:      pr,
		Payload:    payload,
	}, nil
}

// CreateHello builds a HELLO internal packet announcing self to a
// directly reachable neighbor.
func CreateHello(self, neighbor meshid.NodeID) *InternalPacket {
	return &InternalPacket{
		Type:       PacketHello,
		PrevNodeID: self,
		DestNodeID: neighbor,
	}
}
