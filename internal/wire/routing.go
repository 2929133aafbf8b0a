package wire

import (
	"encoding/binary"

	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/route"
)

// MarshalRoutingContext encodes a route discovery flood's accumulated
// state for the ROUTING packet payload. The visited bitmap is not
// serialized: it is exactly "id appears in Path" (see route.RoutingContext),
// so UnmarshalRoutingContext reconstructs it by replaying the path.
func MarshalRoutingContext(rc *route.RoutingContext) []byte {
	buf := make([]byte, 2+2+2+len(rc.Path)*2+8)
	i := 0
	binary.LittleEndian.PutUint16(buf[i:], uint16(rc.SourceID))
	i += 2
	binary.LittleEndian.PutUint16(buf[i:], uint16(rc.TotalNodes))
	i += 2
	binary.LittleEndian.PutUint16(buf[i:], uint16(len(rc.Path)))
	i += 2
	for _, id := range rc.Path {
		binary.LittleEndian.PutUint16(buf[i:], uint16(id))
		i += 2
	}
	binary.LittleEndian.PutUint64(buf[i:], rc.T0Micros)
	return buf
}

// UnmarshalRoutingContext decodes a ROUTING packet payload built by
// MarshalRoutingContext.
func UnmarshalRoutingContext(data []byte) (*route.RoutingContext, error) {
	if len(data) < 6 {
		return nil, ErrInternalPacketTooShort
	}
	source := meshid.NodeID(binary.LittleEndian.Uint16(data[0:]))
	totalNodes := int(binary.LittleEndian.Uint16(data[2:]))
	pathLen := int(binary.LittleEndian.Uint16(data[4:]))
	data = data[6:]
	if len(data) < pathLen*2+8 {
		return nil, ErrInternalPacketTooShort
	}
	path := make([]meshid.NodeID, pathLen)
	for i := 0; i < pathLen; i++ {
		path[i] = meshid.NodeID(binary.LittleEndian.Uint16(data[i*2:]))
	}
	t0 := binary.LittleEndian.Uint64(data[pathLen*2:])

	if pathLen == 0 {
		return &route.RoutingContext{SourceID: source, TotalNodes: totalNodes, T0Micros: t0, Visited: make([]bool, totalNodes+1)}, nil
	}
	ctx := route.NewRoutingContext(path[0], totalNodes, t0)
	for _, id := range path[1:] {
		ctx = ctx.Extend(id)
	}
	return ctx, nil
}

// MarshalRouteDonePayload encodes a ROUTING_DONE packet's payload: the
// discovered route entry plus how far the packet has walked back from the
// destination toward the origin.
func MarshalRouteDonePayload(p *route.RouteDonePayload) []byte {
	e := p.Route
	buf := make([]byte, 2+2+2+len(e.Path)*2+8+2)
	i := 0
	binary.LittleEndian.PutUint16(buf[i:], uint16(e.SourceID))
	i += 2
	binary.LittleEndian.PutUint16(buf[i:], uint16(e.DestinationID))
	i += 2
	binary.LittleEndian.PutUint16(buf[i:], uint16(len(e.Path)))
	i += 2
	for _, id := range e.Path {
		binary.LittleEndian.PutUint16(buf[i:], uint16(id))
		i += 2
	}
	binary.LittleEndian.PutUint64(buf[i:], e.TimeTakenUS)
	i += 8
	binary.LittleEndian.PutUint16(buf[i:], uint16(p.StepFromDestination))
	return buf
}

// UnmarshalRouteDonePayload decodes a ROUTING_DONE packet payload built by
// MarshalRouteDonePayload.
func UnmarshalRouteDonePayload(data []byte) (*route.RouteDonePayload, error) {
	if len(data) < 6 {
		return nil, ErrInternalPacketTooShort
	}
	source := meshid.NodeID(binary.LittleEndian.Uint16(data[0:]))
	dest := meshid.NodeID(binary.LittleEndian.Uint16(data[2:]))
	pathLen := int(binary.LittleEndian.Uint16(data[4:]))
	data = data[6:]
	if len(data) < pathLen*2+8+2 {
		return nil, ErrInternalPacketTooShort
	}
	path := make([]meshid.NodeID, pathLen)
	for i := 0; i < pathLen; i++ {
		path[i] = meshid.NodeID(binary.LittleEndian.Uint16(data[i*2:]))
	}
	timeTaken := binary.LittleEndian.Uint64(data[pathLen*2:])
	step := int(binary.LittleEndian.Uint16(data[pathLen*2+8:]))

	return &route.RouteDonePayload{
		Route: &route.Entry{
			SourceID:      source,
			DestinationID: dest,
			Path:          path,
			TimeTakenUS:   timeTaken,
		},
		StepFromDestination: step,
	}, nil
}

// CreateRouting builds a ROUTING flood packet carrying rc, sent by self to
// neighbor.
func CreateRouting(self, neighbor meshid.NodeID, rc *route.RoutingContext) *InternalPacket {
	return &InternalPacket{
		Type:       PacketRouting,
		PrevNodeID: self,
		DestNodeID: neighbor,
		Payload:    MarshalRoutingContext(rc),
	}
}

// CreateRoutingDone builds a ROUTING_DONE packet walking payload back
// toward its route's origin. dest is always the route's origin id; it
// does not change as the packet is relayed hop by hop.
func CreateRoutingDone(self meshid.NodeID, dest meshid.NodeID, payload *route.RouteDonePayload) *InternalPacket {
	return &InternalPacket{
		Type:       PacketRoutingDone,
		PrevNodeID: self,
		DestNodeID: dest,
		Payload:    MarshalRouteDonePayload(payload),
	}
}
