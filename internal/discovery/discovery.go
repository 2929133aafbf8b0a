// Package discovery implements the depth-first ROUTING flood and its
// reverse-direction ROUTING_DONE propagation: a node with no usable
// routing-table entry floods a ROUTING packet outward along every
// neighbor edge; the first gateway-capable node each branch reaches
// turns around and walks a ROUTING_DONE back to the flood's origin, one
// hop at a time. Each branch stops at its first gateway; there is no
// global completion signal, so the origin simply collects whichever
// ROUTING_DONE packets make it back.
package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wander-mesh/wander/internal/link"
	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/neighbor"
	"github.com/wander-mesh/wander/internal/route"
	"github.com/wander-mesh/wander/internal/wire"
)

// Config configures an Engine.
type Config struct {
	// Self is this node's id.
	Self meshid.NodeID
	// TotalNodes bounds the flood's visited bitmap.
	TotalNodes int
	// MaxRouteTimeUS discards a discovered route slower than this.
	MaxRouteTimeUS uint64

	Link      link.Link
	Neighbors *neighbor.Table
	Routes    *route.Table

	// GatewayCapable reports whether self can currently reach the external
	// network. Equivalent to link.CanConnect(Self).
	GatewayCapable func() bool

	Logger *slog.Logger

	// nowMicros returns a monotonically increasing microsecond clock,
	// overridable for deterministic tests.
	nowMicros func() uint64
}

// Engine runs route discovery floods for one node.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New creates a discovery Engine. GatewayCapable is required; callers
// that leave nowMicros nil get the wall clock (time.Now in microseconds).
func New(cfg Config, nowMicros func() uint64) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if nowMicros == nil {
		nowMicros = defaultNowMicros
	}
	cfg.nowMicros = nowMicros
	return &Engine{cfg: cfg, log: logger.WithGroup("discovery")}
}

// Initiate seeds a fresh ROUTING flood from self to every current
// neighbor. Called by the forwarding engine after every bogo attempt,
// whether or not a probed neighbor accepted the packet.
func (e *Engine) Initiate(ctx context.Context) {
	neighbors := e.cfg.Neighbors.Snapshot()
	if len(neighbors) == 0 {
		e.log.Debug("route discovery has no neighbors to flood to")
		return
	}
	t0 := e.cfg.nowMicros()
	base := route.NewRoutingContext(e.cfg.Self, e.cfg.TotalNodes, t0)
	for _, nb := range neighbors {
		child := base.Extend(nb)
		pkt := wire.CreateRouting(e.cfg.Self, nb, child)
		if _, err := e.cfg.Link.Send(ctx, pkt, nb); err != nil {
			e.log.Debug("routing flood send failed", "neighbor", nb, "err", err)
		}
	}
}

// HandleRouting processes a received ROUTING packet: if self is
// gateway-capable, it turns the flood around into a ROUTING_DONE; otherwise
// it clones the context onward to every neighbor not yet visited.
func (e *Engine) HandleRouting(ctx context.Context, pkt *wire.InternalPacket) {
	rc, err := wire.UnmarshalRoutingContext(pkt.Payload)
	if err != nil {
		e.log.Warn("dropping malformed ROUTING payload", "err", err)
		return
	}

	elapsed := e.cfg.nowMicros() - rc.T0Micros

	if e.cfg.GatewayCapable() {
		entry := &route.Entry{
			SourceID:      rc.SourceID,
			DestinationID: e.cfg.Self,
			Path:          meshid.ClonePath(rc.Path),
			TimeTakenUS:   elapsed,
		}
		payload := &route.RouteDonePayload{Route: entry, StepFromDestination: 1}
		donePkt := wire.CreateRoutingDone(e.cfg.Self, rc.SourceID, payload)
		prevHop := payload.NextHop()
		e.log.Debug("route discovery reached gateway, turning around",
			"source", rc.SourceID, "elapsed", humanize.SI(float64(elapsed)/1e6, "s"))
		if _, err := e.cfg.Link.Send(ctx, donePkt, prevHop); err != nil {
			e.log.Debug("failed sending ROUTING_DONE", "to", prevHop, "err", err)
		}
		return
	}

	for _, nb := range e.cfg.Neighbors.Snapshot() {
		if rc.HasVisited(nb) {
			continue
		}
		child := rc.Extend(nb)
		pkt := wire.CreateRouting(e.cfg.Self, nb, child)
		if _, err := e.cfg.Link.Send(ctx, pkt, nb); err != nil {
			e.log.Debug("routing flood forward failed", "neighbor", nb, "err", err)
		}
	}
}

// HandleRoutingDone processes a received ROUTING_DONE packet: at the
// route's origin, it accepts or drops the discovered route; elsewhere it
// advances the walk-back one hop closer to the origin.
func (e *Engine) HandleRoutingDone(ctx context.Context, pkt *wire.InternalPacket) {
	payload, err := wire.UnmarshalRouteDonePayload(pkt.Payload)
	if err != nil {
		e.log.Warn("dropping malformed ROUTING_DONE payload", "err", err)
		return
	}

	if pkt.DestNodeID == e.cfg.Self {
		if payload.Route.TimeTakenUS > e.cfg.MaxRouteTimeUS {
			e.log.Debug("dropping slow discovered route",
				"destination", payload.Route.DestinationID,
				"time_taken", humanize.SI(float64(payload.Route.TimeTakenUS)/1e6, "s"))
			return
		}
		e.cfg.Routes.Append(payload.Route)
		e.log.Info("discovered route", "destination", payload.Route.DestinationID,
			"path", payload.Route.Path, "time_taken", humanize.SI(float64(payload.Route.TimeTakenUS)/1e6, "s"))
		return
	}

	payload.StepFromDestination++
	next := payload.NextHop()
	donePkt := wire.CreateRoutingDone(e.cfg.Self, pkt.DestNodeID, payload)
	if _, err := e.cfg.Link.Send(ctx, donePkt, next); err != nil {
		e.log.Debug("failed relaying ROUTING_DONE", "to", next, "err", err)
	}
}

func defaultNowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
