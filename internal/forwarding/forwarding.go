// Package forwarding implements the DATA packet decision tree: advance
// along the packet's source route, hand off to the external gateway at a
// terminal hop, fall back to a discovered route from the routing table,
// or fall back further to bogo (randomized neighbor probing) and finally
// route discovery. Failure propagation walks the reversed prefix back
// toward the packet's origin.
package forwarding

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/wander-mesh/wander/internal/link"
	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/request"
	"github.com/wander-mesh/wander/internal/route"
	"github.com/wander-mesh/wander/internal/wire"
)

// Gateway is the external-delivery capability the forwarding engine hands
// terminal-hop packets to. Satisfied by internal/gateway.Gateway.
type Gateway interface {
	Deliver(ctx context.Context, pkt *wire.InternalPacket) error
}

// Discoverer is the route-discovery capability invoked after every bogo
// attempt. Satisfied by internal/discovery.Engine.
type Discoverer interface {
	Initiate(ctx context.Context)
}

// Config configures an Engine.
type Config struct {
	Self           meshid.NodeID
	Link           link.Link
	Routes         *route.Table
	Neighbors      neighborSnapshotter
	Gateway        Gateway
	Discoverer     Discoverer
	GatewayCapable func() bool
	// WanderDefaultPort is the fixed port a FAILURE packet built here
	// addresses the client on, not the original request's external
	// DestPort.
	WanderDefaultPort uint16
	Logger            *slog.Logger

	// sleep is overridable for deterministic tests; defaults to time.Sleep
	// gated on ctx.Done().
	sleep func(ctx context.Context, d time.Duration)
	// randIntn is overridable for deterministic tests.
	randIntn func(n int) int
}

// neighborSnapshotter is the subset of *neighbor.Table the forwarding
// engine needs for bogo candidate selection, kept narrow so tests can
// supply a fixed neighbor list instead of a *neighbor.Table.
type neighborSnapshotter interface {
	Snapshot() []meshid.NodeID
}

// Engine runs the forwarding decision tree for one node.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New creates a forwarding Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.sleep == nil {
		cfg.sleep = ctxSleep
	}
	if cfg.randIntn == nil {
		cfg.randIntn = rand.Intn
	}
	if cfg.WanderDefaultPort == 0 {
		cfg.WanderDefaultPort = 7777
	}
	return &Engine{cfg: cfg, log: logger.WithGroup("forwarding")}
}

func ctxSleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Forward runs pkt through the decision tree until it is delivered,
// handed to the gateway, or abandoned after failure propagation.
func (e *Engine) Forward(ctx context.Context, pkt *wire.InternalPacket) {
	for {
		pr := pkt.Route
		if pr == nil {
			e.log.Warn("dropping DATA packet with no route")
			return
		}

		if !pr.IsTerminal(e.cfg.Self) {
			next := pr.Advance()
			pkt.PrevNodeID = e.cfg.Self
			if _, err := e.cfg.Link.Send(ctx, pkt, next); err != nil {
				pr.Rollback()
				e.log.Debug("advance send failed, falling back to bogo", "next", next, "err", err)
				e.bogoOrPropagate(ctx, pkt)
				return
			}
			return
		}

		if pkt.IsResponse {
			e.deliver(ctx, pkt)
			return
		}

		if e.cfg.GatewayCapable() {
			pr.HasSlept = true
			e.deliver(ctx, pkt)
			return
		}

		if !e.cfg.Routes.Empty() {
			entry, err := e.cfg.Routes.GetRandom()
			if err != nil {
				e.log.Debug("routing table claimed non-empty but GetRandom failed", "err", err)
				e.bogoOrPropagate(ctx, pkt)
				return
			}
			if !pr.HasSlept {
				e.cfg.sleep(ctx, time.Duration(entry.TimeTakenUS)*time.Microsecond)
			}
			pr.HasSlept = true
			pkt.Route = route.CombinePrefix(pr, entry)
			pkt.DestNodeID = pkt.Route.FinalHop()
			continue
		}

		e.bogoOrPropagate(ctx, pkt)
		return
	}
}

// bogoOrPropagate runs bogo, then initiates route discovery either way:
// reaching bogo at all means this node holds no usable route, so the next
// request shouldn't have to gamble on random neighbors again. If bogo
// exhausted every candidate, a failure is propagated back toward the
// origin.
func (e *Engine) bogoOrPropagate(ctx context.Context, pkt *wire.InternalPacket) {
	sent := e.bogo(ctx, pkt)
	if e.cfg.Discoverer != nil {
		e.cfg.Discoverer.Initiate(ctx)
	}
	if sent {
		return
	}
	e.propagateFailure(ctx, pkt)
}

// bogo abandons whatever unwalked suffix pkt's route still carried,
// grows the walked prefix by one slot, and probes random neighbors not
// already in that prefix, retrying on send failure, until one accepts
// the packet or every neighbor has been tried.
func (e *Engine) bogo(ctx context.Context, pkt *wire.InternalPacket) bool {
	candidates := e.cfg.Neighbors.Snapshot()
	tried := make(map[meshid.NodeID]struct{}, len(candidates))
	pr := pkt.Route
	prefix := pr.Path[:pr.Step+1]

	for {
		eligible := make([]meshid.NodeID, 0, len(candidates))
		for _, c := range candidates {
			if meshid.Contains(prefix, c) {
				continue
			}
			if _, done := tried[c]; done {
				continue
			}
			eligible = append(eligible, c)
		}
		if len(eligible) == 0 {
			return false
		}
		pick := eligible[e.cfg.randIntn(len(eligible))]

		grown := route.New(append(meshid.ClonePath(prefix), pick))
		grown.Step = pr.Step + 1
		grown.HasSlept = pr.HasSlept
		candidate := pkt.Clone()
		candidate.Route = grown
		candidate.PrevNodeID = e.cfg.Self
		candidate.DestNodeID = pick

		if _, err := e.cfg.Link.Send(ctx, candidate, pick); err != nil {
			tried[pick] = struct{}{}
			e.log.Debug("bogo candidate rejected", "candidate", pick, "err", err)
			continue
		}
		return true
	}
}

// propagateFailure builds a FAILURE response for pkt's original payload
// and walks it back along the reversed prefix actually traveled. If the
// reversal collapses to the originating node, the failure is handed
// directly to the gateway instead of being sent over the link.
func (e *Engine) propagateFailure(ctx context.Context, pkt *wire.InternalPacket) {
	log := e.log
	if id := request.ID(ctx); id != "" {
		log = log.With("request", id)
	}

	pr := pkt.Route
	ext, err := wire.UnmarshalExternalPacket(pkt.Payload)
	if err != nil {
		log.Debug("cannot build failure, payload is not a valid external packet", "err", err)
		return
	}
	failure := wire.CreateFailure(ext, e.cfg.WanderDefaultPort)
	failurePayload, err := failure.Marshal()
	if err != nil {
		log.Debug("failed marshaling failure payload", "err", err)
		return
	}

	reversed := pr.ReversePrefix()
	failPkt := &wire.InternalPacket{
		Type:       wire.PacketData,
		PrevNodeID: e.cfg.Self,
		IsResponse: true,
		Route:      reversed,
		Payload:    failurePayload,
	}
	failPkt.DestNodeID = reversed.FinalHop()

	if reversed.Len() == 1 {
		if err := e.cfg.Gateway.Deliver(ctx, failPkt); err != nil {
			log.Debug("failed delivering failure to local client", "err", err)
		}
		return
	}

	next := reversed.Advance()
	if _, err := e.cfg.Link.Send(ctx, failPkt, next); err != nil {
		log.Debug("failed propagating failure, abandoning", "next", next, "err", err)
	}
}

func (e *Engine) deliver(ctx context.Context, pkt *wire.InternalPacket) {
	if err := e.cfg.Gateway.Deliver(ctx, pkt); err != nil {
		if errors.Is(err, link.ErrNoLink) {
			e.log.Debug("gateway delivery found no external link", "err", err)
		} else {
			e.log.Debug("gateway delivery failed", "err", err)
		}
	}
}
