// Package gateway implements the external network boundary: dialing out
// to a client-or-server address carried in a DATA packet's payload,
// forwarding the relevant bytes, and, for a fresh (non-response) request,
// streaming whatever comes back as a sequence of RESPONSE internal
// packets walked back along the reversed route.
//
// A single Deliver operation covers both directions: a terminal
// gateway-capable node relaying a client's request out to the real
// server, and the request's origin node delivering the eventual response
// (or failure) back to the client. In both cases the address dialed is
// whatever the embedded external packet names as its destination.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wander-mesh/wander/internal/link"
	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/request"
	"github.com/wander-mesh/wander/internal/wire"
)

// ErrNotGatewayPacket is returned by Deliver when pkt's payload does not
// decode as a valid external packet.
var ErrNotGatewayPacket = errors.New("gateway: packet payload is not a valid external packet")

// Dialer opens the external connection Deliver streams bytes over.
// Satisfied by (*net.Dialer).DialContext; overridable in tests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config configures a Gateway.
type Config struct {
	Self meshid.NodeID
	Link link.Link
	// Dialer opens the TCP connection to the address/port named by a
	// packet's payload. Defaults to &net.Dialer{}.
	Dialer Dialer
	// DialTimeout bounds each individual dial attempt.
	DialTimeout time.Duration
	// MaxRetries bounds the exponential backoff dial retry loop.
	MaxRetries uint64
	// ChunkSize bounds how many bytes are read from the external
	// connection per RESPONSE packet emitted.
	ChunkSize int
	// WanderDefaultPort is the fixed port the client listens for its
	// response on, used to address every RESPONSE/FAILURE packet built
	// here regardless of the original request's DestPort.
	WanderDefaultPort uint16
	Logger            *slog.Logger
}

const (
	defaultDialTimeout       = 5 * time.Second
	defaultMaxRetries        = 3
	defaultChunkSize         = 4096
	defaultWanderDefaultPort = 7777
)

// Gateway is the external-delivery capability the forwarding engine hands
// terminal DATA packets to.
type Gateway struct {
	cfg Config
	log *slog.Logger
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.WanderDefaultPort == 0 {
		cfg.WanderDefaultPort = defaultWanderDefaultPort
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cfg: cfg, log: logger.WithGroup("gateway")}
}

// Deliver dials out to the address embedded in pkt's external payload,
// sends the payload bytes, and, if pkt is a fresh request rather than a
// response or failure, streams whatever the external peer sends back as
// a sequence of RESPONSE internal packets walked back along the reversed
// route.
func (g *Gateway) Deliver(ctx context.Context, pkt *wire.InternalPacket) error {
	log := g.log
	if id := request.ID(ctx); id != "" {
		log = log.With("request", id)
	}

	ext, err := wire.UnmarshalExternalPacket(pkt.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotGatewayPacket, err)
	}

	addr := net.JoinHostPort(ext.DestAddr, fmt.Sprintf("%d", ext.DestPort))
	conn, err := g.dialWithBackoff(ctx, addr)
	if err != nil {
		return fmt.Errorf("gateway: dialing %s: %w", addr, err)
	}
	defer conn.Close()

	// Reads and writes on conn cannot see ctx; closing the connection on
	// cancellation is what unblocks them at shutdown.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchdogDone:
		}
	}()

	if pkt.IsResponse {
		// Delivery back to the origin's client: the client parses whole
		// external packet frames (it needs type and seq_nr to tell a
		// RESPONSE stream from a FAILURE), so the frame goes over as-is.
		if _, err := conn.Write(pkt.Payload); err != nil {
			return fmt.Errorf("gateway: sending to client %s: %w", addr, err)
		}
		log.Debug("delivered response/failure to client", "addr", addr)
		return nil
	}

	// Egress to the external network: only the embedded payload bytes are
	// the external host's business.
	if _, err := conn.Write(ext.Payload); err != nil {
		return fmt.Errorf("gateway: sending to %s: %w", addr, err)
	}

	return g.streamResponses(ctx, conn, ext, pkt, log)
}

func (g *Gateway) dialWithBackoff(ctx context.Context, addr string) (net.Conn, error) {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.cfg.MaxRetries)
	bo = backoff.WithContext(bo, ctx)

	var conn net.Conn
	operation := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, g.cfg.DialTimeout)
		defer cancel()
		c, err := g.cfg.Dialer.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return conn, nil
}

// streamResponses reads chunks from conn until it closes, wrapping each as
// a RESPONSE internal packet forwarded back along req's reversed route,
// with increasing sequence numbers.
func (g *Gateway) streamResponses(ctx context.Context, conn net.Conn, req *wire.ExternalPacket, original *wire.InternalPacket, log *slog.Logger) error {
	reversed := original.Route.ReverseFull()
	origin := reversed.FinalHop()

	buf := make([]byte, g.cfg.ChunkSize)
	var seqNr uint32
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			respExt := wire.CreateResponse(req, seqNr, append([]byte(nil), buf[:n]...), g.cfg.WanderDefaultPort)
			seqNr++

			respRoute := reversed.Clone()
			respPkt, marshalErr := respExt.Marshal()
			if marshalErr != nil {
				log.Debug("failed marshaling response chunk", "err", marshalErr)
				continue
			}
			internalResp := &wire.InternalPacket{
				Type:       wire.PacketData,
				PrevNodeID: g.cfg.Self,
				DestNodeID: origin,
				IsResponse: true,
				Route:      respRoute,
				Payload:    respPkt,
			}
			next := respRoute.Path[respRoute.Step]
			if _, sendErr := g.cfg.Link.Send(ctx, internalResp, next); sendErr != nil {
				log.Debug("failed relaying response chunk", "to", next, "err", sendErr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("gateway: reading response stream: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
