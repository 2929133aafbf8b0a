// Package hello runs the periodic HELLO emission and neighbor-table
// sweep: announce self to every known node id on a fixed interval, then
// sweep the neighbor table for expired entries and react to large churn
// by invalidating routing-table entries that can no longer be trusted.
package hello

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wander-mesh/wander/internal/link"
	"github.com/wander-mesh/wander/internal/meshid"
	"github.com/wander-mesh/wander/internal/neighbor"
	"github.com/wander-mesh/wander/internal/route"
	"github.com/wander-mesh/wander/internal/wire"
)

// Churn thresholds: a removed-fraction or new-fraction above these
// triggers a full routing table purge.
const (
	removedFracPurgeThreshold = 0.7
	newFracPurgeThreshold     = 0.5
)

// Config configures a Poller.
type Config struct {
	Self meshid.NodeID
	// KnownNodes returns every node id the HELLO sweep should announce to.
	// It is called on every emission sweep (internal/node wires it to
	// link.InitKnownNodes(self)), so a deployment can grow its known-node
	// set over time.
	KnownNodes func() []meshid.NodeID

	Interval time.Duration

	Link      link.Link
	Neighbors *neighbor.Table
	Routes    *route.Table

	Logger *slog.Logger
}

// Poller runs the HELLO/neighbor-sweep loop for one node.
type Poller struct {
	cfg      Config
	log      *slog.Logger
	ticker   *time.Ticker
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Poller. Call Start to begin the periodic loop.
func New(cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:    cfg,
		log:    logger.WithGroup("hello"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the periodic loop in a new goroutine. It returns
// immediately; call Stop to end the loop and wait for it to exit.
func (p *Poller) Start(ctx context.Context) {
	p.ticker = time.NewTicker(p.cfg.Interval)
	go p.run(ctx)
}

// Stop ends the periodic loop and waits for it to exit. Stopping a
// poller that was never started, or stopping twice, is a no-op.
func (p *Poller) Stop() {
	if p.ticker == nil {
		return
	}
	p.stopOnce.Do(func() {
		close(p.stopCh)
		<-p.doneCh
		p.ticker.Stop()
	})
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-p.ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs one full HELLO emission sweep followed by the neighbor-table
// sweep and churn-reaction.
func (p *Poller) tick(ctx context.Context) {
	p.emit(ctx)
	p.sweep(ctx)
}

func (p *Poller) emit(ctx context.Context) {
	for _, id := range p.cfg.KnownNodes() {
		if id == p.cfg.Self {
			continue
		}
		pkt := wire.CreateHello(p.cfg.Self, id)
		if _, err := p.cfg.Link.Send(ctx, pkt, id); err != nil {
			p.log.Debug("hello send failed", "to", id, "err", err)
		}
	}
}

// HandleHello processes a received HELLO packet: touch the sender's
// neighbor-table slot, marking it freshly seen (and newly allocated if it
// did not already exist).
func (p *Poller) HandleHello(pkt *wire.InternalPacket) {
	p.cfg.Neighbors.Touch(pkt.PrevNodeID)
}

func (p *Poller) sweep(_ context.Context) {
	result := p.cfg.Neighbors.Sweep()
	if result.PreSweepCount == 0 {
		return
	}

	for _, removed := range result.Removed {
		p.cfg.Routes.InvalidateContaining(removed)
	}

	removedFrac := result.RemovedFraction()
	newFrac := result.NewFraction()
	if removedFrac > removedFracPurgeThreshold || newFrac > newFracPurgeThreshold {
		p.log.Info("neighbor churn exceeded threshold, purging routing table",
			"removed_fraction", removedFrac, "new_fraction", newFrac,
			"pre_sweep_count", humanize.Comma(int64(result.PreSweepCount)))
		p.cfg.Routes.PurgeAll()
	}
}
