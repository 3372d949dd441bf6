package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/voicemesh/internal/bus"
	"github.com/petervdpas/voicemesh/internal/config"
	"github.com/petervdpas/voicemesh/internal/entangle"
	"github.com/petervdpas/voicemesh/internal/metrics"
	"github.com/petervdpas/voicemesh/internal/mq"
	"github.com/petervdpas/voicemesh/internal/p2p"
	"github.com/petervdpas/voicemesh/internal/relaybus"
	"github.com/petervdpas/voicemesh/internal/signal"
	"github.com/petervdpas/voicemesh/internal/util"
)

const (
	// discoverWait bounds how long a fresh libp2p participant waits for
	// GossipSub to report who is already in the channel.
	discoverWait = 3 * time.Second

	relayWait = 10 * time.Second

	// linkEvery is how often channel peers are checked for a heartbeat.
	linkEvery = 5 * time.Second
)

// transport is the bus a participant signals over, plus what the host
// needs to know about it.
type transport struct {
	bus     signal.Bus
	localID string

	// existing lists participants already in channelID.
	existing func(ctx context.Context, channelID string) []string

	// diag returns transport diagnostics, or nil.
	diag func() map[string]any

	// remoteDiag fetches another participant's diagnostics. nil when the
	// transport cannot reach peers directly.
	remoteDiag func(ctx context.Context, peerID string) (map[string]any, error)

	close func()
}

func openTransport(ctx context.Context, peerDir string, cfg config.Config, m *metrics.Metrics) (*transport, error) {
	switch cfg.Bus.Kind {
	case config.BusRelay:
		return openRelay(ctx, cfg, m)
	default:
		return openLibp2p(ctx, peerDir, cfg, m)
	}
}

func openLibp2p(ctx context.Context, peerDir string, cfg config.Config, m *metrics.Metrics) (*transport, error) {
	node, err := p2p.New(ctx, p2p.Options{
		ListenAddrs: []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.P2P.ListenPort)},
		KeyFile:     util.ResolvePath(peerDir, cfg.Identity.KeyFile),
		Bootstrap:   cfg.P2P.Bootstrap,
		MDNS:        cfg.P2P.MDNS,
		RelayAddr:   cfg.P2P.RelayAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("start libp2p node: %w", err)
	}
	if cfg.P2P.RelayAddr != "" {
		node.WaitForRelay(ctx, relayWait)
		node.WatchRelay(ctx, nil)
		if cfg.P2P.RelayRefreshSec > 0 {
			node.StartRelayRefresh(ctx, config.Seconds(cfg.P2P.RelayRefreshSec))
		}
	}
	for _, a := range node.Addrs() {
		log.Infof("APP: listening on %s", a)
	}

	mqm := mq.New(node.Host)
	b := bus.NewP2P(node, mqm, m)
	ent := entangle.New(node.Host, 0)
	ent.OnDown = func(peerID string) {
		log.Warnf("APP: heartbeat to %s lost", short(peerID))
	}

	return &transport{
		bus:     b,
		localID: node.ID(),
		existing: func(ctx context.Context, channelID string) []string {
			topic := signal.ChannelTopic(channelID)
			go keepLinked(ctx, ent, node, topic)

			deadline := time.NewTimer(discoverWait)
			defer deadline.Stop()
			tick := time.NewTicker(200 * time.Millisecond)
			defer tick.Stop()
			for {
				if ids := node.TopicPeers(topic); len(ids) > 0 {
					return ids
				}
				select {
				case <-ctx.Done():
					return nil
				case <-deadline.C:
					return nil
				case <-tick.C:
				}
			}
		},
		diag: func() map[string]any {
			d := node.DiagSnapshot()
			d["heartbeats"] = ent.Peers()
			return d
		},
		remoteDiag: node.FetchDiag,
		close: func() {
			_ = b.Close()
			ent.Close()
			mqm.Close()
			_ = node.Close()
		},
	}, nil
}

// keepLinked holds a heartbeat open to everyone on topic until ctx is done.
func keepLinked(ctx context.Context, ent *entangle.Manager, node *p2p.Node, topic string) {
	t := time.NewTicker(linkEvery)
	defer t.Stop()
	for {
		for _, id := range node.TopicPeers(topic) {
			ent.Connect(ctx, id)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func openRelay(ctx context.Context, cfg config.Config, _ *metrics.Metrics) (*transport, error) {
	id := cfg.Identity.ParticipantID
	if id == "" {
		id = uuid.NewString()
	}
	c, err := relaybus.Dial(ctx, cfg.Bus.RelayURL, id)
	if err != nil {
		return nil, err
	}
	return &transport{
		bus:     c,
		localID: id,
		existing: func(ctx context.Context, channelID string) []string {
			topic := signal.ChannelTopic(channelID)
			deadline := time.NewTimer(discoverWait)
			defer deadline.Stop()
			tick := time.NewTicker(20 * time.Millisecond)
			defer tick.Stop()
			for {
				if ids, ok := c.Members(topic); ok {
					return ids
				}
				select {
				case <-ctx.Done():
					return nil
				case <-deadline.C:
					return nil
				case <-tick.C:
				}
			}
		},
		close: func() { _ = c.Close() },
	}, nil
}
