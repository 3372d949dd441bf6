package p2p

// Circuit relay upkeep. Participants behind NAT are only reachable for
// user-topic signaling through a /p2p-circuit address on the configured
// relay, so losing the reservation silently breaks offers and answers.

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	relayv2client "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	relayGrace        = 5 * time.Second // autorelay gets this long to fix itself
	relaySlotRelease  = 2 * time.Second // relay v2 holds one reservation per peer
	relayDialTimeout  = 15 * time.Second
	relayRestoreLimit = 10 * time.Second
	relayAddrTTL      = 10 * time.Minute
	circuitPoll       = 500 * time.Millisecond
)

func isCircuitAddr(a ma.Multiaddr) bool {
	_, err := a.ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}

func (n *Node) hasCircuitAddr() bool {
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			return true
		}
	}
	return false
}

// awaitCircuit polls until the host advertises a circuit address, the
// limit passes or ctx ends.
func (n *Node) awaitCircuit(ctx context.Context, limit time.Duration) bool {
	if n.hasCircuitAddr() {
		return true
	}
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(circuitPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
			if n.hasCircuitAddr() {
				return true
			}
		}
	}
}

// WaitForRelay blocks until a circuit address is available. It reports
// false at once when no relay is configured.
func (n *Node) WaitForRelay(ctx context.Context, timeout time.Duration) bool {
	if n.relayPeer == nil {
		return false
	}
	log.Infof("RELAY: waiting up to %s for a circuit address", timeout)
	if !n.awaitCircuit(ctx, timeout) {
		log.Warnf("RELAY: no circuit address after %s", timeout)
		return false
	}
	log.Infof("RELAY: circuit address ready")
	return true
}

// WatchRelay follows local address changes and starts recovery whenever
// the circuit address goes away. onCircuit, if set, sees every flip.
func (n *Node) WatchRelay(ctx context.Context, onCircuit func(up bool)) {
	if n.relayPeer == nil {
		return
	}
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		log.Warnf("RELAY: watch addresses: %v", err)
		return
	}

	go func() {
		defer sub.Close()
		up := n.hasCircuitAddr()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Out():
			}
			now := n.hasCircuitAddr()
			if now == up {
				continue
			}
			up = now
			if up {
				n.diag("relay: circuit address back")
			} else {
				n.diag("relay: circuit address gone")
				go n.recoverRelay(ctx)
			}
			if onCircuit != nil {
				onCircuit(up)
			}
		}
	}()
}

// refreshRelay drops the relay connection, forgets dial backoff, dials
// again and reserves a slot directly instead of waiting for autorelay.
// The caller holds relayRecoveryMu.
func (n *Node) refreshRelay(ctx context.Context, why string) bool {
	start := time.Now()
	relay := *n.relayPeer

	if conns := n.Host.Network().ConnsToPeer(relay.ID); len(conns) > 0 {
		n.diag("relay %s: dropping %d connections", why, len(conns))
		for _, c := range conns {
			_ = c.Close()
		}
		select {
		case <-time.After(relaySlotRelease):
		case <-ctx.Done():
			return false
		}
	}

	if sw, ok := n.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(relay.ID)
	}
	n.Host.Peerstore().AddAddrs(relay.ID, relay.Addrs, relayAddrTTL)

	dialCtx, cancel := context.WithTimeout(ctx, relayDialTimeout)
	err := n.Host.Connect(dialCtx, relay)
	cancel()
	if err != nil {
		n.diag("relay %s: dial: %v", why, err)
		return false
	}

	resCtx, cancel := context.WithTimeout(ctx, relayDialTimeout)
	rsvp, err := relayv2client.Reserve(resCtx, n.Host, relay)
	cancel()
	if err != nil {
		n.diag("relay %s: reserve: %v", why, err)
	} else {
		n.diag("relay %s: reserved until %s", why, rsvp.Expiration.Format("15:04:05"))
	}

	if !n.awaitCircuit(ctx, relayRestoreLimit) {
		n.diag("relay %s: circuit not restored within %s", why, relayRestoreLimit)
		return false
	}
	n.diag("relay %s: restored in %s", why, time.Since(start).Truncate(time.Millisecond))
	return true
}

// recoverRelay waits relayGrace for autorelay, then forces a refresh unless
// another recovery already runs.
func (n *Node) recoverRelay(ctx context.Context) {
	select {
	case <-time.After(relayGrace):
	case <-ctx.Done():
		return
	}
	if n.hasCircuitAddr() {
		return
	}
	if !n.relayRecoveryMu.TryLock() {
		return
	}
	defer n.relayRecoveryMu.Unlock()
	n.refreshRelay(ctx, "recover")
}

// StartRelayRefresh checks the reservation every interval and refreshes it
// when the circuit address is missing.
func (n *Node) StartRelayRefresh(ctx context.Context, interval time.Duration) {
	if n.relayPeer == nil || interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if n.hasCircuitAddr() || !n.relayRecoveryMu.TryLock() {
				continue
			}
			n.refreshRelay(ctx, "refresh")
			n.relayRecoveryMu.Unlock()
		}
	}()
}

// RouteVia teaches the peerstore to reach peerID through the relay, as
// <relay-addr>/p2p/<relay-id>/p2p-circuit. Peers we already reach directly
// are left alone.
func (n *Node) RouteVia(peerID string) {
	if n.relayPeer == nil {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	for _, c := range n.Host.Network().ConnsToPeer(pid) {
		if !isCircuitAddr(c.RemoteMultiaddr()) {
			return
		}
	}

	relayComp, err := ma.NewComponent("p2p", n.relayPeer.ID.String())
	if err != nil {
		return
	}
	circuit := ma.StringCast("/p2p-circuit")
	for _, raddr := range n.relayPeer.Addrs {
		// AddrInfoFromString already split /p2p/<relay-id> off raddr.
		n.Host.Peerstore().AddAddr(pid, raddr.Encapsulate(relayComp).Encapsulate(circuit), relayAddrTTL)
	}
}
