// Package p2p owns the libp2p host that carries voice signaling: identity,
// LAN discovery, GossipSub channel topics and an optional circuit relay.
package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"

	"github.com/petervdpas/voicemesh/internal/proto"
	"github.com/petervdpas/voicemesh/internal/util"
)

var log = logging.Logger("voice/p2p")

func init() {
	// Silence noisy libp2p subsystems: dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

// ErrClosed is returned by operations on a closed node.
var ErrClosed = errors.New("p2p: node closed")

const (
	diagMax  = 200
	diagTail = 50 // log lines included in a diag snapshot
)

// Options configures a Node.
type Options struct {
	ListenAddrs []string // multiaddrs; defaults to /ip4/0.0.0.0/tcp/0
	KeyFile     string   // persistent identity; empty means ephemeral
	Bootstrap   []string // peers to dial on start, as /.../p2p/<id> multiaddrs
	MDNS        bool
	RelayAddr   string // static circuit relay, as /.../p2p/<id> multiaddr
}

// Message is one GossipSub delivery.
type Message struct {
	From string
	Data []byte
}

type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic
	closed   bool

	// Relay peer info for recovery after connection drops.
	relayPeer       *peer.AddrInfo
	relayRecoveryMu sync.Mutex

	// Diagnostic ring buffer for relay and connection events.
	diagLogs *util.RingBuffer[string]

	// Node start time for uptime reporting.
	startTime time.Time
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, o Options) (*Node, error) {
	listen := o.ListenAddrs
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	opts := []libp2p.Option{libp2p.ListenAddrStrings(listen...)}

	if o.KeyFile != "" {
		priv, isNew, err := loadOrCreateKey(o.KeyFile)
		if err != nil {
			return nil, err
		}
		if isNew {
			log.Infof("Generated new identity key: %s", o.KeyFile)
		} else {
			log.Infof("Loaded identity key: %s", o.KeyFile)
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	// When a relay is configured, enable circuit relay transport, hole-punching,
	// and auto-relay so the peer gets a public relay address.
	var relayPeer *peer.AddrInfo
	if o.RelayAddr != "" {
		ri, err := peer.AddrInfoFromString(o.RelayAddr)
		if err != nil {
			return nil, fmt.Errorf("relay address: %w", err)
		}
		relayPeer = ri
		opts = append(opts,
			libp2p.EnableRelay(),
			libp2p.EnableHolePunching(),
			libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*ri},
				autorelay.WithBootDelay(0),
				autorelay.WithBackoff(30*time.Second),
			),
			libp2p.ForceReachabilityPrivate(),
		)
		log.Infof("relay: enabled (relay peer %s, %d addrs)", ri.ID, len(ri.Addrs))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:      h,
		ps:        ps,
		topics:    make(map[string]*pubsub.Topic),
		relayPeer: relayPeer,
		diagLogs:  util.NewRingBuffer[string](diagMax),
		startTime: time.Now(),
	}

	// LAN discovery via mDNS
	if o.MDNS {
		n.mdns = mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
		if err := n.mdns.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	for _, addr := range o.Bootstrap {
		if err := n.Connect(ctx, addr); err != nil {
			n.diag("bootstrap %s: %v", addr, err)
		}
	}

	// Diagnostic protocol: any peer can ask for this node's snapshot.
	h.SetStreamHandler(protocol.ID(proto.DiagProtoID), func(s network.Stream) {
		defer s.Close()
		_ = json.NewEncoder(s).Encode(n.DiagSnapshot())
	})

	return n, nil
}

// diag logs a diagnostic message and stores it in the ring buffer served
// over the diag stream protocol.
func (n *Node) diag(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Info(msg)
	n.diagLogs.Push(fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg))
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns the full dialable addresses of this node, /p2p/<id> included.
func (n *Node) Addrs() []string {
	info := peer.AddrInfo{ID: n.Host.ID(), Addrs: n.Host.Addrs()}
	mas, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(mas))
	for _, a := range mas {
		out = append(out, a.String())
	}
	return out
}

// Connect dials a peer given as a /.../p2p/<id> multiaddr.
func (n *Node) Connect(ctx context.Context, addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	if err := n.Host.Connect(cctx, *pi); err != nil {
		return err
	}
	n.diag("connected to %s", pi.ID)
	return nil
}

// Peers returns the ids of every connected peer.
func (n *Node) Peers() []string {
	var out []string
	for _, pid := range n.Host.Network().Peers() {
		out = append(out, pid.String())
	}
	return out
}

// join returns the cached pubsub topic for a bus topic, joining it once.
func (n *Node) join(topic string) (*pubsub.Topic, error) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if t, ok := n.topics[topic]; ok {
		return t, nil
	}
	t, err := n.ps.Join(proto.TopicNamespace + topic)
	if err != nil {
		return nil, err
	}
	n.topics[topic] = t
	return t, nil
}

// Publish broadcasts data to every subscriber of topic.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := n.join(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe delivers messages published to topic by other peers. The channel
// closes when ctx ends or cancel is called.
func (n *Node) Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error) {
	t, err := n.join(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, err
	}

	ctx, cancelCtx := context.WithCancel(ctx)
	out := make(chan Message, 32)
	self := n.Host.ID()
	go func() {
		defer close(out)
		defer sub.Cancel()
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if m.ReceivedFrom == self {
				continue
			}
			select {
			case out <- Message{From: m.GetFrom().String(), Data: m.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancelCtx, nil
}

// TopicPeers returns the peers known to be subscribed to topic.
func (n *Node) TopicPeers(topic string) []string {
	var out []string
	for _, pid := range n.ps.ListPeers(proto.TopicNamespace + topic) {
		out = append(out, pid.String())
	}
	return out
}

func (n *Node) Close() error {
	n.topicsMu.Lock()
	n.closed = true
	for name, t := range n.topics {
		_ = t.Close()
		delete(n.topics, name)
	}
	n.topicsMu.Unlock()
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}

// DiagSnapshot returns a diagnostic report for this peer, also served to
// other peers over the diag stream protocol.
func (n *Node) DiagSnapshot() map[string]any {
	now := time.Now()

	var addrs []string
	hasCircuit := false
	for _, a := range n.Host.Addrs() {
		addrs = append(addrs, a.String())
		if isCircuitAddr(a) {
			hasCircuit = true
		}
	}

	var connectedPeerDetails []map[string]any
	for _, pid := range n.Host.Network().Peers() {
		for _, c := range n.Host.Network().ConnsToPeer(pid) {
			detail := map[string]any{
				"peer_id": pid.String(),
				"addr":    c.RemoteMultiaddr().String(),
				"dir":     dirString(c.Stat().Direction),
				"age":     now.Sub(c.Stat().Opened).Truncate(time.Second).String(),
				"streams": len(c.GetStreams()),
			}
			if n.relayPeer != nil && pid == n.relayPeer.ID {
				detail["is_relay"] = true
			}
			connectedPeerDetails = append(connectedPeerDetails, detail)
		}
	}

	n.topicsMu.Lock()
	topics := make(map[string]int, len(n.topics))
	for name := range n.topics {
		topics[name] = len(n.ps.ListPeers(proto.TopicNamespace + name))
	}
	n.topicsMu.Unlock()

	hostname, _ := os.Hostname()

	result := map[string]any{
		"peer_id":         n.Host.ID().String(),
		"addrs":           addrs,
		"has_circuit":     hasCircuit,
		"connected_peers": len(n.Host.Network().Peers()),
		"topics":          topics,
		"uptime":          now.Sub(n.startTime).Truncate(time.Second).String(),
		"started":         n.startTime.Format("2006-01-02 15:04:05"),
		"hostname":        hostname,
		"os":              runtime.GOOS,
		"arch":            runtime.GOARCH,
		"go_version":      runtime.Version(),
		"num_goroutine":   runtime.NumGoroutine(),
		"logs":            n.diagLogs.Last(diagTail),
	}
	if n.relayPeer != nil {
		result["relay_peer"] = n.relayPeer.ID.String()
		result["relay_conns"] = len(n.Host.Network().ConnsToPeer(n.relayPeer.ID))
	}
	if len(connectedPeerDetails) > 0 {
		result["connected_peer_details"] = connectedPeerDetails
	}
	return result
}

// FetchDiag asks a connected peer for its diagnostic snapshot.
func (n *Node) FetchDiag(ctx context.Context, peerID string) (map[string]any, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.DiagProtoID))
	if err != nil {
		return nil, err
	}
	defer s.Close()
	_ = s.SetReadDeadline(time.Now().Add(util.DefaultFetchTimeout))

	var snap map[string]any
	if err := json.NewDecoder(s).Decode(&snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// dirString converts a network.Direction to a human-readable string.
func dirString(d network.Direction) string {
	switch d {
	case network.DirInbound:
		return "inbound"
	case network.DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}
