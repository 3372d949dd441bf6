// Package entangle keeps one heartbeat stream open to every participant we
// share a channel with over libp2p.
//
// The stream keeps the libp2p connection (and any relay circuit) in use, so
// the connection manager does not prune the path signaling depends on, and
// it ends the moment the remote participant's node goes away.
//
// Protocol: /voicemesh/heartbeat/1.0.0, newline-delimited JSON.
//
//	→ {"type":"ping"} every interval
//	← {"type":"pong"}
package entangle

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/voicemesh/internal/proto"
)

var log = logging.Logger("voice/entangle")

const (
	DefaultInterval = 30 * time.Second
	dialTimeout     = 15 * time.Second
	writeTimeout    = 10 * time.Second
)

type beat struct {
	Type string `json:"type"` // "ping" | "pong"
}

type link struct {
	peerID string
	stream network.Stream
	cancel context.CancelFunc
	since  time.Time
}

// Manager owns the heartbeat streams of one libp2p host.
type Manager struct {
	host     host.Host
	selfID   string
	interval time.Duration

	// OnUp and OnDown are called from their own goroutine when a stream to
	// a participant opens or dies. Set them before the first Connect.
	OnUp   func(peerID string)
	OnDown func(peerID string)

	mu     sync.Mutex
	links  map[string]*link // nil value: dial in flight
	closed bool
	wg     sync.WaitGroup
}

// New registers the heartbeat handler. interval <= 0 uses DefaultInterval.
func New(h host.Host, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Manager{
		host:     h,
		selfID:   h.ID().String(),
		interval: interval,
		links:    make(map[string]*link),
	}
	h.SetStreamHandler(protocol.ID(proto.HeartbeatProtoID), m.handleIncoming)
	return m
}

// Connect opens a heartbeat to peerID unless one is open or being dialed.
// Only the side with the lower id dials, the same rule the voice
// controller uses to pick the offerer, so simultaneous discovery never
// produces two streams that reset each other.
func (m *Manager) Connect(ctx context.Context, peerID string) {
	if peerID == m.selfID || m.selfID > peerID {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		log.Debugf("ENTANGLE: bad peer id %q: %v", peerID, err)
		return
	}

	m.mu.Lock()
	if _, busy := m.links[peerID]; busy || m.closed {
		m.mu.Unlock()
		return
	}
	m.links[peerID] = nil
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		s, err := m.host.NewStream(dialCtx, pid, protocol.ID(proto.HeartbeatProtoID))
		cancel()
		if err != nil {
			m.mu.Lock()
			if l, ok := m.links[peerID]; ok && l == nil {
				delete(m.links, peerID)
			}
			m.mu.Unlock()
			log.Debugf("ENTANGLE: → %s dial failed: %v", short(peerID), err)
			return
		}
		l, ok := m.attach(peerID, s, true)
		if !ok {
			return
		}
		log.Infof("ENTANGLE: → %s linked", short(peerID))
		m.run(l)
	}()
}

func (m *Manager) handleIncoming(s network.Stream) {
	peerID := s.Conn().RemotePeer().String()
	l, ok := m.attach(peerID, s, false)
	if !ok {
		return
	}
	log.Infof("ENTANGLE: ← %s linked", short(peerID))
	go func() {
		defer m.wg.Done()
		m.run(l)
	}()
}

// attach registers s as the link to peerID. A second stream for a peer
// that already has one is reset. Accepted inbound streams are added to the
// wait group here; dialed ones were added by Connect.
func (m *Manager) attach(peerID string, s network.Stream, dialed bool) (*link, bool) {
	m.mu.Lock()
	existing, exists := m.links[peerID]
	if m.closed || (exists && (existing != nil || !dialed)) {
		m.mu.Unlock()
		_ = s.Reset()
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{peerID: peerID, stream: s, cancel: cancel, since: time.Now()}
	m.links[peerID] = l
	if !dialed {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Reset()
	}()
	if m.OnUp != nil {
		go m.OnUp(peerID)
	}
	return l, true
}

// run drives the ping/pong exchange until the stream fails.
func (m *Manager) run(l *link) {
	defer func() {
		l.cancel()
		m.mu.Lock()
		if cur, ok := m.links[l.peerID]; ok && cur == l {
			delete(m.links, l.peerID)
		}
		closed := m.closed
		m.mu.Unlock()

		log.Infof("ENTANGLE: %s unlinked", short(l.peerID))
		if m.OnDown != nil && !closed {
			go m.OnDown(l.peerID)
		}
	}()

	var wmu sync.Mutex
	enc := json.NewEncoder(l.stream)
	send := func(typ string) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = l.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := enc.Encode(beat{Type: typ})
		_ = l.stream.SetWriteDeadline(time.Time{})
		return err
	}

	readErr := make(chan error, 1)
	go func() {
		dec := json.NewDecoder(l.stream)
		for {
			var in beat
			if err := dec.Decode(&in); err != nil {
				readErr <- err
				return
			}
			if in.Type == "ping" {
				if err := send("pong"); err != nil {
					readErr <- err
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-readErr:
			log.Debugf("ENTANGLE: %s read: %v", short(l.peerID), err)
			return
		case <-ticker.C:
			if err := send("ping"); err != nil {
				log.Debugf("ENTANGLE: %s ping: %v", short(l.peerID), err)
				return
			}
		}
	}
}

// Linked reports whether a heartbeat stream to peerID is open.
func (m *Manager) Linked(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[peerID] != nil
}

// Peers returns the ids with an open heartbeat, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, l := range m.links {
		if l != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Close resets every stream and waits for their loops to finish.
func (m *Manager) Close() {
	m.host.RemoveStreamHandler(protocol.ID(proto.HeartbeatProtoID))
	m.mu.Lock()
	m.closed = true
	for _, l := range m.links {
		if l != nil {
			l.cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
