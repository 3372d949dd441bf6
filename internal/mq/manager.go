package mq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/voicemesh/internal/proto"
)

var log = logging.Logger("voice/mq")

const (
	// inboxCap is the maximum number of messages buffered per topic before
	// a subscriber for it registers.
	inboxCap = 200

	// ackTimeout is how long Send() waits for a transport ACK from the remote
	// peer before returning an error to the caller.
	ackTimeout = 10 * time.Second
)

// Handler receives one message. It runs on the stream goroutine before the
// ACK is written, so it must hand the payload off and return quickly.
type Handler func(from, topic string, payload []byte)

// Manager owns the signal stream handler, the per-topic inbox and the topic
// subscribers.
type Manager struct {
	host   host.Host
	selfID string

	seq int64 // atomic monotonic counter for outbound messages

	// Messages that arrived before anyone subscribed to their topic.
	inboxMu sync.Mutex
	inbox   map[string][]inboxEntry // topic → buffered messages

	topicMu   sync.RWMutex
	topicSubs map[int]topicSub
	nextSub   int

	sent     atomic.Int64
	received atomic.Int64
}

type topicSub struct {
	prefix string
	fn     Handler
}

// inboxEntry pairs a buffered message with the peer that sent it.
type inboxEntry struct {
	Msg  MQMsg
	From string
}

// New creates a new MQ Manager and registers the signal stream handler.
func New(h host.Host) *Manager {
	m := &Manager{
		host:      h,
		selfID:    h.ID().String(),
		inbox:     make(map[string][]inboxEntry),
		topicSubs: make(map[int]topicSub),
	}
	h.SetStreamHandler(protocol.ID(proto.SignalProtoID), m.handleIncoming)
	log.Infof("MQ: registered handler for %s", proto.SignalProtoID)
	return m
}

// Close removes the stream handler.
func (m *Manager) Close() {
	m.host.RemoveStreamHandler(protocol.ID(proto.SignalProtoID))
}

// peerSupportsMQ returns false only when the peerstore has a non-empty protocol
// list for the peer and the signal protocol is absent from that list.
// If the protocol list is unknown (empty or error), we optimistically return true
// so a live connection attempt is still made.
func (m *Manager) peerSupportsMQ(pid peer.ID) bool {
	protos, err := m.host.Peerstore().GetProtocols(pid)
	if err != nil || len(protos) == 0 {
		return true // unknown, try anyway
	}
	for _, p := range protos {
		if p == protocol.ID(proto.SignalProtoID) {
			return true
		}
	}
	return false
}

// Send opens a stream to peerID, writes a message with the given topic and
// payload, and waits up to ackTimeout for a transport ACK.
// Returns the message ID and nil on success, or an error if the send or ACK fails.
func (m *Manager) Send(ctx context.Context, peerID, topic string, payload []byte) (string, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return "", fmt.Errorf("mq: invalid peer id %q: %w", peerID, err)
	}
	if pid == m.host.ID() {
		return "", fmt.Errorf("mq: refusing to send to self")
	}

	// Fast-fail if we know from the peerstore that this peer doesn't speak
	// the protocol. This avoids a dial attempt + timeout.
	if !m.peerSupportsMQ(pid) {
		return "", fmt.Errorf("protocols not supported: [%s]", proto.SignalProtoID)
	}

	msgID := uuid.NewString()
	msg := MQMsg{
		Type:    MsgTypeMsg,
		ID:      msgID,
		Seq:     atomic.AddInt64(&m.seq, 1),
		Topic:   topic,
		Payload: json.RawMessage(payload),
	}

	// Open a new stream (libp2p reuses the underlying muxed connection).
	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := m.host.NewStream(dialCtx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		return "", fmt.Errorf("mq: open stream to %s: %w", short(peerID), err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		_ = stream.Reset()
		return "", fmt.Errorf("mq: encode msg: %w", err)
	}

	var ack MQAck
	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return "", fmt.Errorf("mq: waiting for ack from %s: %w", short(peerID), err)
	}
	if ack.ID != msgID {
		return "", fmt.Errorf("mq: ack id mismatch (got %s, want %s)", ack.ID, msgID)
	}

	m.sent.Add(1)
	log.Debugf("MQ: sent msg %s (topic=%s) to %s via %s", msgID[:8], topic, short(peerID), connVia(stream))
	return msgID, nil
}

// handleIncoming is the libp2p stream handler for the signal protocol. It
// reads one MQMsg, dispatches it (or buffers it), then writes the ACK.
func (m *Manager) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var msg MQMsg
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Warnf("MQ: decode error from %s: %v", short(remotePeer), err)
		_ = stream.Reset()
		return
	}
	if msg.Type != MsgTypeMsg || msg.ID == "" || msg.Topic == "" {
		log.Warnf("MQ: malformed msg from %s, dropping", short(remotePeer))
		_ = stream.Reset()
		return
	}

	m.dispatch(remotePeer, msg)
	m.received.Add(1)

	ack := MQAck{Type: MsgTypeAck, ID: msg.ID, Seq: msg.Seq}
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		log.Warnf("MQ: ack write error to %s: %v", short(remotePeer), err)
	}
	log.Debugf("MQ: received msg %s (topic=%s) from %s via %s", short(msg.ID), msg.Topic, short(remotePeer), connVia(stream))
}

func (m *Manager) dispatch(from string, msg MQMsg) {
	m.topicMu.RLock()
	defer m.topicMu.RUnlock()

	delivered := false
	for _, sub := range m.topicSubs {
		if strings.HasPrefix(msg.Topic, sub.prefix) {
			sub.fn(from, msg.Topic, msg.Payload)
			delivered = true
		}
	}
	if delivered {
		return
	}

	// Nobody listening yet: keep it for the first subscriber.
	m.inboxMu.Lock()
	buf := m.inbox[msg.Topic]
	if len(buf) >= inboxCap {
		buf = buf[1:] // drop oldest
	}
	m.inbox[msg.Topic] = append(buf, inboxEntry{Msg: msg, From: from})
	m.inboxMu.Unlock()
}

// SubscribeTopic registers a callback for messages whose topic has the given
// prefix. Buffered messages for matching topics are replayed first, in
// arrival order. Returns an unsubscribe function.
func (m *Manager) SubscribeTopic(prefix string, fn Handler) func() {
	m.topicMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.topicSubs[id] = topicSub{prefix: prefix, fn: fn}

	m.inboxMu.Lock()
	var replay []inboxEntry
	for topic, entries := range m.inbox {
		if strings.HasPrefix(topic, prefix) {
			replay = append(replay, entries...)
			delete(m.inbox, topic)
		}
	}
	m.inboxMu.Unlock()

	// Still holding topicMu: new arrivals wait until the replay is done.
	for _, e := range replay {
		fn(e.From, e.Msg.Topic, e.Msg.Payload)
	}
	m.topicMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.topicMu.Lock()
			delete(m.topicSubs, id)
			m.topicMu.Unlock()
		})
	}
}

// Buffered reports how many messages wait in the inbox for topic.
func (m *Manager) Buffered(topic string) int {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()
	return len(m.inbox[topic])
}

// Stats returns the number of messages sent and received since start.
func (m *Manager) Stats() (sent, received int64) {
	return m.sent.Load(), m.received.Load()
}

// connVia returns "relay:<relayID8>" if the stream is routed through a circuit
// relay (with the first 8 chars of the relay peer ID), or "direct" otherwise.
func connVia(s network.Stream) string {
	ma := s.Conn().RemoteMultiaddr().String()
	circuitIdx := strings.Index(ma, "/p2p-circuit")
	if circuitIdx < 0 {
		return "direct"
	}
	// Multiaddr before /p2p-circuit: .../p2p/<relayPeerID>/p2p-circuit
	before := ma[:circuitIdx]
	if p2pIdx := strings.LastIndex(before, "/p2p/"); p2pIdx >= 0 {
		return "relay:" + short(before[p2pIdx+5:])
	}
	return "relay"
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
