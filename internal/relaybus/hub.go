package relaybus

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/voicemesh/internal/bus"
	"github.com/petervdpas/voicemesh/internal/metrics"
	"github.com/petervdpas/voicemesh/internal/signal"
)

// sendBuffer is how many frames may wait for a slow client before the hub
// disconnects it.
const sendBuffer = 256

// Hub relays frames between WebSocket clients. A client may subscribe to
// any channel topic but only to its own user topic, and may only publish
// messages whose From is its own id.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics

	mu      sync.Mutex
	clients map[*hubConn]struct{}
	topics  map[string]map[*hubConn]struct{}
	closed  bool
}

type hubConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{} // guarded by Hub.mu
	once   sync.Once
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: m,
		clients: make(map[*hubConn]struct{}),
		topics:  make(map[string]map[*hubConn]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get(IDParam))
	if id == "" {
		http.Error(w, "missing "+IDParam, http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &hubConn{id: id, conn: conn, send: make(chan []byte, sendBuffer), topics: make(map[string]struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Infof("RELAY: %s connected from %s", id, r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// Clients reports how many clients are connected.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Subscribers reports how many clients subscribe to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	var all []*hubConn
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		h.drop(c)
	}
	return nil
}

func (h *Hub) readPump(c *hubConn) {
	defer h.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("RELAY: %s read error: %v", c.id, err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			h.reject(c, "", "expected binary frame")
			continue
		}
		f, err := decodeFrame(data)
		if err != nil {
			h.reject(c, "", "malformed frame")
			continue
		}
		if err := h.handle(c, f); err != nil {
			h.reject(c, f.Topic, err.Error())
		}
	}
}

func (h *Hub) handle(c *hubConn, f *Frame) error {
	if err := bus.CheckTopic(f.Topic); err != nil {
		return err
	}
	switch f.Op {
	case OpSubscribe:
		if strings.HasPrefix(f.Topic, signal.TopicUserPrefix) && f.Topic != signal.UserTopic(c.id) {
			return fmt.Errorf("cannot subscribe to another participant's topic")
		}
		h.mu.Lock()
		if h.topics[f.Topic] == nil {
			h.topics[f.Topic] = make(map[*hubConn]struct{})
		}
		var members []string
		for other := range h.topics[f.Topic] {
			if other.id != c.id {
				members = append(members, other.id)
			}
		}
		h.topics[f.Topic][c] = struct{}{}
		c.topics[f.Topic] = struct{}{}
		h.mu.Unlock()

		if strings.HasPrefix(f.Topic, signal.TopicChannelPrefix) {
			sort.Strings(members)
			h.sendTo(c, &Frame{Op: OpMembers, Topic: f.Topic, Members: members})
		}
		return nil

	case OpUnsubscribe:
		h.mu.Lock()
		h.unsubscribeLocked(c, f.Topic)
		h.mu.Unlock()
		return nil

	case OpPublish:
		if f.Message == nil {
			return fmt.Errorf("publish without message")
		}
		if f.Message.From != c.id {
			h.metrics.SignalingDropped("spoofed")
			return fmt.Errorf("message from %q sent by %q", f.Message.From, c.id)
		}
		h.metrics.BusMessage("in")
		h.broadcast(f.Topic, f.Message)
		return nil

	default:
		return fmt.Errorf("unknown op %q", f.Op)
	}
}

// broadcast queues msg for every subscriber of topic. A subscriber whose
// queue is full is disconnected.
func (h *Hub) broadcast(topic string, msg *signal.Message) {
	data, err := encodeFrame(&Frame{Op: OpMessage, Topic: topic, Message: msg})
	if err != nil {
		log.Warnf("RELAY: encode %s: %v", msg, err)
		return
	}

	var slow []*hubConn
	h.mu.Lock()
	for c := range h.topics[topic] {
		select {
		case c.send <- data:
			h.metrics.BusMessage("out")
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		log.Warnf("RELAY: %s is not keeping up, disconnecting", c.id)
		h.drop(c)
	}
}

func (h *Hub) reject(c *hubConn, topic, reason string) {
	log.Debugf("RELAY: rejected frame from %s: %s", c.id, reason)
	h.sendTo(c, &Frame{Op: OpError, Topic: topic, Error: reason})
}

// sendTo queues a control frame for c unless it is gone or backed up.
func (h *Hub) sendTo(c *hubConn, f *Frame) {
	data, err := encodeFrame(f)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) unsubscribeLocked(c *hubConn, topic string) {
	if set, ok := h.topics[topic]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.topics, topic)
}

// drop unregisters c and closes its send queue, which ends writePump.
func (h *Hub) drop(c *hubConn) {
	c.once.Do(func() {
		h.mu.Lock()
		for topic := range c.topics {
			h.unsubscribeLocked(c, topic)
		}
		delete(h.clients, c)
		close(c.send)
		h.mu.Unlock()
		log.Infof("RELAY: %s disconnected", c.id)
	})
}

func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
