package relaybus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/voicemesh/internal/bus"
	"github.com/petervdpas/voicemesh/internal/signal"
)

// ErrDisconnected is returned once the connection to the hub is gone.
var ErrDisconnected = errors.New("relaybus: disconnected")

// Client is a signal.Bus backed by a Hub connection. Several local
// subscriptions to one topic share a single hub subscription.
type Client struct {
	id       string
	conn     *websocket.Conn
	outgoing chan []byte
	done     chan struct{}

	mu     sync.Mutex
	subs    map[string]map[*bus.Queue]struct{}
	members map[string][]string // channel topic → others subscribed when we joined
	closed  bool
	err    error

	closeOnce sync.Once
}

// Dial connects to the hub at serverURL as participant id.
func Dial(ctx context.Context, serverURL, id string) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	q := u.Query()
	q.Set(IDParam, id)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &Client{
		id:       id,
		conn:     conn,
		outgoing: make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		subs:     make(map[string]map[*bus.Queue]struct{}),
		members:  make(map[string][]string),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// LocalID is the participant id this client registered with.
func (c *Client) LocalID() string { return c.id }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Publish(ctx context.Context, topic string, msg *signal.Message) error {
	if err := bus.CheckTopic(topic); err != nil {
		return err
	}
	data, err := encodeFrame(&Frame{Op: OpPublish, Topic: topic, Message: msg})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, data)
}

func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan *signal.Message, func(), error) {
	if err := bus.CheckTopic(topic); err != nil {
		return nil, nil, err
	}
	q := bus.NewQueue()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		q.Close()
		return nil, nil, ErrDisconnected
	}
	first := len(c.subs[topic]) == 0
	if first {
		c.subs[topic] = make(map[*bus.Queue]struct{})
	}
	c.subs[topic][q] = struct{}{}
	c.mu.Unlock()

	if first {
		if err := c.sendFrame(ctx, &Frame{Op: OpSubscribe, Topic: topic}); err != nil {
			c.removeSub(topic, q)
			return nil, nil, err
		}
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if c.removeSub(topic, q) {
				_ = c.sendFrame(context.Background(), &Frame{Op: OpUnsubscribe, Topic: topic})
			}
		})
	}
	stop := context.AfterFunc(ctx, cleanup)
	return q.Out(), func() {
		stop()
		cleanup()
	}, nil
}

// Members returns the other participants the hub reported on topic when
// this client subscribed to it. ok is false until that report arrives.
func (c *Client) Members(topic string) (ids []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, ok = c.members[topic]
	return append([]string(nil), ids...), ok
}

// removeSub closes q and reports whether it was the topic's last local
// subscription.
func (c *Client) removeSub(topic string, q *bus.Queue) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	q.Close()
	set, ok := c.subs[topic]
	if !ok {
		return false
	}
	delete(set, q)
	if len(set) > 0 {
		return false
	}
	delete(c.subs, topic)
	delete(c.members, topic)
	return !c.closed
}

func (c *Client) sendFrame(ctx context.Context, f *Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, data)
}

func (c *Client) enqueue(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrDisconnected
	default:
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump reads frames from the hub until the connection ends.
func (c *Client) readPump() {
	defer c.shutdown(ErrDisconnected)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("RELAY: connection to hub lost: %v", err)
			}
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			log.Warnf("RELAY: malformed frame from hub: %v", err)
			continue
		}
		switch f.Op {
		case OpMessage:
			if f.Message == nil {
				continue
			}
			c.mu.Lock()
			for q := range c.subs[f.Topic] {
				q.Push(f.Message.Clone())
			}
			c.mu.Unlock()
		case OpMembers:
			c.mu.Lock()
			c.members[f.Topic] = append([]string{}, f.Members...)
			c.mu.Unlock()
		case OpError:
			log.Warnf("RELAY: hub rejected frame (topic=%q): %s", f.Topic, f.Error)
		}
	}
}

// writePump writes queued frames to the hub and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.shutdown(err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}

		case <-c.done:
			// Flush what is already queued, then say goodbye.
			for {
				select {
				case data := <-c.outgoing:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// shutdown marks the client closed and ends every local subscription.
func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		subs := c.subs
		c.subs = make(map[string]map[*bus.Queue]struct{})
		c.mu.Unlock()

		for _, set := range subs {
			for q := range set {
				q.Close()
			}
		}
		close(c.done)
	})
}

// Close ends the connection after flushing queued frames.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}
