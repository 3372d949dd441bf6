package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/petervdpas/voicemesh/internal/metrics"
	"github.com/petervdpas/voicemesh/internal/mq"
	"github.com/petervdpas/voicemesh/internal/p2p"
	"github.com/petervdpas/voicemesh/internal/signal"
)

// P2P carries channel topics over GossipSub and user topics over the mq
// stream protocol, addressed by libp2p peer id. Participant ids on this bus
// are peer ids, and a message whose From differs from the peer that sent it
// is dropped.
type P2P struct {
	node    *p2p.Node
	mq      *mq.Manager
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	subs   map[*Queue]func()
}

func NewP2P(node *p2p.Node, mqm *mq.Manager, m *metrics.Metrics) *P2P {
	return &P2P{node: node, mq: mqm, metrics: m, subs: make(map[*Queue]func())}
}

// LocalID is the participant id of this node.
func (b *P2P) LocalID() string { return b.node.ID() }

func (b *P2P) Publish(ctx context.Context, topic string, msg *signal.Message) error {
	if err := CheckTopic(topic); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrClosed
	}
	data, err := signal.Encode(msg)
	if err != nil {
		return err
	}

	if strings.HasPrefix(topic, signal.TopicChannelPrefix) {
		err = b.node.Publish(ctx, topic, data)
	} else {
		peerID := strings.TrimPrefix(topic, signal.TopicUserPrefix)
		b.node.RouteVia(peerID)
		_, err = b.mq.Send(ctx, peerID, topic, data)
	}
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", msg.Kind, err)
	}
	b.metrics.BusMessage("out")
	return nil
}

func (b *P2P) Subscribe(ctx context.Context, topic string) (<-chan *signal.Message, func(), error) {
	if err := CheckTopic(topic); err != nil {
		return nil, nil, err
	}

	s := NewQueue()
	var stop func()

	if strings.HasPrefix(topic, signal.TopicChannelPrefix) {
		in, cancel, err := b.node.Subscribe(ctx, topic)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		stop = cancel
		go func() {
			for m := range in {
				b.deliver(s, m.From, m.Data)
			}
		}()
	} else {
		// Point-to-point messages are only ever sent to their recipient.
		if strings.TrimPrefix(topic, signal.TopicUserPrefix) != b.node.ID() {
			s.Close()
			return nil, nil, signal.ErrInvalidTopic
		}
		stop = b.mq.SubscribeTopic(topic, func(from, t string, payload []byte) {
			if t == topic {
				b.deliver(s, from, payload)
			}
		})
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		stop()
		s.Close()
		return nil, nil, ErrClosed
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			stop()
			s.Close()
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
		})
	}
	b.subs[s] = cleanup
	b.mu.Unlock()

	after := context.AfterFunc(ctx, cleanup)
	return s.Out(), func() {
		after()
		cleanup()
	}, nil
}

func (b *P2P) deliver(s *Queue, from string, data []byte) {
	m, err := signal.Decode(data)
	if err != nil {
		log.Warnf("BUS: undecodable message from %s: %v", from, err)
		b.metrics.SignalingDropped(signal.Reason(err))
		return
	}
	if m.From != from {
		log.Warnf("BUS: %s claims to be from %s, dropping", from, m.From)
		b.metrics.SignalingDropped("spoofed")
		return
	}
	b.metrics.BusMessage("in")
	s.Push(m)
}

func (b *P2P) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close ends every subscription. The node and mq manager stay open.
func (b *P2P) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var cleanups []func()
	for _, c := range b.subs {
		cleanups = append(cleanups, c)
	}
	b.mu.Unlock()

	for _, c := range cleanups {
		c()
	}
	return nil
}
