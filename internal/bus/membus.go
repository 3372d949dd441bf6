// Package bus provides signal.Bus transports: an in-process Memory bus and
// a libp2p bus built on GossipSub and the mq stream protocol.
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/voicemesh/internal/signal"
)

var log = logging.Logger("voice/bus")

// ErrClosed is returned once a bus has been closed.
var ErrClosed = errors.New("bus: closed")

// CheckTopic accepts only voice channel and user topics with a non-empty id.
func CheckTopic(topic string) error {
	for _, prefix := range []string{signal.TopicChannelPrefix, signal.TopicUserPrefix} {
		if strings.HasPrefix(topic, prefix) && len(topic) > len(prefix) {
			return nil
		}
	}
	return signal.ErrInvalidTopic
}

// Memory is an in-process bus. Every subscriber gets its own copy of each
// message, in publish order, and a slow subscriber never blocks Publish.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*Queue]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*Queue]struct{})}
}

func (b *Memory) Publish(ctx context.Context, topic string, msg *signal.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckTopic(topic); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[topic] {
		s.Push(msg.Clone())
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, topic string) (<-chan *signal.Message, func(), error) {
	if err := CheckTopic(topic); err != nil {
		return nil, nil, err
	}
	s := NewQueue()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Queue]struct{})
	}
	b.subs[topic][s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[topic]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(b.subs, topic)
				}
			}
			b.mu.Unlock()
			s.Close()
		})
	}
	stop := context.AfterFunc(ctx, cleanup)
	cancel := func() {
		stop()
		cleanup()
	}
	return s.Out(), cancel, nil
}

// Subscribers reports how many subscriptions topic has.
func (b *Memory) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close ends every subscription.
func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, set := range subs {
		for s := range set {
			s.Close()
		}
	}
	return nil
}

// Queue is an unbounded per-subscriber queue feeding its Out channel in
// push order. Push never blocks.
type Queue struct {
	mu    sync.Mutex
	queue []*signal.Message
	wake  chan struct{}
	out   chan *signal.Message
	done  chan struct{}
	once  sync.Once
}

func NewQueue() *Queue {
	s := &Queue{
		wake: make(chan struct{}, 1),
		out:  make(chan *signal.Message),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Out delivers queued messages. It is closed after Close.
func (s *Queue) Out() <-chan *signal.Message { return s.out }

func (s *Queue) Push(m *signal.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close drops anything still queued and closes Out.
func (s *Queue) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Queue) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next *signal.Message
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
