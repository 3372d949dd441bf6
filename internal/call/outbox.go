package call

import (
	"context"
	"sync"
	"time"

	"github.com/petervdpas/voicemesh/internal/signal"
)

// outbox publishes signaling messages off the controller loop. Messages to
// the same topic leave in the order they were queued; different topics do
// not wait for each other, so a slow recipient cannot stall the mesh.
type outbox struct {
	bus    signal.Bus
	ctx    context.Context
	cancel context.CancelFunc
	onErr  func(*signal.Message, error)

	mu      sync.Mutex
	queues  map[string][]*signal.Message
	running map[string]bool
	wg      sync.WaitGroup
}

func newOutbox(bus signal.Bus, onErr func(*signal.Message, error)) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &outbox{
		bus:     bus,
		ctx:     ctx,
		cancel:  cancel,
		onErr:   onErr,
		queues:  make(map[string][]*signal.Message),
		running: make(map[string]bool),
	}
}

func (o *outbox) send(m *signal.Message) {
	topic := m.Topic()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx.Err() != nil {
		return
	}
	o.queues[topic] = append(o.queues[topic], m)
	if !o.running[topic] {
		o.running[topic] = true
		o.wg.Add(1)
		go o.drain(topic)
	}
}

func (o *outbox) drain(topic string) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		q := o.queues[topic]
		if len(q) == 0 || o.ctx.Err() != nil {
			delete(o.queues, topic)
			delete(o.running, topic)
			o.mu.Unlock()
			return
		}
		m := q[0]
		o.queues[topic] = q[1:]
		o.mu.Unlock()

		if err := o.bus.Publish(o.ctx, topic, m); err != nil && o.onErr != nil {
			o.onErr(m, err)
		}
	}
}

// flush waits up to timeout for queued messages to be published.
func (o *outbox) flush(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// close abandons anything still queued and cancels in-flight publishes.
func (o *outbox) close() {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()
}
