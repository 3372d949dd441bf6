package call

import (
	"sync"
	"time"
)

// EventType names what happened to a remote participant.
type EventType string

const (
	EventRemoteStream    EventType = "remote-stream"    // Stream is set
	EventConnectionState EventType = "connection-state" // State is set
	EventPeerLeft        EventType = "peer-left"        // Reason is nil for a normal leave
)

// Event is delivered to every subscriber of a Controller.
type Event struct {
	Type      EventType
	ChannelID string
	RemoteID  string
	State     State
	Stream    RemoteStream
	Reason    error
	At        time.Time
}

// emitter fans events out to any number of subscribers. A subscriber that
// does not keep up loses events rather than stalling the controller.
type emitter struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	buffer  int
	closed  bool
	dropped func()
}

func newEmitter(buffer int, dropped func()) *emitter {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &emitter{subs: make(map[chan Event]struct{}), buffer: buffer, dropped: dropped}
}

func (e *emitter) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, e.buffer)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			if e.dropped != nil {
				e.dropped()
			}
		}
	}
}

// close ends every subscription. Later subscribers get a closed channel.
func (e *emitter) close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		for ch := range e.subs {
			close(ch)
		}
		e.subs = nil
	}
	e.mu.Unlock()
}
