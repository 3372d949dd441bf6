package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/voicemesh/internal/signal"
)

func TestCandidateBuffer(t *testing.T) {
	b := newCandidateBuffer(3, 0)

	assert.False(t, b.has("x"))
	for port := 1; port <= 3; port++ {
		assert.False(t, b.push("x", hostCandidate(port)))
	}
	assert.True(t, b.push("x", hostCandidate(4)), "overflow drops the oldest")
	b.push("y", hostCandidate(9))

	assert.Equal(t, map[string]int{"x": 3, "y": 1}, b.counts())

	got := b.drain("x")
	require.Len(t, got, 3)
	assert.Equal(t, hostCandidate(2), got[0])
	assert.Equal(t, hostCandidate(4), got[2])
	assert.False(t, b.has("x"))
	assert.Equal(t, 0, b.len("x"))

	b.discard("y")
	assert.Empty(t, b.counts())

	b.push("z", hostCandidate(1))
	b.clear()
	assert.Empty(t, b.counts())
}

func TestCandidateBufferCapsStrangers(t *testing.T) {
	b := newCandidateBuffer(3, 2)

	_, evicted := b.pushStranger("a", hostCandidate(1))
	assert.Empty(t, evicted)
	_, evicted = b.pushStranger("b", hostCandidate(1))
	assert.Empty(t, evicted)
	_, evicted = b.pushStranger("a", hostCandidate(2))
	assert.Empty(t, evicted, "an existing slot is not a new stranger")

	_, evicted = b.pushStranger("c", hostCandidate(1))
	assert.Equal(t, "a", evicted)
	assert.Equal(t, map[string]int{"b": 1, "c": 1}, b.counts())

	// A slot whose peer now exists no longer counts against the cap.
	b.adopt("b")
	_, evicted = b.pushStranger("d", hostCandidate(1))
	assert.Empty(t, evicted)
	_, evicted = b.pushStranger("e", hostCandidate(1))
	assert.Equal(t, "c", evicted)
	assert.Equal(t, map[string]int{"b": 1, "d": 1, "e": 1}, b.counts())

	b.drain("d")
	_, evicted = b.pushStranger("f", hostCandidate(1))
	assert.Empty(t, evicted)

	b.clear()
	_, evicted = b.pushStranger("g", hostCandidate(1))
	assert.Empty(t, evicted)
}

func TestRegistryRemoveChecksIdentity(t *testing.T) {
	r := newRegistry()
	old := &Peer{remoteID: "bob"}
	require.NoError(t, r.insert(old))
	assert.ErrorIs(t, r.insert(&Peer{remoteID: "bob"}), errDuplicatePeer)

	assert.True(t, r.remove(old))
	fresh := &Peer{remoteID: "bob"}
	require.NoError(t, r.insert(fresh))

	assert.False(t, r.remove(old), "stale peer must not evict its successor")
	assert.True(t, r.current(fresh))
	assert.False(t, r.current(old))

	require.NoError(t, r.insert(&Peer{remoteID: "alice"}))
	assert.Equal(t, []string{"alice", "bob"}, r.ids())
	drained := r.drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "alice", drained[0].remoteID)
	assert.Equal(t, 0, r.len())
}

func TestLoopRunsInOrder(t *testing.T) {
	l := newLoop()
	var got []int
	for i := 0; i < 100; i++ {
		require.True(t, l.post(func() { got = append(got, i) }))
	}
	require.True(t, l.do(func() {}))
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}

	// Posting from inside a task must not deadlock.
	done := make(chan struct{})
	l.post(func() { l.post(func() { close(done) }) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post did not run")
	}

	l.stop()
	<-l.done
	assert.False(t, l.post(func() {}))
	assert.False(t, l.do(func() {}))
}

func TestEmitterFanOut(t *testing.T) {
	dropped := 0
	e := newEmitter(1, func() { dropped++ })
	a, cancelA := e.subscribe()
	b, _ := e.subscribe()

	e.emit(Event{Type: EventPeerLeft, RemoteID: "x"})
	e.emit(Event{Type: EventPeerLeft, RemoteID: "y"}) // buffers are full

	assert.Equal(t, "x", (<-a).RemoteID)
	assert.Equal(t, "x", (<-b).RemoteID)
	assert.Equal(t, 2, dropped)

	cancelA()
	_, ok := <-a
	assert.False(t, ok)

	e.close()
	_, ok = <-b
	assert.False(t, ok)

	late, _ := e.subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

type slowBus struct {
	*recordBus
	gate chan struct{}
}

func (b *slowBus) Publish(ctx context.Context, topic string, msg *signal.Message) error {
	if msg.To == "slow" {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.recordBus.Publish(ctx, topic, msg)
}

func TestOutboxOrdersPerTopic(t *testing.T) {
	bus := &slowBus{recordBus: newRecordBus(), gate: make(chan struct{})}
	var mu sync.Mutex
	var failures []error
	o := newOutbox(bus, func(_ *signal.Message, err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	})

	o.send(signal.NewCandidate("c", "a", "slow", hostCandidate(1)))
	for port := 1; port <= 5; port++ {
		o.send(signal.NewCandidate("c", "a", "fast", hostCandidate(port)))
	}

	// The fast topic is not held up by the slow one.
	fast := bus.waitFor(t, signal.KindCandidate, 5)
	for i, m := range fast {
		assert.Equal(t, "fast", m.To)
		assert.Equal(t, hostCandidate(i+1).Candidate, m.Candidate.Candidate)
	}

	close(bus.gate)
	assert.True(t, o.flush(time.Second))
	assert.Len(t, bus.messages(signal.KindCandidate), 6)

	o.close()
	o.send(signal.NewLeave("c", "a", "s1"))
	assert.True(t, o.flush(time.Second))
	assert.Empty(t, bus.messages(signal.KindLeave))
	mu.Lock()
	assert.Empty(t, failures)
	mu.Unlock()
}

func TestSilentMedia(t *testing.T) {
	m, err := SilentMedia("local")(context.Background())
	require.NoError(t, err)

	require.Len(t, m.Tracks(), 1)
	assert.Equal(t, "local", m.Tracks()[0].StreamID())
	assert.False(t, m.Muted())
	m.SetMuted(true)
	assert.True(t, m.Muted())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Close())
	assert.True(t, m.Stopped())
	assert.NoError(t, m.Close())
}

func TestPeerFailedError(t *testing.T) {
	err := error(&PeerFailedError{RemoteID: "bob", Restarted: true, Err: errICEFailed})
	assert.Contains(t, err.Error(), "after ICE restart")
	assert.True(t, errors.Is(err, errICEFailed))

	plain := &PeerFailedError{RemoteID: "bob", Err: errNativeClosed}
	assert.NotContains(t, plain.Error(), "restart")
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "offer-sent", StateOfferSent.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "initiator", RoleInitiator.String())
	assert.Equal(t, "receiver", RoleReceiver.String())
}

func TestWithFallback(t *testing.T) {
	denied := func(context.Context) (LocalMedia, error) { return nil, ErrMediaAccessDenied }
	broken := func(context.Context) (LocalMedia, error) { return nil, errors.New("boom") }
	fm := &fakeMedia{}

	m, err := WithFallback(denied, fm.source())(context.Background())
	require.NoError(t, err)
	assert.Same(t, fm, m)

	_, err = WithFallback(broken, fm.source())(context.Background())
	assert.EqualError(t, err, "boom")

	other := &fakeMedia{}
	m, err = WithFallback(other.source(), fm.source())(context.Background())
	require.NoError(t, err)
	assert.Same(t, other, m)
}
