package call

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/voicemesh/internal/signal"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func hostCandidate(port int) signal.Candidate {
	return signal.Candidate{Candidate: "candidate:1 1 udp 2130706431 192.168.1.10 " + strconv.Itoa(port) + " typ host"}
}

// ── native ───────────────────────────────────────────────────────────────────

type fakeNative struct {
	mu      sync.Mutex
	peers   map[string][]*fakePeer
	failNew error
}

func newFakeNative() *fakeNative {
	return &fakeNative{peers: make(map[string][]*fakePeer)}
}

func (f *fakeNative) NewPeer(remoteID string, media LocalMedia, h NativeHandlers) (NativePeer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew != nil {
		return nil, f.failNew
	}
	p := &fakePeer{remoteID: remoteID, h: h, sig: webrtc.SignalingStateStable}
	f.peers[remoteID] = append(f.peers[remoteID], p)
	return p, nil
}

// created returns every native peer made for remoteID, oldest first.
func (f *fakeNative) created(remoteID string) []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers[remoteID]...)
}

func (f *fakeNative) last(t *testing.T, remoteID string) *fakePeer {
	t.Helper()
	all := f.created(remoteID)
	require.NotEmpty(t, all, "no native peer for %s", remoteID)
	return all[len(all)-1]
}

type fakePeer struct {
	remoteID string
	h        NativeHandlers

	mu         sync.Mutex
	offers     []bool // restart flag per CreateOffer
	answers    int
	remote     []webrtc.SDPType
	candidates []string
	sig        webrtc.SignalingState
	hasRemote  bool
	closes     int
}

func (p *fakePeer) CreateOffer(restart bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, restart)
	p.sig = webrtc.SignalingStateHaveLocalOffer
	return testSDP, nil
}

func (p *fakePeer) CreateAnswer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sig != webrtc.SignalingStateHaveRemoteOffer {
		return "", errors.New("no remote offer")
	}
	p.answers++
	p.sig = webrtc.SignalingStateStable
	return testSDP, nil
}

func (p *fakePeer) SetRemoteDescription(typ webrtc.SDPType, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch typ {
	case webrtc.SDPTypeOffer:
		p.sig = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.sig != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("answer in wrong state")
		}
		p.sig = webrtc.SignalingStateStable
	}
	p.remote = append(p.remote, typ)
	p.hasRemote = true
	return nil
}

func (p *fakePeer) AddICECandidate(c signal.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasRemote {
		return errors.New("candidate before remote description")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasRemote
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeer) offerFlags() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.offers...)
}

func (p *fakePeer) applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePeer) remoteTypes() []webrtc.SDPType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SDPType(nil), p.remote...)
}

// state simulates the native stack reporting a connection state.
func (p *fakePeer) state(s webrtc.PeerConnectionState) {
	p.h.OnConnectionState(s)
}

// ── media ────────────────────────────────────────────────────────────────────

type fakeMedia struct {
	mu     sync.Mutex
	muted  bool
	closes int
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
}

func (m *fakeMedia) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes > 0
}

func (m *fakeMedia) source() MediaSource {
	return func(context.Context) (LocalMedia, error) { return m, nil }
}

// ── bus ──────────────────────────────────────────────────────────────────────

// recordBus records publishes and hands out subscriptions that tests can
// count. Nothing published is delivered back.
type recordBus struct {
	mu         sync.Mutex
	sent       []*signal.Message
	subscribes map[string]int
	active     map[string]int
}

func newRecordBus() *recordBus {
	return &recordBus{subscribes: make(map[string]int), active: make(map[string]int)}
}

func (b *recordBus) Publish(_ context.Context, topic string, msg *signal.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic != msg.Topic() {
		return errors.New("topic mismatch")
	}
	b.sent = append(b.sent, msg.Clone())
	return nil
}

func (b *recordBus) Subscribe(_ context.Context, topic string) (<-chan *signal.Message, func(), error) {
	b.mu.Lock()
	b.subscribes[topic]++
	b.active[topic]++
	b.mu.Unlock()

	ch := make(chan *signal.Message)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.active[topic]--
			b.mu.Unlock()
			close(ch)
		})
	}, nil
}

func (b *recordBus) messages(kind signal.Kind) []*signal.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*signal.Message
	for _, m := range b.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (b *recordBus) waitFor(t *testing.T, kind signal.Kind, n int) []*signal.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(b.messages(kind)) >= n },
		2*time.Second, 5*time.Millisecond, "want %d %s messages", n, kind)
	return b.messages(kind)
}

// ── stream ───────────────────────────────────────────────────────────────────

type fakeStream struct {
	id   string
	pkts []*rtp.Packet
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) Codec() webrtc.RTPCodecParameters { return webrtc.RTPCodecParameters{} }

func (s *fakeStream) ReadRTP() (*rtp.Packet, error) {
	if len(s.pkts) == 0 {
		return nil, io.EOF
	}
	p := s.pkts[0]
	s.pkts = s.pkts[1:]
	return p, nil
}

// ── harness ──────────────────────────────────────────────────────────────────

const testChannel = "lobby"

type harness struct {
	c      *Controller
	native *fakeNative
	media  *fakeMedia
	bus    *recordBus
}

func newHarness(t *testing.T, localID string, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{native: newFakeNative(), media: &fakeMedia{}, bus: newRecordBus()}
	opts := Options{Bus: h.bus, Media: h.media.source(), Native: h.native}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	h.c = c
	require.NoError(t, c.Join(context.Background(), testChannel, localID))
	t.Cleanup(func() { _ = c.Leave() })
	return h
}

// deliver runs one inbound message through the controller synchronously.
func (h *harness) deliver(t *testing.T, m *signal.Message) {
	t.Helper()
	require.True(t, h.c.loop.do(func() { h.c.dispatch(m) }), "controller loop stopped")
}

// settle waits for every task posted so far, e.g. by native callbacks.
func (h *harness) settle() {
	h.c.loop.do(func() {})
}

func (h *harness) peer(t *testing.T, remoteID string) (*Peer, bool) {
	t.Helper()
	var p *Peer
	var ok bool
	h.c.loop.do(func() { p, ok = h.c.peers.get(remoteID) })
	return p, ok
}

func (h *harness) peerState(t *testing.T, remoteID string) State {
	t.Helper()
	var s State = -1
	h.c.loop.do(func() {
		if p, ok := h.c.peers.get(remoteID); ok {
			s = p.state
		}
	})
	return s
}

func (h *harness) peerCount() int {
	var n int
	h.c.loop.do(func() { n = h.c.peers.len() })
	return n
}

func (h *harness) buffered(remoteID string) int {
	var n int
	h.c.loop.do(func() { n = h.c.cands.len(remoteID) })
	return n
}

func (h *harness) offerFrom(from, to, session string, restart bool) *signal.Message {
	return signal.NewOffer(testChannel, from, to, session, testSDP, restart)
}

func (h *harness) answerFrom(from, to, session string) *signal.Message {
	return signal.NewAnswer(testChannel, from, to, session, testSDP)
}

func (h *harness) candidateFrom(from, to string, port int) *signal.Message {
	return signal.NewCandidate(testChannel, from, to, hostCandidate(port))
}

// collect reads events until n have arrived or the timeout passes.
func collect(ch <-chan Event, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func ofType(evs []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
