package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/voicemesh/internal/bus"
	"github.com/petervdpas/voicemesh/internal/call"
	"github.com/petervdpas/voicemesh/internal/config"
	"github.com/petervdpas/voicemesh/internal/metrics"
	"github.com/petervdpas/voicemesh/internal/signal"
	"github.com/petervdpas/voicemesh/internal/storage"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

// loopNative pretends every connection comes up as soon as it has a remote
// description.
type loopNative struct{}

func (loopNative) NewPeer(_ string, _ call.LocalMedia, h call.NativeHandlers) (call.NativePeer, error) {
	return &loopPeer{h: h, sig: webrtc.SignalingStateStable}, nil
}

type loopPeer struct {
	h call.NativeHandlers

	mu     sync.Mutex
	sig    webrtc.SignalingState
	remote bool
}

func (p *loopPeer) CreateOffer(bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sig = webrtc.SignalingStateHaveLocalOffer
	return testSDP, nil
}

func (p *loopPeer) CreateAnswer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sig = webrtc.SignalingStateStable
	return testSDP, nil
}

func (p *loopPeer) SetRemoteDescription(typ webrtc.SDPType, _ string) error {
	p.mu.Lock()
	if typ == webrtc.SDPTypeOffer {
		p.sig = webrtc.SignalingStateHaveRemoteOffer
	} else {
		p.sig = webrtc.SignalingStateStable
	}
	p.remote = true
	p.mu.Unlock()
	go p.h.OnConnectionState(webrtc.PeerConnectionStateConnected)
	return nil
}

func (p *loopPeer) AddICECandidate(signal.Candidate) error { return nil }

func (p *loopPeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig
}

func (p *loopPeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *loopPeer) Close() error { return nil }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type participant struct {
	dir    string
	out    *syncBuffer
	cancel context.CancelFunc
	done   chan error
}

func startParticipant(t *testing.T, relayURL, id string) *participant {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.ParticipantID = id
	cfg.Bus.Kind = config.BusRelay
	cfg.Bus.RelayURL = relayURL
	cfg.Metrics.Addr = ""
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	p := &participant{dir: t.TempDir(), out: &syncBuffer{}, cancel: cancel, done: make(chan error, 1)}
	go func() {
		p.done <- Join(ctx, Options{
			PeerDir: p.dir,
			Cfg:     cfg,
			Channel: "lobby",
			Out:     p.out,
			Media:   call.SilentMedia(id),
			Native:  loopNative{},
		})
	}()
	t.Cleanup(p.stop)
	return p
}

func (p *participant) stop() {
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}
}

func TestTwoParticipantsConnectOverRelay(t *testing.T) {
	handler, hub := RelayHandler(metrics.New(false))
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	alice := startParticipant(t, url, "alice")
	require.Eventually(t, func() bool { return hub.Subscribers(signal.ChannelTopic("lobby")) == 1 },
		5*time.Second, 10*time.Millisecond)
	bob := startParticipant(t, url, "bob")

	for _, p := range []*participant{alice, bob} {
		require.Eventually(t, func() bool { return strings.Contains(p.out.String(), "connected") },
			5*time.Second, 10*time.Millisecond, "output so far:\n%s", p.out.String())
	}
	assert.Contains(t, alice.out.String(), "Identity    : alice")

	bob.cancel()
	select {
	case err := <-bob.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bob did not leave")
	}
	require.Eventually(t, func() bool { return strings.Contains(alice.out.String(), " left\n") },
		5*time.Second, 10*time.Millisecond, "output so far:\n%s", alice.out.String())

	j, err := storage.Open(bob.dir)
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.List("lobby", 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "left", entries[len(entries)-1].Type)

	var types, states []string
	for _, e := range entries {
		types = append(types, e.Type)
		if e.Type == string(call.EventConnectionState) {
			states = append(states, e.State)
		}
	}
	assert.Contains(t, types, "joined")
	assert.Contains(t, states, "connected")

	var out bytes.Buffer
	require.NoError(t, History(&out, bob.dir, "lobby", 10))
	assert.Contains(t, out.String(), "connected")
	out.Reset()
	require.NoError(t, History(&out, bob.dir, "", 0))
	assert.Contains(t, out.String(), "lobby")
}

func TestJoinFailsWithoutMedia(t *testing.T) {
	handler, hub := RelayHandler(nil)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})

	cfg := config.Default()
	cfg.Bus.Kind = config.BusRelay
	cfg.Bus.RelayURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Metrics.Addr = ""
	cfg.Storage.Journal = false

	denied := func(context.Context) (call.LocalMedia, error) { return nil, call.ErrMediaAccessDenied }
	err := Join(context.Background(), Options{
		PeerDir: t.TempDir(),
		Cfg:     cfg,
		Channel: "lobby",
		Out:     &syncBuffer{},
		Media:   denied,
		Native:  loopNative{},
	})
	assert.True(t, errors.Is(err, call.ErrMediaAccessDenied))
}

func TestJoinRejectsBadRelay(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Kind = config.BusRelay
	cfg.Bus.RelayURL = "ws://127.0.0.1:1/ws"
	cfg.Metrics.Addr = ""
	cfg.Storage.Journal = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Join(ctx, Options{PeerDir: t.TempDir(), Cfg: cfg, Channel: "lobby", Out: &syncBuffer{}})
	assert.Error(t, err)
}

func TestNormalizeLocalAddr(t *testing.T) {
	addr, url := NormalizeLocalAddr(":9464")
	assert.Equal(t, "127.0.0.1:9464", addr)
	assert.Equal(t, "http://127.0.0.1:9464", url)

	addr, _ = NormalizeLocalAddr("0.0.0.0:80")
	assert.Equal(t, "127.0.0.1:80", addr)

	addr, _ = NormalizeLocalAddr("192.168.1.2:80")
	assert.Equal(t, "192.168.1.2:80", addr)
}

func TestMediaSourceSelection(t *testing.T) {
	errSilence := errors.New("silence")
	mic := func(context.Context) (call.LocalMedia, error) { return nil, call.ErrMediaAccessDenied }
	silence := func(context.Context) (call.LocalMedia, error) { return nil, errSilence }
	ctx := context.Background()

	v := config.Default().Voice
	require.True(t, v.Microphone)
	require.False(t, v.SilenceFallback)

	_, err := mediaSource(v, mic, silence)(ctx)
	assert.ErrorIs(t, err, call.ErrMediaAccessDenied, "a denied microphone fails the join by default")
	assert.Equal(t, "microphone", audioLabel(v))

	v.SilenceFallback = true
	_, err = mediaSource(v, mic, silence)(ctx)
	assert.ErrorIs(t, err, errSilence)
	assert.Contains(t, audioLabel(v), "silence if denied")

	v.Microphone = false
	_, err = mediaSource(v, mic, silence)(ctx)
	assert.ErrorIs(t, err, errSilence)
}

func TestDebugVoiceFetchesPeerDiagnostics(t *testing.T) {
	ctrl, err := call.New(call.Options{Bus: bus.NewMemory(), Media: call.SilentMedia("alice"), Native: loopNative{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Leave() })

	asked := make(chan string, 4)
	tr := &transport{
		diag: func() map[string]any { return map[string]any{"peer_id": "alice"} },
		remoteDiag: func(_ context.Context, id string) (map[string]any, error) {
			asked <- id
			if id == "gone" {
				return nil, errors.New("no route")
			}
			return map[string]any{"peer_id": id}, nil
		},
	}
	srv := httptest.NewServer(debugHandler(metrics.New(false), ctrl, tr))
	t.Cleanup(srv.Close)
	relayOnly := httptest.NewServer(debugHandler(nil, ctrl, &transport{}))
	t.Cleanup(relayOnly.Close)

	get := func(base, path string) (int, map[string]any) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		}
		return resp.StatusCode, body
	}

	code, body := get(srv.URL, "/debug/voice")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "controller")
	assert.Equal(t, "alice", body["transport"].(map[string]any)["peer_id"])

	code, body = get(srv.URL, "/debug/voice?peer=bob")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "bob", <-asked)
	assert.Equal(t, "bob", body["transport"].(map[string]any)["peer_id"])

	code, _ = get(srv.URL, "/debug/voice?peer=gone")
	assert.Equal(t, http.StatusBadGateway, code)

	code, _ = get(relayOnly.URL, "/debug/voice?peer=bob")
	assert.Equal(t, http.StatusNotImplemented, code)
}
