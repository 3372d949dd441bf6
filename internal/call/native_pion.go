package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	pionlog "github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/voicemesh/internal/signal"
)

// PionOptions configures PionFactory.
type PionOptions struct {
	ICEServers []webrtc.ICEServer

	// ICE agent timeouts. Zero values use 30s / 120s / 2s, which ride out
	// short relay or NAT outages without the call dropping.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// LoggerFactory receives pion's internal logs. nil keeps pion quiet.
	LoggerFactory pionlog.LoggerFactory

	// OnRTCP observes RTCP packets returned by receivers of our audio.
	OnRTCP func(remoteID string, pkts []rtcp.Packet)
}

// PionFactory builds native peers on a single pion API (Opus only, default
// interceptors). It is safe for concurrent use.
type PionFactory struct {
	api    *webrtc.API
	onRTCP func(string, []rtcp.Packet)

	mu         sync.RWMutex
	iceServers []webrtc.ICEServer
}

// NewPionFactory creates the shared media engine and API.
func NewPionFactory(opts PionOptions) (*PionFactory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	disc, failed, keep := opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval
	if disc <= 0 {
		disc = 30 * time.Second
	}
	if failed <= 0 {
		failed = 120 * time.Second
	}
	if keep <= 0 {
		keep = 2 * time.Second
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disc, failed, keep)
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}

	f := &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		onRTCP: opts.OnRTCP,
	}
	f.SetICEServers(opts.ICEServers)
	return f, nil
}

// SetICEServers replaces the ICE servers used by peers created from now on.
func (f *PionFactory) SetICEServers(servers []webrtc.ICEServer) {
	cp := append([]webrtc.ICEServer(nil), servers...)
	f.mu.Lock()
	f.iceServers = cp
	f.mu.Unlock()
}

func (f *PionFactory) NewPeer(remoteID string, media LocalMedia, h NativeHandlers) (NativePeer, error) {
	f.mu.RLock()
	servers := f.iceServers
	f.mu.RUnlock()

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	if media == nil || len(media.Tracks()) == 0 {
		// Receive-only: still needs an audio m-line with ICE credentials.
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, err
		}
	} else {
		for _, t := range media.Tracks() {
			sender, err := pc.AddTrack(t)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("add track: %w", err)
			}
			go f.readRTCP(remoteID, sender)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if h.OnICECandidate == nil {
			return
		}
		if c == nil {
			h.OnICECandidate(nil)
			return
		}
		wire := signal.CandidateFrom(c.ToJSON())
		h.OnICECandidate(&wire)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.OnConnectionState != nil {
			h.OnConnectionState(s)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if h.OnTrack != nil {
			h.OnTrack(&pionStream{track: track})
		}
	})

	return &pionPeer{pc: pc}, nil
}

// readRTCP drains the sender so interceptors (NACK, reports) keep working.
func (f *PionFactory) readRTCP(remoteID string, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if f.onRTCP != nil {
			f.onRTCP(remoteID, pkts)
		}
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer(restart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeer) SetRemoteDescription(typ webrtc.SDPType, sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp})
}

func (p *pionPeer) AddICECandidate(c signal.Candidate) error {
	return p.pc.AddICECandidate(c.Init())
}

func (p *pionPeer) SignalingState() webrtc.SignalingState { return p.pc.SignalingState() }

func (p *pionPeer) HasRemoteDescription() bool { return p.pc.RemoteDescription() != nil }

func (p *pionPeer) Close() error {
	err := p.pc.Close()
	if errors.Is(err, webrtc.ErrConnectionClosed) {
		return nil
	}
	return err
}

// LossReporter returns an OnRTCP hook that logs receiver-reported packet
// loss above threshold (0..1).
func LossReporter(threshold float64) func(string, []rtcp.Packet) {
	return func(remoteID string, pkts []rtcp.Packet) {
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, r := range rr.Reports {
				loss := float64(r.FractionLost) / 256
				if loss > threshold {
					log.Warnf("CALL: %s reports %.0f%% loss", remoteID, loss*100)
				}
			}
		}
	}
}
