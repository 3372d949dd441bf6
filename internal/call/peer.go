package call

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/voicemesh/internal/signal"
)

// Peer is the connection to one remote participant. All of its fields are
// owned by the controller loop; every method runs there.
type Peer struct {
	c        *Controller
	remoteID string
	role     Role
	session  string // remote's join nonce, "" if unknown
	native   NativePeer
	state    State
	stream   RemoteStream
	created  time.Time

	restarted    bool // the one ICE restart of this failure episode is used
	restartTimer *time.Timer
	closed       bool
}

func (p *Peer) RemoteID() string { return p.remoteID }
func (p *Peer) Role() Role        { return p.role }
func (p *Peer) State() State      { return p.state }

func (p *Peer) setState(s State) {
	if p.state == s {
		return
	}
	p.c.diag("%s %s → %s", short(p.remoteID), p.state, s)
	p.state = s
}

// sendOffer creates a (possibly restarting) offer and sends it to the
// remote participant. Only initiators offer.
func (p *Peer) sendOffer(restart bool) error {
	if p.role != RoleInitiator {
		return fmt.Errorf("call: receiver may not offer to %s", p.remoteID)
	}
	if p.c.media == nil {
		return ErrMediaNotReady
	}
	sdp, err := p.native.CreateOffer(restart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	p.setState(StateOfferSent)
	p.c.out.send(signal.NewOffer(p.c.channelID, p.c.localID, p.remoteID, p.c.session, sdp, restart))
	return nil
}

// acceptOffer applies a remote offer, drains buffered candidates and
// answers.
func (p *Peer) acceptOffer(m *signal.Message) error {
	if p.state == StateCreated {
		p.setState(StateOfferReceived)
	}
	if err := p.native.SetRemoteDescription(webrtc.SDPTypeOffer, m.SDP); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	p.flushCandidates()

	sdp, err := p.native.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	p.setState(StateAnswerExchanged)
	p.c.out.send(signal.NewAnswer(p.c.channelID, p.c.localID, p.remoteID, p.c.session, sdp))
	return nil
}

// acceptAnswer applies a remote answer only while our offer is pending.
// Anything else is stale or duplicated and reported as not applied.
func (p *Peer) acceptAnswer(m *signal.Message) (bool, error) {
	if p.role != RoleInitiator || p.native.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return false, nil
	}
	if err := p.native.SetRemoteDescription(webrtc.SDPTypeAnswer, m.SDP); err != nil {
		return false, fmt.Errorf("set remote answer: %w", err)
	}
	if p.session == "" {
		p.session = m.Session
	}
	p.setState(StateAnswerExchanged)
	p.flushCandidates()
	return true, nil
}

// staleSession reports whether m was sent during a join of the remote
// participant other than the one this connection belongs to. Messages
// without a nonce, or to a peer whose nonce is not known yet, are current.
func (p *Peer) staleSession(m *signal.Message) bool {
	return m.Session != "" && p.session != "" && m.Session != p.session
}

// addCandidate applies c now if the remote description is set, otherwise
// queues it behind the earlier ones.
func (p *Peer) addCandidate(c signal.Candidate) {
	if p.native.HasRemoteDescription() {
		if err := p.native.AddICECandidate(c); err != nil {
			p.c.drop(nil, signal.NewProtocolError(nil, "candidate rejected", err))
		}
		return
	}
	p.c.bufferCandidate(p.remoteID, c)
}

func (p *Peer) flushCandidates() {
	pending := p.c.cands.drain(p.remoteID)
	for _, c := range pending {
		if err := p.native.AddICECandidate(c); err != nil {
			log.Warnf("CALL [%s]: buffered candidate from %s rejected: %v", p.c.channelID, short(p.remoteID), err)
		}
	}
	if len(pending) > 0 {
		p.c.diag("%s applied %d buffered candidates", short(p.remoteID), len(pending))
	}
}

// onNativeState republishes native connection states and runs the failure
// policy: one ICE restart per failure episode, then eviction.
func (p *Peer) onNativeState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		p.setState(StateConnecting)
	case webrtc.PeerConnectionStateConnected:
		p.setState(StateConnected)
		p.restarted = false
		p.stopRestartTimer()
	case webrtc.PeerConnectionStateDisconnected:
		p.setState(StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		p.setState(StateFailed)
	case webrtc.PeerConnectionStateClosed:
		// We never got here through close(), so something else ended it.
		p.c.evict(p, &PeerFailedError{RemoteID: p.remoteID, Restarted: p.restarted, Err: errNativeClosed})
		return
	default:
		return
	}
	p.c.emit(Event{Type: EventConnectionState, RemoteID: p.remoteID, State: p.state})

	if s == webrtc.PeerConnectionStateFailed {
		p.onFailed()
	}
}

func (p *Peer) onFailed() {
	if p.restarted {
		p.c.evict(p, &PeerFailedError{RemoteID: p.remoteID, Restarted: true, Err: errICEFailed})
		return
	}
	p.restarted = true
	p.c.metrics.ICERestart()

	if p.role == RoleInitiator {
		log.Infof("CALL [%s]: ICE failed with %s, restarting", p.c.channelID, short(p.remoteID))
		if err := p.sendOffer(true); err != nil {
			p.c.evict(p, &PeerFailedError{RemoteID: p.remoteID, Restarted: true, Err: err})
		}
		return
	}

	// Receivers wait for the initiator's restart offer.
	log.Infof("CALL [%s]: ICE failed with %s, awaiting restart offer", p.c.channelID, short(p.remoteID))
	p.stopRestartTimer()
	var t *time.Timer
	t = time.AfterFunc(p.c.opts.RestartTimeout, func() {
		p.c.loop.post(func() {
			if p.restartTimer != t || !p.c.peers.current(p) {
				return
			}
			p.restartTimer = nil
			if p.state != StateConnected {
				p.c.evict(p, &PeerFailedError{RemoteID: p.remoteID, Restarted: true, Err: errRestartTimeout})
			}
		})
	})
	p.restartTimer = t
}

func (p *Peer) onTrack(s RemoteStream) {
	if p.stream == nil {
		p.stream = s
	}
	p.c.diag("%s remote track %s", short(p.remoteID), s.ID())
	p.c.emit(Event{Type: EventRemoteStream, RemoteID: p.remoteID, Stream: s})
}

func (p *Peer) stopRestartTimer() {
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
	}
}

// close releases the native handle. It runs at most once per Peer.
func (p *Peer) close() {
	if p.closed {
		return
	}
	p.closed = true
	p.stopRestartTimer()
	if err := p.native.Close(); err != nil {
		log.Debugf("CALL [%s]: close %s: %v", p.c.channelID, short(p.remoteID), err)
	}
	p.setState(StateClosed)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
