package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/voicemesh/internal/signal"
)

// NativePeer is the slice of a WebRTC peer connection the orchestrator
// drives. PionFactory provides the real one; tests substitute a fake.
type NativePeer interface {
	// CreateOffer creates an offer, sets it as local description and
	// returns its SDP. restart requests fresh ICE credentials.
	CreateOffer(restart bool) (string, error)
	// CreateAnswer creates an answer to the applied remote offer, sets it
	// as local description and returns its SDP.
	CreateAnswer() (string, error)
	SetRemoteDescription(typ webrtc.SDPType, sdp string) error
	AddICECandidate(c signal.Candidate) error
	SignalingState() webrtc.SignalingState
	HasRemoteDescription() bool
	Close() error
}

// NativeHandlers are invoked from the native stack's own goroutines, never
// from the controller loop.
type NativeHandlers struct {
	OnICECandidate    func(c *signal.Candidate) // nil once gathering completes
	OnConnectionState func(s webrtc.PeerConnectionState)
	OnTrack           func(s RemoteStream)
}

// NativeFactory creates one NativePeer per remote participant. media is
// the controller's shared local media; its tracks are added to the new
// connection.
type NativeFactory interface {
	NewPeer(remoteID string, media LocalMedia, h NativeHandlers) (NativePeer, error)
}
