package call

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaAccessDenied means the microphone could not be opened: the
	// user refused it or no capture device exists. Join fails with it.
	ErrMediaAccessDenied = errors.New("call: media access denied")

	// ErrAlreadyJoined is returned by a second Join on the same controller.
	ErrAlreadyJoined = errors.New("call: already joined")

	// ErrMediaNotReady means an offer was requested before local media
	// existed.
	ErrMediaNotReady = errors.New("call: local media not ready")

	// ErrNotJoined is returned by operations that need a joined session.
	ErrNotJoined = errors.New("call: not joined")

	// ErrLeft is returned by Join after Leave; a controller is single use.
	ErrLeft = errors.New("call: session already left")

	errICEFailed      = errors.New("ice connection failed")
	errRestartTimeout = errors.New("no restart offer before timeout")
	errNativeClosed   = errors.New("native connection closed")
)

// PeerFailedError is the reason carried by EventPeerLeft when a connection
// could not be kept alive. The rest of the session is unaffected.
type PeerFailedError struct {
	RemoteID  string
	Restarted bool // an ICE restart was attempted first
	Err       error
}

func (e *PeerFailedError) Error() string {
	if e.Restarted {
		return fmt.Sprintf("call: peer %s failed after ICE restart: %v", e.RemoteID, e.Err)
	}
	return fmt.Sprintf("call: peer %s failed: %v", e.RemoteID, e.Err)
}

func (e *PeerFailedError) Unwrap() error { return e.Err }
