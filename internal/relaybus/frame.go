// Package relaybus is a WebSocket signal.Bus for participants that cannot
// reach each other over libp2p: a Hub fans messages out by topic and a
// Client speaks to it. Frames are msgpack encoded binary messages.
package relaybus

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/petervdpas/voicemesh/internal/signal"
)

var log = logging.Logger("voice/relay")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// IDParam is the query parameter carrying the participant id on dial.
	IDParam = "id"
)

// Frame ops.
const (
	OpSubscribe   = "sub"     // client → hub
	OpUnsubscribe = "unsub"   // client → hub
	OpPublish     = "pub"     // client → hub
	OpMessage     = "msg"     // hub → client
	OpError       = "err"     // hub → client
	OpMembers     = "members" // hub → client, answers a channel subscribe
)

// Frame is the single wire type in both directions.
type Frame struct {
	Op      string          `msgpack:"op"`
	Topic   string          `msgpack:"topic,omitempty"`
	Message *signal.Message `msgpack:"message,omitempty"`
	Error   string          `msgpack:"error,omitempty"`
	Members []string        `msgpack:"members,omitempty"`
}

func encodeFrame(f *Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

func decodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
