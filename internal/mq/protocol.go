// Package mq implements the /voicemesh/signal/1.0.0 point-to-point transport.
// Wire format: newline-delimited JSON on a short-lived libp2p stream, one
// message and one ACK per stream.
package mq

import "encoding/json"

// MsgType constants for the wire protocol.
const (
	MsgTypeMsg = "msg" // sender → receiver
	MsgTypeAck = "ack" // receiver → sender (transport ACK)
)

// MQMsg is the wire type for a message sent over the MQ protocol.
type MQMsg struct {
	Type    string          `json:"type"`    // "msg"
	ID      string          `json:"id"`      // uuid4
	Seq     int64           `json:"seq"`     // monotonic counter per sender
	Topic   string          `json:"topic"`   // e.g. "voice/user/<peerID>"
	Payload json.RawMessage `json:"payload"` // encoded signal.Message
}

// MQAck is the wire type for a transport ACK. The receiver writes it only
// after the message was handed to its subscribers, so a sender that waits
// for the ACK before its next send gets in-order delivery.
type MQAck struct {
	Type string `json:"type"` // "ack"
	ID   string `json:"id"`   // matches MQMsg.ID
	Seq  int64  `json:"seq"`  // matches MQMsg.Seq
}
