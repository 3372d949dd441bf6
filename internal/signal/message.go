// Package signal defines the voice signaling contract: the messages peers
// exchange to negotiate mesh audio connections, the topics they travel on,
// and the Bus that carries them. It imports no transport.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Kind is the value of the "kind" field of every signaling message.
type Kind string

const (
	KindJoin      Kind = "join"      // broadcast: participant entered the channel
	KindLeave     Kind = "leave"     // broadcast: participant left the channel
	KindOffer     Kind = "offer"     // point-to-point: SDP offer
	KindAnswer    Kind = "answer"    // point-to-point: SDP answer
	KindCandidate Kind = "candidate" // point-to-point: trickle ICE candidate
)

// ── Topics ────────────────────────────────────────────────────────────────────
// Join/Leave go to the channel topic, everything else to the recipient's
// user topic.
const (
	TopicChannelPrefix = "voice/channel/" // + channelID
	TopicUserPrefix    = "voice/user/"    // + participantID
)

// ChannelTopic returns the broadcast topic of a voice channel.
func ChannelTopic(channelID string) string { return TopicChannelPrefix + channelID }

// UserTopic returns the point-to-point topic of a participant.
func UserTopic(participantID string) string { return TopicUserPrefix + participantID }

// Candidate is the standard RTCIceCandidateInit shape (W3C WebRTC).
type Candidate struct {
	Candidate        string  `json:"candidate" msgpack:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" msgpack:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" msgpack:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" msgpack:"usernameFragment,omitempty"`
}

// CandidateFrom converts a Pion candidate init into its wire form.
func CandidateFrom(c webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Init converts the wire form back into a Pion candidate init.
func (c Candidate) Init() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the single wire type for all voice signaling. Which fields are
// set depends on Kind:
//
//	join, leave        ChannelID, From, Session
//	offer              ChannelID, From, To, Session, SDP, Restart
//	answer             ChannelID, From, To, Session, SDP
//	candidate          ChannelID, From, To, Candidate
//
// Session is always the sender's join nonce, so a receiver can tell a
// message from a participant's earlier join apart from the current one.
// ID is unique per message and lets receivers drop re-deliveries.
type Message struct {
	Kind      Kind       `json:"kind" msgpack:"kind"`
	ID        string     `json:"id" msgpack:"id"`
	ChannelID string     `json:"channelId" msgpack:"channelId"`
	From      string     `json:"from" msgpack:"from"`
	To        string     `json:"to,omitempty" msgpack:"to,omitempty"`
	Session   string     `json:"session,omitempty" msgpack:"session,omitempty"`
	SDP       string     `json:"sdp,omitempty" msgpack:"sdp,omitempty"`
	Restart   bool       `json:"restart,omitempty" msgpack:"restart,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty" msgpack:"candidate,omitempty"`
}

// NewJoin announces participantID on channelID. session identifies this
// particular join so duplicates can be told apart from a re-join.
func NewJoin(channelID, participantID, session string) *Message {
	return &Message{Kind: KindJoin, ID: uuid.NewString(), ChannelID: channelID, From: participantID, Session: session}
}

// NewLeave announces that the join identified by session ended.
func NewLeave(channelID, participantID, session string) *Message {
	return &Message{Kind: KindLeave, ID: uuid.NewString(), ChannelID: channelID, From: participantID, Session: session}
}

// NewOffer carries an SDP offer from one participant to another.
func NewOffer(channelID, from, to, session, sdp string, restart bool) *Message {
	return &Message{
		Kind:      KindOffer,
		ID:        uuid.NewString(),
		ChannelID: channelID,
		From:      from,
		To:        to,
		Session:   session,
		SDP:       sdp,
		Restart:   restart,
	}
}

// NewAnswer carries an SDP answer back to the offering participant.
// session is the answerer's own join nonce.
func NewAnswer(channelID, from, to, session, sdp string) *Message {
	return &Message{
		Kind:      KindAnswer,
		ID:        uuid.NewString(),
		ChannelID: channelID,
		From:      from,
		To:        to,
		Session:   session,
		SDP:       sdp,
	}
}

// NewCandidate carries one trickle ICE candidate.
func NewCandidate(channelID, from, to string, c Candidate) *Message {
	return &Message{Kind: KindCandidate, ID: uuid.NewString(), ChannelID: channelID, From: from, To: to, Candidate: &c}
}

// Topic returns the bus topic the message is addressed to.
func (m *Message) Topic() string {
	switch m.Kind {
	case KindJoin, KindLeave:
		return ChannelTopic(m.ChannelID)
	default:
		return UserTopic(m.To)
	}
}

// Clone returns a deep copy, so in-process transports never share a message
// between subscribers.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Candidate != nil {
		c := *m.Candidate
		cp.Candidate = &c
	}
	return &cp
}

func (m *Message) String() string {
	if m.To != "" {
		return fmt.Sprintf("%s %s→%s (%s)", m.Kind, short(m.From), short(m.To), m.ChannelID)
	}
	return fmt.Sprintf("%s %s (%s)", m.Kind, short(m.From), m.ChannelID)
}

// Encode marshals a message for byte-oriented transports.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a message produced by Encode. It does not validate it.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &ProtocolError{Reason: "malformed", Err: err}
	}
	return &m, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
