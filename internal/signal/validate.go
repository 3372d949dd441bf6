package signal

import (
	"errors"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
)

// Validate checks the shape of a message before it reaches a state machine:
// required addressing fields for its kind, a parseable SDP with an audio
// section for offers and answers, and a parseable candidate line. An empty
// candidate line is the end-of-candidates marker and is accepted.
func (m *Message) Validate() error {
	if m == nil {
		return &ProtocolError{Reason: "nil message"}
	}
	if m.ChannelID == "" {
		return NewProtocolError(m, "missing channel id", nil)
	}
	if m.From == "" {
		return NewProtocolError(m, "missing sender", nil)
	}

	switch m.Kind {
	case KindJoin, KindLeave:
		return nil
	case KindOffer, KindAnswer, KindCandidate:
	default:
		return NewProtocolError(m, "unknown kind", nil)
	}

	if m.To == "" {
		return NewProtocolError(m, "missing recipient", nil)
	}
	if m.To == m.From {
		return NewProtocolError(m, "addressed to sender", nil)
	}

	if m.Kind == KindCandidate {
		if m.Candidate == nil {
			return NewProtocolError(m, "missing candidate", nil)
		}
		if err := ValidateCandidate(m.Candidate.Candidate); err != nil {
			return NewProtocolError(m, "bad candidate", err)
		}
		return nil
	}

	if err := ValidateSDP(m.SDP); err != nil {
		return NewProtocolError(m, "bad sdp", err)
	}
	return nil
}

// ValidateSDP parses raw and requires at least one audio media section.
func ValidateSDP(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty sdp")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return err
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return nil
		}
	}
	return errors.New("no audio media section")
}

// ValidateCandidate parses one a=candidate value, with or without the
// "candidate:" prefix browsers put in RTCIceCandidate.candidate.
func ValidateCandidate(raw string) error {
	if raw == "" {
		return nil
	}
	_, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:"))
	return err
}
