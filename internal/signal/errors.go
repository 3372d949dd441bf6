package signal

import (
	"errors"
	"fmt"
)

// ErrInvalidTopic is returned by transports for topics outside the
// voice/channel/ and voice/user/ namespaces.
var ErrInvalidTopic = errors.New("signal: invalid topic")

// ProtocolError reports a malformed or out-of-state signaling message.
// Receivers log and drop these; they never end a session.
type ProtocolError struct {
	Kind   Kind
	From   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "signal: " + e.Reason
	if e.Kind != "" {
		msg = fmt.Sprintf("signal: %s from %s: %s", e.Kind, short(e.From), e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError builds a ProtocolError about m. m may be nil.
func NewProtocolError(m *Message, reason string, err error) *ProtocolError {
	pe := &ProtocolError{Reason: reason, Err: err}
	if m != nil {
		pe.Kind = m.Kind
		pe.From = m.From
	}
	return pe
}

// Reason extracts the drop reason of a ProtocolError, or "error" for
// anything else.
func Reason(err error) string {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return "error"
}
