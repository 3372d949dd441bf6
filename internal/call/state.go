package call

// Role is fixed when a Peer is created and never re-evaluated.
type Role int

const (
	RoleInitiator Role = iota // we send the offer
	RoleReceiver              // we only answer
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "receiver"
}

// State is the lifecycle of one remote participant's connection.
//
//	Created → OfferSent (initiator) | OfferReceived (receiver)
//	        → AnswerExchanged → Connecting → Connected
//	        → Disconnected | Failed | Closed
type State int

const (
	StateCreated State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateCreated:         "created",
	StateOfferSent:       "offer-sent",
	StateOfferReceived:   "offer-received",
	StateAnswerExchanged: "answer-exchanged",
	StateConnecting:      "connecting",
	StateConnected:       "connected",
	StateDisconnected:    "disconnected",
	StateFailed:          "failed",
	StateClosed:          "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
