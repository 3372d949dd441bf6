package proto

const (
	MdnsTag = "voicemesh-mdns"

	// libp2p stream protocol ID for point-to-point signaling (offer, answer,
	// candidate) with a transport ACK per message
	SignalProtoID = "/voicemesh/signal/1.0.0"

	// libp2p stream protocol ID returning a node's diagnostic snapshot
	DiagProtoID = "/voicemesh/diag/1.0.0"

	// libp2p stream protocol ID for the heartbeat kept open between
	// participants of the same channel
	HeartbeatProtoID = "/voicemesh/heartbeat/1.0.0"

	// GossipSub topic names are the bus topic prefixed with this namespace
	TopicNamespace = "voicemesh/"
)
