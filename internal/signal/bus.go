package signal

import "context"

// Bus is the only surface the voice core needs from the transport.
//
// Delivery is at least once and ordered per sender/recipient pair: an offer
// always arrives before the candidates that follow it. There is no ordering
// across different senders.
type Bus interface {
	// Publish delivers msg to every subscriber of topic.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe returns a channel of messages on topic and a cancel func that
	// closes it. The channel is also closed when ctx ends.
	Subscribe(ctx context.Context, topic string) (<-chan *Message, func(), error)
}
