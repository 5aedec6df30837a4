// Package bus defines the transport-agnostic event bus the broadcaster rides
// for cross-process fan-out, with in-process, Redis, and Kafka backends.
package bus

import "context"

// Handler consumes one raw message for a topic.
type Handler func(topic string, payload []byte)

// Publisher is the write side of the bus. Sinks that cannot subscribe (e.g.
// Kafka mirroring) implement only this.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// EventBus is a full publish/subscribe transport. Unsubscribe is the function
// returned by Subscribe.
type EventBus interface {
	Publisher
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
	Close() error
}
