package bus

import (
	"context"
	"sync"
)

// InProc is a process-local EventBus. Delivery is synchronous and at most
// once; there is no replay.
type InProc struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
	closed bool
}

// NewInProc builds an empty in-process bus.
func NewInProc() *InProc {
	return &InProc{subs: make(map[string]map[int]Handler)}
}

// Publish delivers payload to every handler registered for topic.
func (b *InProc) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

// Subscribe registers h for topic and returns its unsubscribe func.
func (b *InProc) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}, nil
}

// Close drops all subscriptions.
func (b *InProc) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[int]Handler)
	b.closed = true
	return nil
}
