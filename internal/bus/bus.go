package bus

import "sync"

// Payload is the data attached to a published event.
type Payload map[string]any

type Handler func(Payload)

// Bus is a minimal in-process publish/subscribe fan-out. Publish delivers
// synchronously to subscribers in registration order; delivery order per
// topic matches publish order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
}

func New() *Bus {
	return &Bus{subscribers: make(map[string][]Handler)}
}

func (b *Bus) Subscribe(topic string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], fn)
}

func (b *Bus) Publish(topic string, data Payload) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[topic]...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(data)
	}
}

// TopicNotification carries user-facing messages with a "message" payload
// key.
const TopicNotification = "notification"
