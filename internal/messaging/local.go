package messaging

import "sync"

// LocalBus is an in-process Bus. Publish invokes the matching handlers
// synchronously on the caller's goroutine.
type LocalBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]func([]byte)
	closed bool
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[uint64]func([]byte))}
}

// Publish delivers data to every handler subscribed to subject.
func (b *LocalBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]func([]byte), 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe registers handler for subject.
func (b *LocalBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[uint64]func([]byte))
	}
	b.subs[subject][id] = handler
	return &localSubscription{bus: b, subject: subject, id: id}, nil
}

// Close drops every subscription. Later calls fail with ErrClosed.
func (b *LocalBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[uint64]func([]byte))
	b.mu.Unlock()
}

func (b *LocalBus) remove(subject string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.subs[subject]
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(b.subs, subject)
	}
}

type localSubscription struct {
	bus     *LocalBus
	subject string
	id      uint64
}

func (s *localSubscription) Unsubscribe() error {
	s.bus.remove(s.subject, s.id)
	return nil
}
