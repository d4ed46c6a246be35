package messaging

import "errors"

// ErrClosed is returned by a Bus after Close.
var ErrClosed = errors.New("messaging: bus closed")

// Bus is the subject-based pub/sub transport used for change notifications.
// Handlers may be invoked from transport goroutines and must not block.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	Close()
}

// Subscription is a live Bus registration. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}
