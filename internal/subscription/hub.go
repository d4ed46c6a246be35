// Package subscription implements persistent push listeners over friend
// lists, conversation lists and message streams. Each listener delivers an
// initial snapshot and then a complete fresh snapshot after every change
// signalled on the change feed, until it is unsubscribed.
package subscription

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/friendchat/internal/chat"
	"github.com/whisper/friendchat/internal/friend"
	"github.com/whisper/friendchat/internal/messaging"
	"github.com/whisper/friendchat/internal/metrics"
)

// DefaultMessageLimit is used by ListenMessages when limit <= 0.
const DefaultMessageLimit = 50

// FriendSource reads friend lists.
type FriendSource interface {
	ListFriends(ctx context.Context, ownerID string) ([]friend.Edge, error)
}

// ConversationSource reads conversations and message logs.
type ConversationSource interface {
	ListConversations(ctx context.Context, userID string) ([]*chat.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*chat.Message, error)
}

// Unsubscribe stops a listener. It is idempotent and may be called from
// inside the listener's own callback. Once it returns no new delivery
// starts; a delivery already running at the time of the call finishes.
type Unsubscribe func()

// Hub creates listeners.
type Hub struct {
	feed    *messaging.Feed
	friends FriendSource
	chats   ConversationSource
	log     zerolog.Logger
}

// NewHub creates a listener hub reading from friends and chats and waking on
// feed events.
func NewHub(feed *messaging.Feed, friends FriendSource, chats ConversationSource, log zerolog.Logger) *Hub {
	return &Hub{
		feed:    feed,
		friends: friends,
		chats:   chats,
		log:     log.With().Str("component", "subscription").Logger(),
	}
}

// ListenFriends pushes userID's full friend list, newest first.
func (h *Hub) ListenFriends(userID string, onChange func([]friend.Edge)) (Unsubscribe, error) {
	return listen(h, messaging.KindFriends, userID, func(ctx context.Context) ([]friend.Edge, error) {
		return h.friends.ListFriends(ctx, userID)
	}, onChange)
}

// ListenConversations pushes every conversation of userID, most recently
// active first.
func (h *Hub) ListenConversations(userID string, onChange func([]*chat.Conversation)) (Unsubscribe, error) {
	return listen(h, messaging.KindConversations, userID, func(ctx context.Context) ([]*chat.Conversation, error) {
		return h.chats.ListConversations(ctx, userID)
	}, onChange)
}

// ListenMessages pushes up to limit of the newest messages of a
// conversation, oldest first.
func (h *Hub) ListenMessages(conversationID string, limit int, onChange func([]*chat.Message)) (Unsubscribe, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	return listen(h, messaging.KindMessages, conversationID, func(ctx context.Context) ([]*chat.Message, error) {
		return h.chats.RecentMessages(ctx, conversationID, limit)
	}, onChange)
}

// listener owns one delivery goroutine. Change events only mark it dirty;
// the goroutine re-reads the source, so a burst of events coalesces into a
// single fresh snapshot.
type listener[T any] struct {
	kind    messaging.Kind
	key     string
	fetch   func(context.Context) (T, error)
	deliver func(T)
	log     zerolog.Logger

	dirty  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	delivering bool
	sub        messaging.Subscription
}

func listen[T any](h *Hub, kind messaging.Kind, key string, fetch func(context.Context) (T, error), deliver func(T)) (Unsubscribe, error) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener[T]{
		kind:    kind,
		key:     key,
		fetch:   fetch,
		deliver: deliver,
		log:     h.log.With().Str("kind", string(kind)).Str("key", key).Logger(),
		dirty:   make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	// Subscribe before the initial read so no change between the snapshot
	// and the subscription is missed.
	sub, err := h.feed.Subscribe(kind, key, func(messaging.ChangeEvent) { l.markDirty() })
	if err != nil {
		cancel()
		return nil, err
	}
	l.sub = sub
	l.markDirty()

	metrics.ActiveSubscriptions.Inc()
	go l.run()
	return l.unsubscribe, nil
}

func (l *listener[T]) markDirty() {
	select {
	case l.dirty <- struct{}{}:
	default:
	}
}

func (l *listener[T]) run() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.dirty:
		}

		snapshot, err := l.fetch(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.log.Warn().Err(err).Msg("snapshot read failed, waiting for next change")
			continue
		}

		if !l.deliverOpen(snapshot) {
			return
		}
	}
}

// deliverOpen hands snapshot to the callback unless the listener is closed
// and reports whether it is still open afterwards. The closed check and the
// claim of the delivery happen under one lock, so an Unsubscribe either
// prevents the delivery or observes it as already running.
func (l *listener[T]) deliverOpen(snapshot T) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.delivering = true
	l.mu.Unlock()

	l.deliver(snapshot)

	l.mu.Lock()
	l.delivering = false
	open := !l.closed
	l.mu.Unlock()
	return open
}

func (l *listener[T]) unsubscribe() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	inFlight := l.delivering
	sub := l.sub
	l.mu.Unlock()

	if inFlight {
		l.log.Debug().Msg("unsubscribed during delivery")
	}

	l.cancel()
	if err := sub.Unsubscribe(); err != nil {
		l.log.Warn().Err(err).Msg("unsubscribe from change feed")
	}
	metrics.ActiveSubscriptions.Dec()
}
