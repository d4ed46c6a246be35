package messaging

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Kind names the collection a change event refers to.
type Kind string

const (
	KindFriends       Kind = "friends"       // key: owner user id
	KindConversations Kind = "conversations" // key: participant user id
	KindMessages      Kind = "messages"      // key: conversation id
)

// SubjectPrefix roots every change-feed subject.
const SubjectPrefix = "dm"

// ChangeEvent is the payload published on change-feed subjects. It carries
// no data: subscribers re-read the store on receipt.
type ChangeEvent struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`
	At   int64  `json:"at"` // unix micro
}

// Subject returns the bus subject for a (kind, key) pair. Keys are
// base64url-encoded so ids containing '.', '*' or '>' stay a single token.
func Subject(kind Kind, key string) string {
	return SubjectPrefix + "." + string(kind) + "." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Feed publishes and subscribes to change events over a Bus.
type Feed struct {
	bus Bus
	log zerolog.Logger
}

// NewFeed creates a change feed over bus.
func NewFeed(bus Bus, log zerolog.Logger) *Feed {
	return &Feed{bus: bus, log: log.With().Str("component", "feed").Logger()}
}

// NotifyFriends signals that the friend lists of userIDs changed.
func (f *Feed) NotifyFriends(userIDs ...string) {
	for _, id := range userIDs {
		f.publish(KindFriends, id)
	}
}

// NotifyConversations signals that the conversation lists of userIDs changed.
func (f *Feed) NotifyConversations(userIDs ...string) {
	for _, id := range userIDs {
		f.publish(KindConversations, id)
	}
}

// NotifyMessages signals that a conversation's message log changed.
func (f *Feed) NotifyMessages(conversationID string) {
	f.publish(KindMessages, conversationID)
}

// Subscribe registers handler for changes of (kind, key). Malformed payloads
// are logged and dropped.
func (f *Feed) Subscribe(kind Kind, key string, handler func(ChangeEvent)) (Subscription, error) {
	subject := Subject(kind, key)
	sub, err := f.bus.Subscribe(subject, func(data []byte) {
		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.log.Warn().Err(err).Str("subject", subject).Msg("malformed change event")
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("feed: subscribe %s: %w", kind, err)
	}
	return sub, nil
}

// publish never fails the caller: the write it describes is already
// committed, so a lost notification only delays listeners until the next one.
func (f *Feed) publish(kind Kind, key string) {
	data, err := json.Marshal(ChangeEvent{Kind: kind, Key: key, At: time.Now().UnixMicro()})
	if err != nil {
		f.log.Error().Err(err).Msg("marshal change event")
		return
	}
	if err := f.bus.Publish(Subject(kind, key), data); err != nil {
		f.log.Warn().Err(err).Str("kind", string(kind)).Str("key", key).Msg("publish change event")
	}
}
