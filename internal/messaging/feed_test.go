package messaging

import (
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject_SingleToken(t *testing.T) {
	s := Subject(KindMessages, "a.b_c>*")
	parts := strings.Split(s, ".")
	require.Len(t, parts, 3)
	assert.Equal(t, "dm", parts[0])
	assert.Equal(t, "messages", parts[1])
	assert.NotContains(t, parts[2], "*")
	assert.NotContains(t, parts[2], ">")
	assert.NotEqual(t, Subject(KindMessages, "a"), Subject(KindFriends, "a"))
}

func TestFeed_NotifyReachesSubscribers(t *testing.T) {
	bus := NewLocalBus()
	feed := NewFeed(bus, zerolog.Nop())

	var mu sync.Mutex
	var got []ChangeEvent
	sub, err := feed.Subscribe(KindConversations, "bob", func(ev ChangeEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	feed.NotifyConversations("alice", "bob")
	feed.NotifyFriends("bob")

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, KindConversations, got[0].Kind)
	assert.Equal(t, "bob", got[0].Key)
	assert.NotZero(t, got[0].At)
	mu.Unlock()

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	feed.NotifyConversations("bob")

	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestFeed_DropsMalformedPayload(t *testing.T) {
	bus := NewLocalBus()
	feed := NewFeed(bus, zerolog.Nop())

	calls := 0
	_, err := feed.Subscribe(KindMessages, "c1", func(ChangeEvent) { calls++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(Subject(KindMessages, "c1"), []byte("{not json")))
	assert.Equal(t, 0, calls)

	feed.NotifyMessages("c1")
	assert.Equal(t, 1, calls)
}

func TestLocalBus_Close(t *testing.T) {
	bus := NewLocalBus()
	calls := 0
	_, err := bus.Subscribe("x", func([]byte) { calls++ })
	require.NoError(t, err)

	bus.Close()
	assert.ErrorIs(t, bus.Publish("x", nil), ErrClosed)
	_, err = bus.Subscribe("x", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, calls)

	// Publishing after close must not panic in the feed either.
	NewFeed(bus, zerolog.Nop()).NotifyFriends("alice")
}
