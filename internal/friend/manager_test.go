package friend

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/friendchat/internal/chat"
	"github.com/whisper/friendchat/internal/directory"
	"github.com/whisper/friendchat/internal/messaging"
	"github.com/whisper/friendchat/internal/profile"
	apperr "github.com/whisper/friendchat/pkg/errors"
)

type testEnv struct {
	friends *Manager
	chats   *chat.Store
	feed    *messaging.Feed
	mr      *miniredis.Miniredis
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	avatar := "https://cdn/bob.png"
	dir := directory.NewMemory(
		profile.UserRecord{ID: "alice", Name: "Alice"},
		profile.UserRecord{ID: "bob", Name: "Bob", Avatar: &avatar},
		profile.UserRecord{ID: "carol", Name: ""},
	)
	resolver := profile.NewResolver(dir)
	feed := messaging.NewFeed(messaging.NewLocalBus(), zerolog.Nop())
	return &testEnv{
		friends: NewManager(rdb, resolver, feed, zerolog.Nop()),
		chats:   chat.NewStore(rdb, resolver, feed, zerolog.Nop(), chat.Options{MaxRetries: 1000}),
		feed:    feed,
		mr:      mr,
	}
}

func TestAddFriend_MirroredEdgesAndSeed(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	var friendEvents int
	sub, err := env.feed.Subscribe(messaging.KindFriends, "bob", func(messaging.ChangeEvent) { friendEvents++ })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, env.friends.AddFriend(ctx, "alice", "bob"))

	aliceEdges, err := env.friends.ListFriends(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, aliceEdges, 1)
	assert.Equal(t, "bob", aliceEdges[0].FriendID)
	assert.Equal(t, "Bob", aliceEdges[0].DisplayName)
	require.NotNil(t, aliceEdges[0].Avatar)

	bobEdges, err := env.friends.ListFriends(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobEdges, 1)
	assert.Equal(t, "alice", bobEdges[0].FriendID)
	assert.Equal(t, "bob", bobEdges[0].OwnerID)
	assert.Nil(t, bobEdges[0].Avatar)

	c, err := env.chats.Get(ctx, chat.ConversationID("alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": 0, "bob": 0}, c.UnreadCounts)
	assert.Equal(t, "Alice", c.ParticipantProfiles["alice"].DisplayName)

	assert.Equal(t, 1, friendEvents)
}

func TestAddFriend_Idempotent(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	require.NoError(t, env.friends.AddFriend(ctx, "alice", "bob"))
	first, err := env.friends.ListFriends(ctx, "alice")
	require.NoError(t, err)

	_, err = env.chats.Send(ctx, "alice", "bob", "hi")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, env.friends.AddFriend(ctx, "bob", "alice"))

	again, err := env.friends.ListFriends(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	c, err := env.chats.Get(ctx, chat.ConversationID("alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, c.UnreadCounts["bob"], "re-adding must not reset unread counters")
}

func TestAddFriend_AfterFirstMessageKeepsUnread(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	_, err := env.chats.Send(ctx, "alice", "bob", "before we were friends")
	require.NoError(t, err)
	require.NoError(t, env.friends.AddFriend(ctx, "alice", "bob"))

	c, err := env.chats.Get(ctx, chat.ConversationID("alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": 0, "bob": 1}, c.UnreadCounts)
}

func TestAddFriend_ConcurrentSeedNotifiesOnce(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	var convEvents atomic.Int32
	sub, err := env.feed.Subscribe(messaging.KindConversations, "alice", func(messaging.ChangeEvent) { convEvents.Add(1) })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner, friendID := "alice", "bob"
			if i%2 == 1 {
				owner, friendID = friendID, owner
			}
			assert.NoError(t, env.friends.AddFriend(ctx, owner, friendID))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), convEvents.Load())
	edges, err := env.friends.ListFriends(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	conv, err := env.chats.Get(ctx, chat.ConversationID("alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": 0, "bob": 0}, conv.UnreadCounts)
}

func TestAddFriend_RacingSendKeepsUnread(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	const sends = 10
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.chats.Send(ctx, "bob", "alice", "hey")
			assert.NoError(t, err)
		}()
		if i%2 == 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, env.friends.AddFriend(ctx, "alice", "bob"))
			}()
		}
	}
	wg.Wait()

	conv, err := env.chats.Get(ctx, chat.ConversationID("alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": sends, "bob": 0}, conv.UnreadCounts)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "bob", conv.LastMessage.SenderID)

	msgs, err := env.chats.RecentMessages(ctx, conv.ID, 100)
	require.NoError(t, err)
	assert.Len(t, msgs, sends)
}

func TestAddFriend_Rejected(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	err := env.friends.AddFriend(ctx, "alice", "alice")
	assert.ErrorIs(t, err, apperr.ErrSelfFriend)

	err = env.friends.AddFriend(ctx, "alice", "ghost")
	assert.ErrorIs(t, err, apperr.ErrProfileNotFound)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	err = env.friends.AddFriend(ctx, "ghost", "alice")
	assert.ErrorIs(t, err, apperr.ErrProfileNotFound)

	err = env.friends.AddFriend(ctx, "", "alice")
	assert.ErrorIs(t, err, apperr.ErrMissingUserID)

	assert.Empty(t, env.mr.Keys(), "rejected adds must not write anything")
}

func TestAddFriend_PartialProfileUsesFallbackName(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	require.NoError(t, env.friends.AddFriend(ctx, "alice", "carol"))
	edges, err := env.friends.ListFriends(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, profile.FallbackDisplayName, edges[0].DisplayName)
}

func TestRemoveFriend(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	require.NoError(t, env.friends.AddFriend(ctx, "alice", "bob"))
	require.NoError(t, env.friends.AddFriend(ctx, "alice", "carol"))
	_, err := env.chats.Send(ctx, "alice", "bob", "hi")
	require.NoError(t, err)

	require.NoError(t, env.friends.RemoveFriend(ctx, "bob", "alice"))

	aliceEdges, err := env.friends.ListFriends(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, aliceEdges, 1)
	assert.Equal(t, "carol", aliceEdges[0].FriendID)

	bobEdges, err := env.friends.ListFriends(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bobEdges)

	carolEdges, err := env.friends.ListFriends(ctx, "carol")
	require.NoError(t, err)
	assert.Len(t, carolEdges, 1)

	// History survives unfriending.
	msgs, err := env.chats.RecentMessages(ctx, chat.ConversationID("alice", "bob"), 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// Removing again is harmless.
	require.NoError(t, env.friends.RemoveFriend(ctx, "alice", "bob"))
	assert.ErrorIs(t, env.friends.RemoveFriend(ctx, "bob", "bob"), apperr.ErrSelfFriend)
}

func TestListFriends_NewestFirst(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	require.NoError(t, env.friends.AddFriend(ctx, "alice", "bob"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, env.friends.AddFriend(ctx, "carol", "alice"))

	edges, err := env.friends.ListFriends(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "carol", edges[0].FriendID)
	assert.Equal(t, "bob", edges[1].FriendID)

	ids, err := env.friends.FriendIDs(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, ids)

	none, err := env.friends.ListFriends(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}
