package chat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/friendchat/internal/directory"
	"github.com/whisper/friendchat/internal/messaging"
	"github.com/whisper/friendchat/internal/profile"
	apperr "github.com/whisper/friendchat/pkg/errors"
)

type testEnv struct {
	store *Store
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	feed  *messaging.Feed
}

func setupStore(t *testing.T, opts Options) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	dir := directory.NewMemory(
		profile.UserRecord{ID: "u1", Name: "Uma"},
		profile.UserRecord{ID: "u2", Name: "Ulf"},
		profile.UserRecord{ID: "u3", Name: "Una"},
	)
	feed := messaging.NewFeed(messaging.NewLocalBus(), zerolog.Nop())
	store := NewStore(rdb, profile.NewResolver(dir), feed, zerolog.Nop(), opts)
	return &testEnv{store: store, mr: mr, rdb: rdb, feed: feed}
}

func (e *testEnv) countEvents(t *testing.T, kind messaging.Kind, key string) *atomic.Int32 {
	t.Helper()
	var n atomic.Int32
	sub, err := e.feed.Subscribe(kind, key, func(messaging.ChangeEvent) { n.Add(1) })
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })
	return &n
}

func TestConversationID(t *testing.T) {
	pairs := [][2]string{{"alice", "bob"}, {"u2", "u10"}, {"same", "same"}, {"", "x"}}
	for _, p := range pairs {
		assert.Equal(t, ConversationID(p[0], p[1]), ConversationID(p[1], p[0]))
	}
	assert.Equal(t, "alice_bob", ConversationID("bob", "alice"))
	assert.Equal(t, "u10_u2", ConversationID("u2", "u10"))

	// Ids containing the separator or key delimiters must not collide.
	colliding := [][2][2]string{
		{{"a_b", "c"}, {"a", "b_c"}},
		{{"a%5Fb", "c"}, {"a_b", "c"}},
		{{"a", "b:messages"}, {"a:messages", "b"}},
	}
	for _, c := range colliding {
		assert.NotEqual(t, ConversationID(c[0][0], c[0][1]), ConversationID(c[1][0], c[1][1]), "%v vs %v", c[0], c[1])
	}
	assert.NotContains(t, ConversationID("a", "b:messages"), ":")
}

func TestSend_SeparatorInUserIDsKeepsPairsApart(t *testing.T) {
	env := setupStore(t, DefaultOptions())
	ctx := context.Background()

	first, err := env.store.Send(ctx, "a_b", "c", "to c")
	require.NoError(t, err)
	second, err := env.store.Send(ctx, "a", "b_c", "to b_c")
	require.NoError(t, err)
	require.NotEqual(t, first.ConversationID, second.ConversationID)

	c1, err := env.store.Get(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b", "c"}, c1.Participants)
	assert.Equal(t, map[string]int{"a_b": 0, "c": 1}, c1.UnreadCounts)

	c2, err := env.store.Get(ctx, second.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b_c"}, c2.Participants)
	assert.Equal(t, map[string]int{"a": 0, "b_c": 1}, c2.UnreadCounts)

	msgs, err := env.store.RecentMessages(ctx, first.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "to c", msgs[0].Text)
}

func TestSendAndEnsure_RejectForeignDocument(t *testing.T) {
	env := setupStore(t, DefaultOptions())
	ctx := context.Background()

	// A document stored under the u1/u2 id but naming another pair.
	id := ConversationID("u1", "u2")
	env.mr.HSet(conversationKey(id), "id", id, "user_a", "u1", "user_b", "u3", "unread:u3", "4")

	_, err := env.store.Send(ctx, "u1", "u2", "hello")
	require.ErrorIs(t, err, apperr.ErrPairMismatch)
	_, err = env.store.Ensure(ctx, "u2", "u1")
	require.ErrorIs(t, err, apperr.ErrPairMismatch)

	assert.Equal(t, "u3", env.mr.HGet(conversationKey(id), "user_b"))
	assert.Equal(t, "4", env.mr.HGet(conversationKey(id), "unread:u3"))
	assert.Empty(t, env.mr.HGet(conversationKey(id), "unread:u2"))
	assert.False(t, env.mr.Exists(messagesKey(id)))
}

func TestEnsure(t *testing.T) {
	env := setupStore(t, DefaultOptions())
	ctx := context.Background()
	events := env.countEvents(t, messaging.KindConversations, "u2")

	id, err := env.store.Ensure(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1_u2", id)

	c, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, c.Participants)
	assert.Equal(t, map[string]int{"u1": 0, "u2": 0}, c.UnreadCounts)
	assert.Equal(t, "Uma", c.ParticipantProfiles["u1"].DisplayName)
	assert.Nil(t, c.LastMessage)
	assert.False(t, c.CreatedAt.IsZero())
	assert.Equal(t, int32(1), events.Load())

	// Second ensure converges on the same document and does not reset unread.
	_, err = env.store.Send(ctx, "u1", "u2", "hi")
	require.NoError(t, err)
	id2, err := env.store.Ensure(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	c, err = env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UnreadCounts["u2"])

	_, err = env.store.Ensure(ctx, "u1", "u1")
	assert.ErrorIs(t, err, apperr.ErrSelfConversation)
	_, err = env.store.Ensure(ctx, "", "u1")
	assert.ErrorIs(t, err, apperr.ErrMissingUserID)
}

// conversationHashes lists the conversation documents stored in Redis.
func (e *testEnv) conversationHashes() []string {
	var out []string
	for _, k := range e.mr.Keys() {
		if strings.HasPrefix(k, "conversation:") && !strings.HasSuffix(k, ":messages") {
			out = append(out, k)
		}
	}
	return out
}

func TestEnsure_ConcurrentCallsConverge(t *testing.T) {
	env := setupStore(t, DefaultOptions())
	ctx := context.Background()
	events := env.countEvents(t, messaging.KindConversations, "u1")

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u1", "u2"
			if i%2 == 1 {
				a, b = b, a
			}
			id, err := env.store.Ensure(ctx, a, b)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	want := ConversationID("u1", "u2")
	for _, id := range ids {
		assert.Equal(t, want, id)
	}
	assert.Equal(t, []string{conversationKey(want)}, env.conversationHashes())

	c, err := env.store.Get(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"u1": 0, "u2": 0}, c.UnreadCounts)
	assert.Equal(t, int32(1), events.Load(), "only the creating call notifies")

	members, err := env.rdb.ZRange(ctx, userConversationsKey("u2"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{want}, members)
}

func TestEnsure_RacingFirstSend(t *testing.T) {
	env := setupStore(t, Options{MaxRetries: 1000})
	ctx := context.Background()

	const sends = 10
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.store.Send(ctx, "u1", "u2", "hi")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := env.store.Ensure(ctx, "u2", "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	id := ConversationID("u1", "u2")
	assert.Equal(t, []string{conversationKey(id)}, env.conversationHashes())

	c, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"u1": 0, "u2": sends}, c.UnreadCounts)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "hi", c.LastMessage.Text)

	msgs, err := env.store.RecentMessages(ctx, id, 100)
	require.NoError(t, err)
	assert.Len(t, msgs, sends)
}

func TestEnsure_UnknownUsersGetFallbackProfile(t *testing.T) {
	env := setupStore(t, DefaultOptions())
	ctx := context.Background()

	id, err := env.store.Ensure(ctx, "u1", "ghost")
	require.NoError(t, err)
	c, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, profile.Fallback("ghost"), c.ParticipantProfiles["ghost"])
}

func TestGet_NotFound(t *testing.T) {
	env := setupStore(t, DefaultOptions())
	_, err := env.store.Get(context.Background(), "nope_none")
	assert.ErrorIs(t, err, apperr.ErrConversationNotFound)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestGetForUser(t *testing.T) {
	env := setupStore(t, DefaultOptions())
	ctx := context.Background()
	id, err := env.store.Ensure(ctx, "u1", "u2")
	require.NoError(t, err)

	c, err := env.store.GetForUser(ctx, id, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Partner("u2"))

	_, err = env.store.GetForUser(ctx, id, "u3")
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)
}

func TestMarkRead(t *testing.T) {
	env := setupStore(t, DefaultOptions())
	ctx := context.Background()

	_, err := env.store.Send(ctx, "u1", "u2", "one")
	require.NoError(t, err)
	_, err = env.store.Send(ctx, "u1", "u2", "two")
	require.NoError(t, err)
	id := ConversationID("u1", "u2")

	events := env.countEvents(t, messaging.KindConversations, "u1")
	require.NoError(t, env.store.MarkRead(ctx, id, "u2"))

	c, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, c.UnreadCounts["u2"])
	assert.Equal(t, 0, c.UnreadCounts["u1"])
	readAt, ok := c.LastReadAt["u2"]
	require.True(t, ok)
	assert.False(t, readAt.IsZero())
	assert.Equal(t, int32(1), events.Load())

	// Already zero: no write, no notification.
	require.NoError(t, env.store.MarkRead(ctx, id, "u2"))
	require.NoError(t, env.store.MarkRead(ctx, id, "u1"))
	assert.Equal(t, int32(1), events.Load())
	assert.Empty(t, env.mr.HGet(conversationKey(id), lastReadField("u1")))
}

func TestMarkRead_Errors(t *testing.T) {
	env := setupStore(t, DefaultOptions())
	ctx := context.Background()

	err := env.store.MarkRead(ctx, "u1_u2", "u1")
	assert.ErrorIs(t, err, apperr.ErrConversationNotFound)

	id, err := env.store.Ensure(ctx, "u1", "u2")
	require.NoError(t, err)
	err = env.store.MarkRead(ctx, id, "u3")
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))

	err = env.store.MarkRead(ctx, id, "")
	assert.ErrorIs(t, err, apperr.ErrMissingUserID)
}

func TestListConversations_MostRecentFirst(t *testing.T) {
	env := setupStore(t, DefaultOptions())
	ctx := context.Background()

	_, err := env.store.Ensure(ctx, "u1", "u2")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = env.store.Ensure(ctx, "u1", "u3")
	require.NoError(t, err)

	list, err := env.store.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "u1_u3", list[0].ID)
	assert.Equal(t, "u1_u2", list[1].ID)

	time.Sleep(2 * time.Millisecond)
	_, err = env.store.Send(ctx, "u2", "u1", "bump")
	require.NoError(t, err)

	list, err = env.store.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "u1_u2", list[0].ID)
	assert.True(t, !list[0].UpdatedAt.Before(list[1].UpdatedAt))

	empty, err := env.store.ListConversations(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRecentMessages_AscendingWithinLimit(t *testing.T) {
	env := setupStore(t, DefaultOptions())
	ctx := context.Background()

	texts := []string{"m1", "m2", "m3", "m4", "m5"}
	for i, text := range texts {
		from, to := "u1", "u2"
		if i%2 == 1 {
			from, to = to, from
		}
		_, err := env.store.Send(ctx, from, to, text)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	id := ConversationID("u1", "u2")

	msgs, err := env.store.RecentMessages(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m3", msgs[0].Text)
	assert.Equal(t, "m4", msgs[1].Text)
	assert.Equal(t, "m5", msgs[2].Text)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}

	all, err := env.store.RecentMessages(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, StatusSent, all[0].Status)
	assert.Equal(t, id, all[0].ConversationID)

	none, err := env.store.RecentMessages(ctx, "u2_u3", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
