// Package chat owns the conversation documents and message logs of direct
// messages: deterministic conversation identity, the atomic send transaction,
// unread tracking and the read side used by the subscription layer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/friendchat/internal/messaging"
	"github.com/whisper/friendchat/internal/metrics"
	"github.com/whisper/friendchat/internal/profile"
	apperr "github.com/whisper/friendchat/pkg/errors"
)

const (
	// DefaultMaxRetries bounds optimistic transaction attempts per operation.
	DefaultMaxRetries = 25
	// DefaultMessageLimit is used by RecentMessages when limit <= 0.
	DefaultMessageLimit = 50
)

// Options tunes a Store.
type Options struct {
	MaxRetries int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{MaxRetries: DefaultMaxRetries}
}

// Store manages conversations and their message logs in Redis.
type Store struct {
	rdb      *redis.Client
	profiles *profile.Resolver
	feed     *messaging.Feed
	log      zerolog.Logger
	opts     Options
}

// NewStore creates a new conversation store backed by Redis.
func NewStore(rdb *redis.Client, profiles *profile.Resolver, feed *messaging.Feed, log zerolog.Logger, opts Options) *Store {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Store{
		rdb:      rdb,
		profiles: profiles,
		feed:     feed,
		log:      log.With().Str("component", "chat").Logger(),
		opts:     opts,
	}
}

// QueueSeed queues a merge-upsert of the conversation between a and b on
// pipe. Identity, timestamps and zero unread counters are written only where
// absent; the profile snapshots are refreshed. The returned command reports
// whether the conversation was created by this batch.
func QueueSeed(ctx context.Context, pipe redis.Pipeliner, a, b profile.UserProfile, now time.Time) *redis.BoolCmd {
	id := ConversationID(a.ID, b.ID)
	key := conversationKey(id)
	first, second := sortedPair(a.ID, b.ID)
	ts := micros(now)

	created := pipe.HSetNX(ctx, key, "id", id)
	pipe.HSetNX(ctx, key, "user_a", first)
	pipe.HSetNX(ctx, key, "user_b", second)
	pipe.HSetNX(ctx, key, "created_at", ts)
	pipe.HSetNX(ctx, key, "updated_at", ts)
	pipe.HSetNX(ctx, key, unreadField(a.ID), 0)
	pipe.HSetNX(ctx, key, unreadField(b.ID), 0)
	pipe.HSet(ctx, key, profileField(a.ID), encodeProfile(a), profileField(b.ID), encodeProfile(b))
	pipe.ZAddNX(ctx, userConversationsKey(a.ID), redis.Z{Score: float64(ts), Member: id})
	pipe.ZAddNX(ctx, userConversationsKey(b.ID), redis.Z{Score: float64(ts), Member: id})
	return created
}

// Ensure returns the id of the conversation between a and b, creating it
// with zeroed unread counters if it does not exist yet. Concurrent calls
// converge on one document.
func (s *Store) Ensure(ctx context.Context, a, b string) (string, error) {
	if a == "" || b == "" {
		return "", apperr.ErrMissingUserID
	}
	if a == b {
		return "", apperr.ErrSelfConversation
	}
	id := ConversationID(a, b)

	vals, err := s.rdb.HMGet(ctx, conversationKey(id), "user_a", "user_b").Result()
	if err != nil {
		return "", fmt.Errorf("chat: ensure %s: %w", id, err)
	}
	storedA, _ := vals[0].(string)
	storedB, _ := vals[1].(string)
	if !holdsPair(storedA, storedB, a, b) {
		return "", fmt.Errorf("chat: ensure %s: %w", id, apperr.ErrPairMismatch)
	}
	if storedA != "" {
		return id, nil
	}

	pa, err := s.profiles.Resolve(ctx, a)
	if err != nil {
		return "", err
	}
	pb, err := s.profiles.Resolve(ctx, b)
	if err != nil {
		return "", err
	}

	var created *redis.BoolCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = QueueSeed(ctx, pipe, pa, pb, time.Now())
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("chat: ensure %s: %w", id, err)
	}
	if created.Val() {
		s.log.Debug().Str("conversation", id).Msg("conversation created")
		s.feed.NotifyConversations(a, b)
	}
	return id, nil
}

// Get returns the conversation with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	h, err := s.rdb.HGetAll(ctx, conversationKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: get %s: %w", id, err)
	}
	c := decodeConversation(id, h)
	if c == nil {
		return nil, apperr.ErrConversationNotFound
	}
	return c, nil
}

// GetForUser returns the conversation only if userID participates in it.
func (s *Store) GetForUser(ctx context.Context, id, userID string) (*Conversation, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(userID) {
		return nil, apperr.ErrNotParticipant
	}
	return c, nil
}

// ListConversations returns every conversation userID participates in, most
// recently active first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	ids, err := s.rdb.ZRevRange(ctx, userConversationsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	if len(ids) == 0 {
		return []*Conversation{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, conversationKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}

	out := make([]*Conversation, 0, len(ids))
	for i, cmd := range cmds {
		if c := decodeConversation(ids[i], cmd.Val()); c != nil {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RecentMessages returns up to limit of the newest messages of a
// conversation, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	ids, err := s.rdb.ZRevRange(ctx, messagesKey(conversationID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: recent messages: %w", err)
	}
	if len(ids) == 0 {
		return []*Message{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, messageKey(conversationID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("chat: recent messages: %w", err)
	}

	// The index is read newest-first; callers get ascending order.
	out := make([]*Message, 0, len(ids))
	for i := len(cmds) - 1; i >= 0; i-- {
		if m := decodeMessage(conversationID, cmds[i].Val()); m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// MarkRead zeroes userID's unread counter and records the read time. A
// counter that is already zero is left untouched.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) error {
	if userID == "" {
		return apperr.ErrMissingUserID
	}
	key := conversationKey(conversationID)

	var participants []string
	var changed bool
	txf := func(tx *redis.Tx) error {
		changed = false
		vals, err := tx.HMGet(ctx, key, "user_a", "user_b", unreadField(userID)).Result()
		if err != nil {
			return err
		}
		a, _ := vals[0].(string)
		b, _ := vals[1].(string)
		if a == "" {
			return apperr.ErrConversationNotFound
		}
		if userID != a && userID != b {
			return apperr.ErrNotParticipant
		}
		participants = []string{a, b}

		unread, _ := vals[2].(string)
		if parseCount(unread) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, unreadField(userID), 0, lastReadField(userID), micros(time.Now()))
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	if err := s.watch(ctx, key, txf); err != nil {
		return fmt.Errorf("chat: mark read %s: %w", conversationID, err)
	}
	if changed {
		s.feed.NotifyConversations(participants...)
	}
	return nil
}

// watch runs fn as an optimistic transaction on key, retrying on conflict
// until the retry budget is spent.
func (s *Store) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		err := s.rdb.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		metrics.SendConflicts.Inc()
		s.log.Debug().Str("key", key).Int("attempt", attempt).Msg("transaction conflict, retrying")
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	s.log.Warn().Str("key", key).Int("attempts", s.opts.MaxRetries).Msg("transaction retries exhausted")
	return apperr.ErrContention(redis.TxFailedErr)
}
