// Package friend manages the bidirectional friend graph. Edges are always
// written and removed as mirrored pairs in a single MULTI/EXEC batch.
package friend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/friendchat/internal/chat"
	"github.com/whisper/friendchat/internal/messaging"
	"github.com/whisper/friendchat/internal/metrics"
	"github.com/whisper/friendchat/internal/profile"
	apperr "github.com/whisper/friendchat/pkg/errors"
)

// FriendsPrefix is the hash holding an owner's outgoing edges, keyed by
// friend id.
const FriendsPrefix = "friends:"

// Edge is a directed friend relationship with the friend's display snapshot.
type Edge struct {
	OwnerID     string    `json:"owner_id"`
	FriendID    string    `json:"friend_id"`
	DisplayName string    `json:"display_name"`
	Avatar      *string   `json:"avatar"`
	CreatedAt   time.Time `json:"created_at"`
}

type edgeRecord struct {
	DisplayName string  `json:"display_name"`
	Avatar      *string `json:"avatar"`
	CreatedAt   int64   `json:"created_at"`
}

// Manager creates, removes and lists friend edges.
type Manager struct {
	rdb      *redis.Client
	profiles *profile.Resolver
	feed     *messaging.Feed
	log      zerolog.Logger
}

// NewManager creates a friend graph manager backed by Redis.
func NewManager(rdb *redis.Client, profiles *profile.Resolver, feed *messaging.Feed, log zerolog.Logger) *Manager {
	return &Manager{
		rdb:      rdb,
		profiles: profiles,
		feed:     feed,
		log:      log.With().Str("component", "friend").Logger(),
	}
}

// AddFriend makes ownerID and friendID friends of each other and seeds their
// conversation. Both edges and the seed commit together. Existing edges and
// unread counters are kept, so re-adding is a no-op apart from refreshing
// the conversation's profile snapshots.
func (m *Manager) AddFriend(ctx context.Context, ownerID, friendID string) error {
	if ownerID == "" || friendID == "" {
		return apperr.ErrMissingUserID
	}
	if ownerID == friendID {
		return apperr.ErrSelfFriend
	}

	owner, err := m.profiles.Lookup(ctx, ownerID)
	if err != nil {
		return err
	}
	friend, err := m.profiles.Lookup(ctx, friendID)
	if err != nil {
		return err
	}

	now := time.Now()
	var seeded *redis.BoolCmd
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, FriendsPrefix+ownerID, friendID, encodeEdge(friend, now))
		pipe.HSetNX(ctx, FriendsPrefix+friendID, ownerID, encodeEdge(owner, now))
		seeded = chat.QueueSeed(ctx, pipe, owner, friend, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("friend: add %s -> %s: %w", ownerID, friendID, err)
	}

	metrics.FriendOps.WithLabelValues("add").Inc()
	m.log.Info().Str("owner", ownerID).Str("friend", friendID).Msg("friend added")

	m.feed.NotifyFriends(ownerID, friendID)
	if seeded.Val() {
		m.feed.NotifyConversations(ownerID, friendID)
	}
	return nil
}

// RemoveFriend deletes both directions of the edge. The conversation and its
// history are left untouched.
func (m *Manager) RemoveFriend(ctx context.Context, ownerID, friendID string) error {
	if ownerID == "" || friendID == "" {
		return apperr.ErrMissingUserID
	}
	if ownerID == friendID {
		return apperr.ErrSelfFriend
	}

	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, FriendsPrefix+ownerID, friendID)
		pipe.HDel(ctx, FriendsPrefix+friendID, ownerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("friend: remove %s -> %s: %w", ownerID, friendID, err)
	}

	metrics.FriendOps.WithLabelValues("remove").Inc()
	m.log.Info().Str("owner", ownerID).Str("friend", friendID).Msg("friend removed")

	m.feed.NotifyFriends(ownerID, friendID)
	return nil
}

// ListFriends returns ownerID's edges, newest first.
func (m *Manager) ListFriends(ctx context.Context, ownerID string) ([]Edge, error) {
	h, err := m.rdb.HGetAll(ctx, FriendsPrefix+ownerID).Result()
	if err != nil {
		return nil, fmt.Errorf("friend: list %s: %w", ownerID, err)
	}

	edges := make([]Edge, 0, len(h))
	for friendID, raw := range h {
		var rec edgeRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			m.log.Warn().Err(err).Str("owner", ownerID).Str("friend", friendID).Msg("skipping malformed edge")
			continue
		}
		edges = append(edges, Edge{
			OwnerID:     ownerID,
			FriendID:    friendID,
			DisplayName: rec.DisplayName,
			Avatar:      rec.Avatar,
			CreatedAt:   time.UnixMicro(rec.CreatedAt).UTC(),
		})
	}
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
			return edges[i].CreatedAt.After(edges[j].CreatedAt)
		}
		return edges[i].FriendID < edges[j].FriendID
	})
	return edges, nil
}

// FriendIDs returns the ids of ownerID's friends in no particular order.
func (m *Manager) FriendIDs(ctx context.Context, ownerID string) ([]string, error) {
	ids, err := m.rdb.HKeys(ctx, FriendsPrefix+ownerID).Result()
	if err != nil {
		return nil, fmt.Errorf("friend: ids %s: %w", ownerID, err)
	}
	return ids, nil
}

func encodeEdge(p profile.UserProfile, at time.Time) string {
	data, _ := json.Marshal(edgeRecord{DisplayName: p.DisplayName, Avatar: p.Avatar, CreatedAt: at.UnixMicro()})
	return string(data)
}
