package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix prefixes the set of live session ids of a user.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// ErrNotFound is returned by Touch when the session has already expired.
var ErrNotFound = errors.New("session: not found")

// Session represents a connection's state stored in Redis.
type Session struct {
	ID         string `redis:"id" json:"id"`
	UserID     string `redis:"user_id" json:"user_id"`         // empty until identified
	Server     string `redis:"server" json:"server"`           // which gateway instance
	RemoteAddr string `redis:"remote_addr" json:"remote_addr"` // client address
	CreatedAt  int64  `redis:"created_at" json:"created_at"`   // unix timestamp
	LastActive int64  `redis:"last_active" json:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a new session store over client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new anonymous session with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID, remoteAddr string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"user_id":     "",
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Identify binds the session to userID and indexes it under the user.
func (s *Store) Identify(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "user_id", userID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, UserSessionsPrefix+userID, sessionID)
	pipe.Expire(ctx, UserSessionsPrefix+userID, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: identify: %w", err)
	}
	return nil
}

// Touch records activity seen at the given time and extends the TTL of the
// session and, once identified, of its user's session index. An expired
// session is not recreated.
func (s *Store) Touch(ctx context.Context, sessionID string, at time.Time) error {
	key := SessionPrefix + sessionID
	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", at.Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if userID != "" {
		pipe.Expire(ctx, UserSessionsPrefix+userID, SessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

// UserSessions returns the ids of userID's sessions that are still alive.
// Ids whose session hash has expired are pruned.
func (s *Store) UserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, UserSessionsPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: user sessions: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		n, err := s.client.Exists(ctx, SessionPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("session: user sessions: %w", err)
		}
		if n == 1 {
			live = append(live, id)
		} else {
			s.client.SRem(ctx, UserSessionsPrefix+userID, id)
		}
	}
	return live, nil
}

// ListForUser returns the live sessions of userID, oldest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.UserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes a session and its user index entry.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: delete: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, key)
	if userID != "" {
		pipe.SRem(ctx, UserSessionsPrefix+userID, sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}
