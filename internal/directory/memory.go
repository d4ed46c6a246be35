package directory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/whisper/friendchat/internal/profile"
)

// Memory is an in-process profile.Directory.
type Memory struct {
	mu    sync.RWMutex
	users map[string]profile.UserRecord
}

var _ profile.Directory = (*Memory)(nil)

// NewMemory creates a directory seeded with recs.
func NewMemory(recs ...profile.UserRecord) *Memory {
	m := &Memory{users: make(map[string]profile.UserRecord, len(recs))}
	for _, r := range recs {
		m.users[r.ID] = r
	}
	return m
}

// Upsert inserts or replaces a user record.
func (m *Memory) Upsert(_ context.Context, rec profile.UserRecord) error {
	m.mu.Lock()
	m.users[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*profile.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) SearchUsersByName(_ context.Context, query string, limit int) ([]profile.UserRecord, error) {
	q := strings.ToLower(query)
	return m.filter(limit, func(r profile.UserRecord) bool {
		return strings.Contains(strings.ToLower(r.Name), q)
	}, func(a, b profile.UserRecord) bool {
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	}), nil
}

func (m *Memory) ListUsersWithPhone(_ context.Context, pageSize int) ([]profile.UserRecord, error) {
	return m.filter(pageSize, func(r profile.UserRecord) bool {
		return r.Phone != ""
	}, func(a, b profile.UserRecord) bool {
		return a.ID < b.ID
	}), nil
}

func (m *Memory) filter(limit int, keep func(profile.UserRecord) bool, less func(a, b profile.UserRecord) bool) []profile.UserRecord {
	m.mu.RLock()
	out := make([]profile.UserRecord, 0, len(m.users))
	for _, r := range m.users {
		if keep(r) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
