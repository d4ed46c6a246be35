// Package profile translates directory user records into the minimal chat
// profile cached inside conversations and friend edges.
package profile

import (
	"context"
	"fmt"
	"strings"

	apperr "github.com/whisper/friendchat/pkg/errors"
)

// FallbackDisplayName is shown for users whose directory record is missing or
// has no name.
const FallbackDisplayName = "Chat User"

// UserRecord is a row of the external user directory.
type UserRecord struct {
	ID     string
	Name   string
	Avatar *string
	Phone  string
}

// UserProfile is the display snapshot of a user.
type UserProfile struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Avatar      *string `json:"avatar"`
}

// Directory is the read-only user directory this subsystem consumes.
// GetUser returns (nil, nil) when the id is unknown.
type Directory interface {
	GetUser(ctx context.Context, id string) (*UserRecord, error)
	SearchUsersByName(ctx context.Context, query string, limit int) ([]UserRecord, error)
	ListUsersWithPhone(ctx context.Context, pageSize int) ([]UserRecord, error)
}

// Fallback returns the profile used when the directory has nothing for id.
func Fallback(id string) UserProfile {
	return UserProfile{ID: id, DisplayName: FallbackDisplayName}
}

// FromRecord maps a directory record to a profile, filling gaps with the
// fallback values.
func FromRecord(rec UserRecord) UserProfile {
	p := UserProfile{ID: rec.ID, DisplayName: strings.TrimSpace(rec.Name), Avatar: rec.Avatar}
	if p.DisplayName == "" {
		p.DisplayName = FallbackDisplayName
	}
	if p.Avatar != nil && strings.TrimSpace(*p.Avatar) == "" {
		p.Avatar = nil
	}
	return p
}

// Resolver looks up chat profiles in a Directory. It holds no state and is
// safe for concurrent use.
type Resolver struct {
	dir Directory
}

// NewResolver creates a Resolver over dir.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the profile for userID, substituting the fallback profile
// when the record is missing. Only directory transport errors are returned.
func (r *Resolver) Resolve(ctx context.Context, userID string) (UserProfile, error) {
	rec, err := r.dir.GetUser(ctx, userID)
	if err != nil {
		return UserProfile{}, fmt.Errorf("profile: resolve %s: %w", userID, err)
	}
	if rec == nil {
		return Fallback(userID), nil
	}
	if rec.ID == "" {
		rec.ID = userID
	}
	return FromRecord(*rec), nil
}

// Lookup is the strict form of Resolve: a missing record yields
// ErrProfileNotFound instead of the fallback.
func (r *Resolver) Lookup(ctx context.Context, userID string) (UserProfile, error) {
	if strings.TrimSpace(userID) == "" {
		return UserProfile{}, apperr.ErrMissingUserID
	}
	rec, err := r.dir.GetUser(ctx, userID)
	if err != nil {
		return UserProfile{}, fmt.Errorf("profile: lookup %s: %w", userID, err)
	}
	if rec == nil {
		return UserProfile{}, apperr.ErrProfileNotFound
	}
	if rec.ID == "" {
		rec.ID = userID
	}
	return FromRecord(*rec), nil
}
