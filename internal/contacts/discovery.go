// Package contacts matches a device's contact phone numbers against the user
// directory.
package contacts

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/whisper/friendchat/internal/metrics"
	"github.com/whisper/friendchat/internal/phone"
	"github.com/whisper/friendchat/internal/profile"
)

// DefaultPageSize bounds how many phone-bearing directory records a single
// FindMatches call scans. Discovery is a convenience, not a complete search
// over very large directories.
const DefaultPageSize = 500

// Match is a directory user whose phone number matched an uploaded contact.
type Match struct {
	profile.UserProfile
	Phone string `json:"phone"`
}

// Discovery runs contact matching.
type Discovery struct {
	dir      profile.Directory
	policy   phone.Policy
	pageSize int
	log      zerolog.Logger
}

// NewDiscovery creates a matcher over dir. A pageSize <= 0 selects
// DefaultPageSize.
func NewDiscovery(dir profile.Directory, policy phone.Policy, pageSize int, log zerolog.Logger) *Discovery {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Discovery{
		dir:      dir,
		policy:   policy,
		pageSize: pageSize,
		log:      log.With().Str("component", "contacts").Logger(),
	}
}

// FindMatches returns the directory users whose phone number matches any of
// phoneNumbers under the discovery policy, skipping excludeIDs. Each user
// appears at most once. No input or no matches yields an empty result.
func (d *Discovery) FindMatches(ctx context.Context, phoneNumbers, excludeIDs []string) ([]Match, error) {
	// lookup holds each input's canonical form and suffix; exact holds only
	// the canonical forms. Two long numbers sharing a suffix are not a match.
	lookup := make(map[string]struct{}, 2*len(phoneNumbers))
	exact := make(map[string]struct{}, len(phoneNumbers))
	for _, raw := range phoneNumbers {
		keys := d.policy.Keys(raw)
		if len(keys) == 0 {
			continue
		}
		exact[keys[0]] = struct{}{}
		for _, k := range keys {
			lookup[k] = struct{}{}
		}
	}
	if len(lookup) == 0 {
		return []Match{}, nil
	}

	records, err := d.dir.ListUsersWithPhone(ctx, d.pageSize)
	if err != nil {
		return nil, fmt.Errorf("contacts: list directory: %w", err)
	}

	skip := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		skip[id] = struct{}{}
	}

	matches := []Match{}
	for _, rec := range records {
		if _, ok := skip[rec.ID]; ok {
			continue
		}
		if !d.matches(lookup, exact, rec.Phone) {
			continue
		}
		skip[rec.ID] = struct{}{}
		matches = append(matches, Match{UserProfile: profile.FromRecord(rec), Phone: rec.Phone})
	}

	metrics.ContactMatches.Add(float64(len(matches)))
	d.log.Debug().
		Int("numbers", len(phoneNumbers)).
		Int("scanned", len(records)).
		Int("matched", len(matches)).
		Msg("contact discovery")
	return matches, nil
}

// matches applies Policy.Match between raw and every input number: raw's
// canonical form may equal an input or its suffix, or raw's suffix may equal
// an input.
func (d *Discovery) matches(lookup, exact map[string]struct{}, raw string) bool {
	canonical := phone.Normalize(raw)
	if canonical == "" {
		return false
	}
	if _, ok := lookup[canonical]; ok {
		return true
	}
	_, ok := exact[d.policy.Suffix(canonical)]
	return ok
}
