// Package phone canonicalizes phone numbers for contact matching.
//
// Matching is deliberately fuzzy: two numbers are considered the same contact
// when their canonical forms are equal or when one equals the trailing
// SuffixDigits of the other. This trades precision for recall (a local
// number matches any country-qualified number ending in the same digits) and
// is a tunable policy, not a correctness guarantee.
package phone

import "strings"

// DefaultSuffixDigits is the suffix length used by DefaultPolicy.
const DefaultSuffixDigits = 10

// internationalPrefix is the trunk prefix dropped from canonical forms.
const internationalPrefix = "00"

// Policy configures suffix matching.
type Policy struct {
	SuffixDigits int
}

// DefaultPolicy matches on the last 10 digits.
var DefaultPolicy = Policy{SuffixDigits: DefaultSuffixDigits}

// Normalize strips every non-digit character and removes one leading "00"
// international prefix. It returns "" when raw holds no digits.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	return strings.TrimPrefix(digits, internationalPrefix)
}

// Keys returns the lookup keys for raw: its canonical form and, when the
// canonical form is longer than the suffix length, its trailing suffix.
func (p Policy) Keys(raw string) []string {
	canonical := Normalize(raw)
	if canonical == "" {
		return nil
	}
	keys := []string{canonical}
	if s := p.Suffix(canonical); s != canonical {
		keys = append(keys, s)
	}
	return keys
}

// Match reports whether a and b denote the same contact under p.
func (p Policy) Match(a, b string) bool {
	ca, cb := Normalize(a), Normalize(b)
	if ca == "" || cb == "" {
		return false
	}
	if ca == cb {
		return true
	}
	return p.Suffix(ca) == cb || p.Suffix(cb) == ca
}

// Suffix returns the trailing SuffixDigits of an already canonical number,
// or the number itself when it is not longer than that.
func (p Policy) Suffix(canonical string) string {
	n := p.SuffixDigits
	if n <= 0 {
		n = DefaultSuffixDigits
	}
	if len(canonical) <= n {
		return canonical
	}
	return canonical[len(canonical)-n:]
}
