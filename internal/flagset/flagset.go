// Package flagset translates between the five single-letter local flag
// tokens, their IMAP wire representations, and free-form server keywords.
package flagset

import (
	"sort"
	"strings"
)

// The five flag letters recognized by the synchronizer, matching the IMAP
// standard flags in the order spec.md §3 lists them.
const (
	Seen     byte = 'S'
	Answered byte = 'R'
	Flagged  byte = 'F'
	Deleted  byte = 'T'
	Draft    byte = 'D'
)

// letterToServer and its inverse are a fixed bijection; order here drives
// RenderServerFlags' iteration only incidentally, the lexicographic sort in
// Render is what actually guarantees determinism.
var letterToServer = map[byte]string{
	Seen:     `\Seen`,
	Answered: `\Answered`,
	Flagged:  `\Flagged`,
	Deleted:  `\Deleted`,
	Draft:    `\Draft`,
}

var serverToLetter = func() map[string]byte {
	m := make(map[string]byte, len(letterToServer))
	for letter, token := range letterToServer {
		m[token] = letter
	}
	return m
}()

// Set is a small, fixed-alphabet set of flag letters.
type Set map[byte]struct{}

// NewSet builds a Set from the given letters.
func NewSet(letters ...byte) Set {
	s := make(Set, len(letters))
	for _, l := range letters {
		s[l] = struct{}{}
	}
	return s
}

// Has reports whether letter is in the set.
func (s Set) Has(letter byte) bool {
	_, ok := s[letter]
	return ok
}

// Add inserts letter into the set, returning the set for chaining.
func (s Set) Add(letter byte) Set {
	s[letter] = struct{}{}
	return s
}

// Remove deletes letter from the set, returning the set for chaining.
func (s Set) Remove(letter byte) Set {
	delete(s, letter)
	return s
}

// Union returns a new set containing every letter in s or other.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for l := range s {
		out[l] = struct{}{}
	}
	for l := range other {
		out[l] = struct{}{}
	}
	return out
}

// Diff returns a new set containing letters in s but not in other.
func (s Set) Diff(other Set) Set {
	out := make(Set, len(s))
	for l := range s {
		if !other.Has(l) {
			out[l] = struct{}{}
		}
	}
	return out
}

// Equal reports whether s and other contain exactly the same letters.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for l := range s {
		if !other.Has(l) {
			return false
		}
	}
	return true
}

// Sorted returns the set's letters in ascending order.
func (s Set) Sorted() []byte {
	out := make([]byte, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseServerFlags splits wire-format IMAP flag tokens (e.g. "\Seen",
// "\Answered", "work", "$Important") into the five known local flags and a
// set of everything else, treated as keywords. Unrecognized backslash-
// prefixed tokens (other system flags such as "\Recent") are silently
// dropped; they have no local representation.
func ParseServerFlags(tokens []string) (flags Set, keywords map[string]struct{}) {
	flags = make(Set)
	keywords = make(map[string]struct{})

	for _, tok := range tokens {
		if letter, ok := serverToLetter[tok]; ok {
			flags.Add(letter)
			continue
		}
		if strings.HasPrefix(tok, `\`) {
			// Unknown system flag (e.g. \Recent): never a keyword.
			continue
		}
		keywords[tok] = struct{}{}
	}

	return flags, keywords
}

// ServerToken returns the wire-format token for a local flag letter, e.g.
// Seen -> "\Seen".
func ServerToken(letter byte) (string, bool) {
	tok, ok := letterToServer[letter]
	return tok, ok
}

// RenderServerFlags emits "(\Flag1 \Flag2 …)" with flags sorted
// lexicographically by their wire token, for deterministic output.
func RenderServerFlags(flags Set) string {
	tokens := make([]string, 0, len(flags))
	for letter := range flags {
		if tok, ok := letterToServer[letter]; ok {
			tokens = append(tokens, tok)
		}
	}
	sort.Strings(tokens)
	return "(" + strings.Join(tokens, " ") + ")"
}

// KeywordMap maps a server-side keyword string to a single local flag
// letter, for destinations that fold specific keywords into flags.
type KeywordMap map[string]byte

// Apply maps each keyword through m, returning the mapped letters and the
// keywords that had no entry in m (to be warned about and dropped for this
// destination only, per spec.md §4.2).
func (m KeywordMap) Apply(keywords map[string]struct{}) (mapped Set, skipped []string) {
	mapped = make(Set)
	if m == nil {
		for kw := range keywords {
			skipped = append(skipped, kw)
		}
		sort.Strings(skipped)
		return mapped, skipped
	}

	for kw := range keywords {
		if letter, ok := m[kw]; ok {
			mapped.Add(letter)
		} else {
			skipped = append(skipped, kw)
		}
	}
	sort.Strings(skipped)
	return mapped, skipped
}
