// Package match reconciles team-name pairs reported by different
// upstream sources onto one canonical fixture.
package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopWords are generic club suffixes that carry no identity.
var stopWords = map[string]bool{
	"fc":       true,
	"afc":      true,
	"cf":       true,
	"sc":       true,
	"ac":       true,
	"club":     true,
	"united":   true,
	"city":     true,
	"town":     true,
	"de":       true,
	"cd":       true,
	"ii":       true,
	"reserves": true,
	"u19":      true,
	"u21":      true,
	"u23":      true,
}

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName canonicalizes a team name for cross-source comparison:
// case-folded, diacritics stripped, non-word characters removed, stop
// words dropped, remaining tokens joined with underscores. Idempotent.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name, _, _ = transform.String(deaccent, name)

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	fields := strings.Fields(b.String())
	kept := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			kept = append(kept, f)
		}
	}
	// A name made entirely of stop words keeps them; "Leeds United"
	// and "United" must not both normalize to the empty string.
	if len(kept) == 0 {
		kept = fields
	}
	return strings.Join(kept, "_")
}

// Tokens splits a normalized name back into its tokens.
func Tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "_")
}

// NamesMatch reports whether two raw team names refer to the same team.
// Symmetric: exact normalized equality, substring containment, or a
// shared token of length >= 4.
func NamesMatch(a, b string) bool {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return true
	}
	for _, ta := range Tokens(na) {
		if len(ta) < 4 {
			continue
		}
		for _, tb := range Tokens(nb) {
			if ta == tb {
				return true
			}
		}
	}
	return false
}

// Similarity scores two raw team names in [0,1] using token overlap
// (Jaccard over normalized tokens, with containment treated as 1).
func Similarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb || strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 1
	}
	ta, tb := Tokens(na), Tokens(nb)
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	shared := 0
	for _, t := range tb {
		if set[t] {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
