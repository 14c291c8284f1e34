package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxSlugLen      = 100
	maxLocalityPart = 40
)

// Slug derives the stable identifier for an entity from its raw name and an
// optional locality (typically the city). The result is lowercase
// alphanumerics and hyphens, at most 100 characters, ending in a 4-hex
// disambiguation token computed from the raw inputs. Identical inputs always
// produce identical slugs.
func Slug(name, locality string) string {
	base := slugToken(name)
	if base == "" {
		base = "entity"
	}
	loc := slugToken(locality)
	if len(loc) > maxLocalityPart {
		loc = strings.TrimRight(loc[:maxLocalityPart], "-")
	}

	tail := "-" + slugSuffix(name, locality)
	if loc != "" {
		tail = "-" + loc + tail
	}
	if max := maxSlugLen - len(tail); len(base) > max {
		base = strings.TrimRight(base[:max], "-")
	}
	return base + tail
}

// NameKey returns the normalized comparison key for an entity name: the
// slug token without a disambiguation suffix. Distinct entities can share a
// name key, so it is a grouping key, not an identity.
func NameKey(name string) string { return slugToken(name) }

// slugToken lowercases s, folds accented characters to their base form, and
// collapses every run of non-alphanumerics into a single hyphen.
func slugToken(s string) string {
	folded := foldMarks(s)
	var b strings.Builder
	b.Grow(len(folded))
	hyphen := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			hyphen = false
		default:
			if !hyphen && b.Len() > 0 {
				b.WriteByte('-')
				hyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// foldMarks decomposes s and strips combining marks, so "Café" folds to
// "Cafe". The transformer chain is built per call; chains carry state and
// must not be shared across goroutines.
func foldMarks(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func slugSuffix(name, locality string) string {
	sum := sha256.Sum256([]byte(name + "\x1f" + locality))
	return hex.EncodeToString(sum[:])[:4]
}
