// Package planner turns a request into an ordered execution plan: which
// connectors to call, in which phase, with which parameters, within the
// request's budget. Everything it knows about the vertical comes from the
// lens vocabulary and connector rules.
package planner

import (
	"strings"
	"unicode"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/execution"
	"github.com/facetdata/facet/pkg/lens"
)

// Query kinds. A category query asks for entities of some type; a specific
// query names one entity.
const (
	QueryCategory = "category"
	QuerySpecific = "specific"
)

// Features is the lens-vocabulary view of a query. It drives connector rule
// matching and is exposed to rule `when` expressions.
type Features struct {
	Query string
	Mode  execution.Mode

	// QueryKind classifies the query as category or specific.
	QueryKind string

	// KeywordHits counts vocabulary terms matched anywhere in the query.
	KeywordHits int

	// DimHits counts distinct canonical values matched per dimension.
	DimHits map[string]int

	// Values lists the matched canonical values per dimension, sorted.
	Values map[string][]string

	// LocationHits counts matched localities; Locality is the first match
	// in the lens's declared order.
	LocationHits int
	Locality     string
}

// CELVars exposes the features under the names the lens CEL environment
// declares.
func (f *Features) CELVars() map[string]any {
	dims := make(map[string]int, len(f.DimHits))
	for k, v := range f.DimHits {
		dims[k] = v
	}
	return map[string]any{
		"mode":          string(f.Mode),
		"query_kind":    f.QueryKind,
		"keyword_hits":  f.KeywordHits,
		"location_hits": f.LocationHits,
		"dims":          dims,
	}
}

// Analyze extracts features from the request query using only the lens
// vocabulary. Identical inputs yield identical features.
func Analyze(c *lens.Contract, req execution.Request) *Features {
	f := &Features{
		Query:     req.Query,
		Mode:      req.Mode,
		QueryKind: QueryCategory,
		DimHits:   map[string]int{},
		Values:    map[string][]string{},
	}

	padded := " " + normalizeText(req.Query) + " "
	matched := map[string]bool{} // keyword and locality tokens consumed by the vocabulary

	for _, term := range c.Vocabulary.Terms {
		for _, kw := range term.Keywords {
			needle := normalizeText(kw)
			if needle == "" || !strings.Contains(padded, " "+needle+" ") {
				continue
			}
			f.KeywordHits++
			f.Values[term.Dimension] = append(f.Values[term.Dimension], term.Value)
			for _, tok := range strings.Fields(needle) {
				matched[tok] = true
			}
		}
	}
	for dim, values := range f.Values {
		f.Values[dim] = entity.NormalizeList(values)
		f.DimHits[dim] = len(f.Values[dim])
	}

	for _, loc := range c.Vocabulary.Localities {
		needle := normalizeText(loc)
		if needle == "" || !strings.Contains(padded, " "+needle+" ") {
			continue
		}
		f.LocationHits++
		if f.Locality == "" {
			f.Locality = loc
		}
		for _, tok := range strings.Fields(needle) {
			matched[tok] = true
		}
	}

	// Tokens the vocabulary did not consume decide category vs specific:
	// a leftover proper-noun-like token means the user named an entity.
	for _, tok := range strings.Fields(req.Query) {
		if matched[normalizeText(tok)] {
			continue
		}
		if isProperNounLike(tok) {
			f.QueryKind = QuerySpecific
			break
		}
	}
	return f
}

// normalizeText lowercases s and collapses every non-alphanumeric run into a
// single space, so word-boundary containment works for multi-word keywords.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// isProperNounLike reports whether a raw query token looks like part of a
// name: leading uppercase with at least one more character.
func isProperNounLike(tok string) bool {
	runes := []rune(strings.TrimFunc(tok, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
	if len(runes) < 2 {
		return false
	}
	return unicode.IsUpper(runes[0])
}
