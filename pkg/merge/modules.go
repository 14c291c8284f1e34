package merge

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/facetdata/facet/pkg/connector"
	"github.com/facetdata/facet/pkg/entity"
)

// Module trees are deep-merged in record-strength order. Ownership of every
// written path is tracked so later, weaker records can still win individual
// leaves through the per-leaf cascade: trust, then extraction confidence,
// then completeness, then priority, then source name.

// leafMeta identifies the record that currently owns a module path.
type leafMeta struct {
	rank       int
	priority   int
	source     string
	trust      connector.Trust
	confidence float64
	hasConf    bool
}

func metaFor(r ranked, path string) leafMeta {
	lm := leafMeta{rank: r.rank, priority: r.priority, source: r.source, trust: r.trust}
	if c, ok := r.rec.Confidence[path]; ok {
		lm.confidence, lm.hasConf = c, true
	}
	return lm
}

// leafBeats decides a leaf conflict between an incoming value and the
// current owner.
func leafBeats(in leafMeta, inVal any, ex leafMeta, exVal any) bool {
	if in.rank != ex.rank {
		return in.rank > ex.rank
	}
	if in.hasConf || ex.hasConf {
		ic, ec := -1.0, -1.0
		if in.hasConf {
			ic = in.confidence
		}
		if ex.hasConf {
			ec = ex.confidence
		}
		if ic != ec {
			return ic > ec
		}
	}
	ci, ce := completeness(inVal), completeness(exVal)
	if ci != ce {
		return ci > ce
	}
	if in.priority != ex.priority {
		return in.priority < ex.priority
	}
	return in.source < ex.source
}

// completeness measures how much a value carries: element or key counts for
// collections, byte length for strings, presence for other scalars.
func completeness(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return len(t)
	case []any:
		return len(t)
	case []string:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 1
	}
}

// mergeModules folds every record's module trees into one, strongest record
// first, then records per-path provenance on the entity.
func (m *Merger) mergeModules(ordered []ranked, e *entity.Entity) map[string]map[string]any {
	acc := map[string]map[string]any{}
	meta := map[string]leafMeta{}

	for _, r := range ordered {
		names := make([]string, 0, len(r.rec.Modules))
		for name := range r.rec.Modules {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			src := r.rec.Modules[name]
			if len(src) == 0 {
				continue
			}
			dst, ok := acc[name]
			if !ok {
				dst = map[string]any{}
				acc[name] = dst
			}
			m.mergeTree(dst, src, name, r, meta)
		}
	}
	if len(acc) == 0 {
		return nil
	}

	names := make([]string, 0, len(acc))
	for name := range acc {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		emitOwnership(e, acc[name], name, meta)
	}
	return acc
}

// mergeTree merges src into dst key by key. Explicit nulls never overwrite.
func (m *Merger) mergeTree(dst, src map[string]any, base string, r ranked, meta map[string]leafMeta) {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sv := src[k]
		if sv == nil {
			continue
		}
		path := base + "." + k
		dv, exists := dst[k]
		if !exists {
			m.insertValue(dst, k, sv, path, r, meta)
			continue
		}
		m.mergeValue(dst, k, dv, sv, path, r, meta)
	}
}

func (m *Merger) mergeValue(dst map[string]any, key string, dv, sv any, path string, r ranked, meta map[string]leafMeta) {
	dmap, dIsMap := dv.(map[string]any)
	smap, sIsMap := sv.(map[string]any)
	switch {
	case dIsMap && sIsMap:
		m.mergeTree(dmap, smap, path, r, meta)
		return
	case dIsMap != sIsMap:
		m.resolveMismatch(dst, key, sv, path, r, meta)
		return
	}

	darr, dIsArr := asArray(dv)
	sarr, sIsArr := asArray(sv)
	switch {
	case dIsArr && sIsArr && scalarArray(darr) && scalarArray(sarr):
		dst[key] = unionScalars(darr, sarr)
		// A union has no single winning source.
		delete(meta, path)
	case dIsArr && sIsArr:
		// Arrays holding objects have no stable element identity, so the
		// cascade picks one array wholesale.
		m.resolveLeaf(dst, key, dv, sv, path, r, meta)
	case dIsArr != sIsArr:
		m.resolveMismatch(dst, key, sv, path, r, meta)
	default:
		// Scalars, including ones of differing types, cascade as leaves.
		m.resolveLeaf(dst, key, dv, sv, path, r, meta)
	}
}

func (m *Merger) resolveLeaf(dst map[string]any, key string, dv, sv any, path string, r ranked, meta map[string]leafMeta) {
	in := metaFor(r, path)
	if leafBeats(in, sv, meta[path], dv) {
		dst[key] = copyValue(sv)
		meta[path] = in
	}
}

// resolveMismatch handles container-versus-scalar conflicts: the higher
// trust tier keeps its value wholesale, and ties keep the incumbent.
func (m *Merger) resolveMismatch(dst map[string]any, key string, sv any, path string, r ranked, meta map[string]leafMeta) {
	if r.rank <= meta[path].rank {
		return
	}
	purgeMeta(meta, path)
	delete(dst, key)
	m.insertValue(dst, key, sv, path, r, meta)
}

// insertValue writes a deep copy of v at path and records ownership for the
// path and everything beneath it.
func (m *Merger) insertValue(dst map[string]any, key string, v any, path string, r ranked, meta map[string]leafMeta) {
	if t, ok := v.(map[string]any); ok {
		child := map[string]any{}
		dst[key] = child
		meta[path] = metaFor(r, path)
		m.mergeTree(child, t, path, r, meta)
		return
	}
	dst[key] = copyValue(v)
	meta[path] = metaFor(r, path)
}

func purgeMeta(meta map[string]leafMeta, path string) {
	delete(meta, path)
	prefix := path + "."
	for k := range meta {
		if strings.HasPrefix(k, prefix) {
			delete(meta, k)
		}
	}
}

// emitOwnership writes source_info and confidence entries for every
// single-owner non-container path in the merged tree.
func emitOwnership(e *entity.Entity, tree map[string]any, base string, meta map[string]leafMeta) {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := base + "." + k
		if child, ok := tree[k].(map[string]any); ok {
			emitOwnership(e, child, path, meta)
			continue
		}
		lm, ok := meta[path]
		if !ok {
			continue
		}
		e.SourceInfo[path] = entity.FieldOrigin{Source: lm.source, Trust: string(lm.trust)}
		if lm.hasConf {
			e.Confidence[path] = lm.confidence
		}
	}
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

func asArray(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func scalarArray(a []any) bool {
	for _, e := range a {
		switch e.(type) {
		case map[string]any, []any, []string:
			return false
		}
	}
	return true
}

// unionScalars merges two scalar arrays, deduplicating across both and
// sorting by a type-tagged key so mixed-type arrays order deterministically.
// All-string unions come back as []string.
func unionScalars(a, b []any) any {
	seen := map[string]any{}
	keys := make([]string, 0, len(a)+len(b))
	allStrings := true
	add := func(v any) {
		k := scalarKey(v)
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = v
		keys = append(keys, k)
		if _, ok := v.(string); !ok {
			allStrings = false
		}
	}
	for _, v := range a {
		add(v)
	}
	for _, v := range b {
		add(v)
	}
	sort.Strings(keys)

	if allStrings {
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, seen[k].(string))
		}
		return out
	}
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}

func scalarKey(v any) string {
	switch t := v.(type) {
	case nil:
		return "z"
	case bool:
		return "b\x00" + strconv.FormatBool(t)
	case float64:
		return "n\x00" + strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return "n\x00" + strconv.Itoa(t)
	case int64:
		return "n\x00" + strconv.FormatInt(t, 10)
	case string:
		return "s\x00" + t
	}
	return "o\x00" + fmt.Sprintf("%v", v)
}
