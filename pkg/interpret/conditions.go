package interpret

import (
	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/lens"
)

// evalCondition checks one structural predicate against the record. Unknown
// kinds fail closed so a typo in a lens cannot silently enable a rule.
func evalCondition(cond lens.Condition, rec *entity.Extracted, moduleName string) bool {
	switch cond.Kind {
	case lens.CondFieldNotPopulated:
		return !present(resolveField(rec, moduleName, cond.Field))

	case lens.CondValuePresent:
		return present(resolveField(rec, moduleName, cond.Field))

	case lens.CondSourceHasField:
		v, ok := rec.RawObservations[cond.Field]
		return ok && v != nil

	case lens.CondAnyFieldMissing:
		for _, f := range cond.Fields {
			if !present(resolveField(rec, moduleName, f)) {
				return true
			}
		}
		return false
	}
	return false
}
