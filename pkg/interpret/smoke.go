package interpret

import (
	"context"
	"fmt"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/lens"
)

// Smoke applies a contract to its embedded fixture and checks the declared
// expectations. The lens loader runs this as its final gate, so a lens whose
// own example stops producing its dimensions or modules never loads. The
// fixture pass is deterministic only; llm_structured rules do not run.
func Smoke(c *lens.Contract) error {
	if c.Validation == nil {
		return nil
	}

	rec := &entity.Extracted{
		Source:          c.Validation.Source,
		Class:           entity.Class(c.Validation.EntityClass),
		ExternalIDs:     map[string]string{},
		Confidence:      map[string]float64{},
		RawObservations: c.Validation.Payload,
	}

	eng := New()
	if failures := eng.Apply(context.Background(), c, rec); len(failures) > 0 {
		return fmt.Errorf("fixture produced %d rule failures, first: %s", len(failures), failures[0])
	}

	for dim, want := range c.Validation.Expect.Dimensions {
		got := rec.Dimensions.Get(dim)
		for _, value := range want {
			if !containsString(got, value) {
				return fmt.Errorf("fixture expectation failed: dimension %s missing %q (got %v)", dim, value, got)
			}
		}
	}
	for _, module := range c.Validation.Expect.Modules {
		if _, ok := rec.Modules[module]; !ok {
			return fmt.Errorf("fixture expectation failed: module %s not attached", module)
		}
	}
	return nil
}
