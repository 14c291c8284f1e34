package extract

import (
	"encoding/json"
	"fmt"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

// Generic handles sources without a dedicated extractor. It accepts a JSON
// object or array of objects, lifts schema primitives by their exact names,
// infers the class structurally, and passes every other field through raw
// observations.
type Generic struct{}

func (Generic) Extract(ing *rawstore.Ingestion) ([]*entity.Extracted, error) {
	objs, err := decodeObjects(ing.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, ing.Source, err)
	}

	var out []*entity.Extracted
	for _, obj := range objs {
		rec := newRecord(ing, entity.ClassThing)
		for key, value := range obj {
			if liftPrimitive(rec, key, value) {
				continue
			}
			if key == "external_ids" {
				liftExternalIDs(rec, value)
				continue
			}
			rec.RawObservations[key] = value
		}
		if rec.EntityName == "" {
			continue
		}
		rec.Class = InferClass(&rec.Primitives, rec.RawObservations)
		stampConfidence(rec, 0.6)
		out = append(out, rec)
	}
	return out, nil
}

func decodeObjects(payload []byte) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal(payload, &list); err == nil {
		return list, nil
	}
	var single map[string]any
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, err
	}
	return []map[string]any{single}, nil
}

func liftPrimitive(rec *entity.Extracted, key string, value any) bool {
	switch key {
	case "entity_name":
		rec.EntityName, _ = value.(string)
	case "latitude":
		if f, ok := value.(float64); ok {
			rec.Latitude = &f
		}
	case "longitude":
		if f, ok := value.(float64); ok {
			rec.Longitude = &f
		}
	case "street_address":
		rec.StreetAddress, _ = value.(string)
	case "city":
		rec.City, _ = value.(string)
	case "postcode":
		rec.Postcode, _ = value.(string)
	case "country":
		rec.Country, _ = value.(string)
	case "phone":
		rec.Phone, _ = value.(string)
	case "email":
		rec.Email, _ = value.(string)
	case "website_url":
		rec.WebsiteURL, _ = value.(string)
	default:
		return false
	}
	return true
}

func liftExternalIDs(rec *entity.Extracted, value any) {
	ids, ok := value.(map[string]any)
	if !ok {
		return
	}
	for ns, raw := range ids {
		if id, ok := raw.(string); ok && id != "" {
			rec.ExternalIDs[ns] = id
		}
	}
}
