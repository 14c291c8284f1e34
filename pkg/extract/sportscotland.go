package extract

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

// SportScotland parses facility register feature-service responses. Every
// feature is a place; attributes pass through raw observations under their
// register names.
type SportScotland struct{}

type arcgisResponse struct {
	Features []struct {
		Attributes map[string]any `json:"attributes"`
		Geometry   *struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"geometry"`
	} `json:"features"`
}

func (SportScotland) Extract(ing *rawstore.Ingestion) ([]*entity.Extracted, error) {
	var resp arcgisResponse
	if err := json.Unmarshal(ing.Payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: feature service: %v", ErrMalformedPayload, err)
	}

	var out []*entity.Extracted
	for _, f := range resp.Features {
		name := attrString(f.Attributes, "NAME")
		if name == "" {
			continue
		}

		rec := newRecord(ing, entity.ClassPlace)
		rec.EntityName = name
		if f.Geometry != nil {
			lat, lng := f.Geometry.Y, f.Geometry.X
			rec.Latitude, rec.Longitude = &lat, &lng
		}
		rec.StreetAddress = attrString(f.Attributes, "ADDRESS")
		rec.City = attrString(f.Attributes, "TOWN")
		rec.Postcode = attrString(f.Attributes, "POSTCODE")
		if id := attrID(f.Attributes); id != "" {
			rec.ExternalIDs["sport_scotland"] = id
		}

		for k, v := range f.Attributes {
			if v != nil {
				rec.RawObservations[k] = v
			}
		}

		stampConfidence(rec, 0.9)
		out = append(out, rec)
	}
	return out, nil
}

func attrString(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

func attrID(attrs map[string]any) string {
	for _, key := range []string{"FACILITY_ID", "OBJECTID"} {
		switch v := attrs[key].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}
