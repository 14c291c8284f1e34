package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

// OSM parses Overpass API responses. Every named element becomes a place;
// all tags pass through raw observations for the lens to interpret.
type OSM struct{}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id"`
	Lat    *float64        `json:"lat"`
	Lon    *float64        `json:"lon"`
	Center *overpassCenter `json:"center"`
	Tags   map[string]string `json:"tags"`
}

type overpassCenter struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (el *overpassElement) coords() (*float64, *float64) {
	if el.Lat != nil && el.Lon != nil {
		return el.Lat, el.Lon
	}
	if el.Center != nil {
		lat, lon := el.Center.Lat, el.Center.Lon
		return &lat, &lon
	}
	return nil, nil
}

func (OSM) Extract(ing *rawstore.Ingestion) ([]*entity.Extracted, error) {
	var resp overpassResponse
	if err := json.Unmarshal(ing.Payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: overpass: %v", ErrMalformedPayload, err)
	}

	var out []*entity.Extracted
	for _, el := range resp.Elements {
		name := el.Tags["name"]
		if name == "" {
			continue
		}

		rec := newRecord(ing, entity.ClassPlace)
		rec.EntityName = name
		rec.Latitude, rec.Longitude = el.coords()
		rec.StreetAddress = osmStreet(el.Tags)
		rec.City = el.Tags["addr:city"]
		rec.Postcode = el.Tags["addr:postcode"]
		rec.Country = el.Tags["addr:country"]
		rec.Phone = firstTag(el.Tags, "phone", "contact:phone")
		rec.Email = firstTag(el.Tags, "email", "contact:email")
		rec.WebsiteURL = firstTag(el.Tags, "website", "contact:website")
		rec.ExternalIDs["osm"] = fmt.Sprintf("%s/%d", el.Type, el.ID)

		for k, v := range el.Tags {
			rec.RawObservations[k] = v
		}

		stampConfidence(rec, 0.85)
		out = append(out, rec)
	}
	return out, nil
}

func osmStreet(tags map[string]string) string {
	street := tags["addr:street"]
	if street == "" {
		return ""
	}
	if num := tags["addr:housenumber"]; num != "" {
		return strings.TrimSpace(num + " " + street)
	}
	return street
}

func firstTag(tags map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := tags[k]; v != "" {
			return v
		}
	}
	return ""
}
