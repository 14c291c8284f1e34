package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

// Places parses Places API text-search responses.
type Places struct{}

type placesResponse struct {
	Places []placesResult `json:"places"`
}

type placesResult struct {
	ID          string `json:"id"`
	DisplayName struct {
		Text string `json:"text"`
	} `json:"displayName"`
	FormattedAddress string `json:"formattedAddress"`
	Location         *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	AddressComponents []struct {
		LongText string   `json:"longText"`
		Types    []string `json:"types"`
	} `json:"addressComponents"`
	InternationalPhoneNumber string          `json:"internationalPhoneNumber"`
	WebsiteURI               string          `json:"websiteUri"`
	Types                    []string        `json:"types"`
	Rating                   float64         `json:"rating"`
	RegularOpeningHours      json.RawMessage `json:"regularOpeningHours"`
}

func (Places) Extract(ing *rawstore.Ingestion) ([]*entity.Extracted, error) {
	var resp placesResponse
	if err := json.Unmarshal(ing.Payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: places: %v", ErrMalformedPayload, err)
	}

	var out []*entity.Extracted
	for _, p := range resp.Places {
		if p.DisplayName.Text == "" {
			continue
		}

		rec := newRecord(ing, entity.ClassPlace)
		rec.EntityName = p.DisplayName.Text
		if p.Location != nil {
			lat, lng := p.Location.Latitude, p.Location.Longitude
			rec.Latitude, rec.Longitude = &lat, &lng
		}
		rec.StreetAddress = p.component("street_number", "route")
		if rec.StreetAddress == "" {
			rec.StreetAddress = p.FormattedAddress
		}
		rec.City = firstNonEmpty(p.componentOf("postal_town"), p.componentOf("locality"))
		rec.Postcode = p.componentOf("postal_code")
		rec.Country = p.componentOf("country")
		rec.Phone = p.InternationalPhoneNumber
		rec.WebsiteURL = p.WebsiteURI
		rec.ExternalIDs["google_places"] = p.ID

		if len(p.Types) > 0 {
			rec.RawObservations["types"] = p.Types
		}
		if p.Rating > 0 {
			rec.RawObservations["rating"] = p.Rating
		}
		if len(p.RegularOpeningHours) > 0 {
			var hours any
			if err := json.Unmarshal(p.RegularOpeningHours, &hours); err == nil {
				rec.RawObservations["opening_hours"] = hours
			}
		}
		if p.FormattedAddress != "" {
			rec.RawObservations["formatted_address"] = p.FormattedAddress
		}

		stampConfidence(rec, 0.9)
		out = append(out, rec)
	}
	return out, nil
}

// component joins the named address components in order, skipping absences.
func (p *placesResult) component(types ...string) string {
	parts := make([]string, 0, len(types))
	for _, t := range types {
		if v := p.componentOf(t); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func (p *placesResult) componentOf(componentType string) string {
	for _, c := range p.AddressComponents {
		for _, t := range c.Types {
			if t == componentType {
				return c.LongText
			}
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
