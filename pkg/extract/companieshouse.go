package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

// CompaniesHouse parses UK company register search responses into
// organizations.
type CompaniesHouse struct{}

type companySearchResponse struct {
	Items []struct {
		Title          string `json:"title"`
		CompanyNumber  string `json:"company_number"`
		CompanyStatus  string `json:"company_status"`
		CompanyType    string `json:"company_type"`
		DateOfCreation string `json:"date_of_creation"`
		Address        struct {
			Premises     string `json:"premises"`
			AddressLine1 string `json:"address_line_1"`
			Locality     string `json:"locality"`
			PostalCode   string `json:"postal_code"`
			Country      string `json:"country"`
		} `json:"address"`
	} `json:"items"`
}

func (CompaniesHouse) Extract(ing *rawstore.Ingestion) ([]*entity.Extracted, error) {
	var resp companySearchResponse
	if err := json.Unmarshal(ing.Payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: company search: %v", ErrMalformedPayload, err)
	}

	var out []*entity.Extracted
	for _, item := range resp.Items {
		if item.Title == "" || item.CompanyNumber == "" {
			continue
		}

		rec := newRecord(ing, entity.ClassOrganization)
		rec.EntityName = item.Title
		rec.StreetAddress = strings.TrimSpace(strings.Join(nonEmpty(
			item.Address.Premises, item.Address.AddressLine1), " "))
		rec.City = item.Address.Locality
		rec.Postcode = item.Address.PostalCode
		rec.Country = item.Address.Country
		rec.ExternalIDs["companies_house"] = item.CompanyNumber

		rec.RawObservations["company_number"] = item.CompanyNumber
		rec.RawObservations["company_status"] = item.CompanyStatus
		rec.RawObservations["company_type"] = item.CompanyType
		if item.DateOfCreation != "" {
			rec.RawObservations["date_of_creation"] = item.DateOfCreation
		}

		stampConfidence(rec, 0.95)
		out = append(out, rec)
	}
	return out, nil
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
