package extract

import (
	"encoding/json"
	"fmt"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

// Serper parses web-search responses. Results carry no structure beyond a
// title and link, so they stay things until richer sources confirm them.
type Serper struct{}

type serperResponse struct {
	Organic []struct {
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
		Position int    `json:"position"`
	} `json:"organic"`
}

func (Serper) Extract(ing *rawstore.Ingestion) ([]*entity.Extracted, error) {
	var resp serperResponse
	if err := json.Unmarshal(ing.Payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: serper: %v", ErrMalformedPayload, err)
	}

	var out []*entity.Extracted
	for _, item := range resp.Organic {
		if item.Title == "" {
			continue
		}
		rec := newRecord(ing, entity.ClassThing)
		rec.EntityName = item.Title
		rec.WebsiteURL = item.Link
		rec.RawObservations["title"] = item.Title
		rec.RawObservations["snippet"] = item.Snippet
		rec.RawObservations["link"] = item.Link
		rec.RawObservations["position"] = item.Position

		stampConfidence(rec, 0.5)
		out = append(out, rec)
	}
	return out, nil
}
