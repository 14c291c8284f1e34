package extract

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

// Web parses fetched HTML pages. A page yields at most one record: the page
// title plus whatever contact details the markup exposes.
type Web struct{}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

const maxPageContacts = 5

func (Web) Extract(ing *rawstore.Ingestion) ([]*entity.Extracted, error) {
	page := parsePage(ing.Payload)

	rec := newRecord(ing, entity.ClassThing)
	rec.EntityName = page.title
	rec.WebsiteURL = ing.URL
	if len(page.emails) > 0 {
		rec.Email = page.emails[0]
	}
	if len(page.phones) > 0 {
		rec.Phone = page.phones[0]
	}

	if page.title != "" {
		rec.RawObservations["html_title"] = page.title
	}
	if page.description != "" {
		rec.RawObservations["meta_description"] = page.description
	}
	if len(page.emails) > 0 {
		rec.RawObservations["emails"] = page.emails
	}
	if len(page.phones) > 0 {
		rec.RawObservations["phones"] = page.phones
	}

	stampConfidence(rec, 0.4)
	return []*entity.Extracted{rec}, nil
}

type pageFacts struct {
	title       string
	description string
	emails      []string
	phones      []string
}

// parsePage tokenizes the page for its title, meta description, and
// mailto/tel links, then sweeps the raw bytes for bare email addresses.
// Broken markup yields whatever was parseable; HTML never hard-fails.
func parsePage(body []byte) pageFacts {
	var facts pageFacts
	seenEmail := map[string]bool{}
	seenPhone := map[string]bool{}

	z := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "title":
				inTitle = tt == html.StartTagToken
			case "meta":
				if attr(tok, "name") == "description" {
					facts.description = strings.TrimSpace(attr(tok, "content"))
				}
			case "a":
				href := attr(tok, "href")
				switch {
				case strings.HasPrefix(href, "mailto:"):
					if e := cleanContact(href, "mailto:"); e != "" && !seenEmail[e] && len(facts.emails) < maxPageContacts {
						seenEmail[e] = true
						facts.emails = append(facts.emails, e)
					}
				case strings.HasPrefix(href, "tel:"):
					if p := cleanContact(href, "tel:"); p != "" && !seenPhone[p] && len(facts.phones) < maxPageContacts {
						seenPhone[p] = true
						facts.phones = append(facts.phones, p)
					}
				}
			}
		case html.TextToken:
			if inTitle && facts.title == "" {
				facts.title = strings.TrimSpace(string(z.Text()))
			}
		case html.EndTagToken:
			if tok := z.Token(); tok.Data == "title" {
				inTitle = false
			}
		}
	}

	for _, m := range emailPattern.FindAllString(string(body), maxPageContacts) {
		if !seenEmail[m] && len(facts.emails) < maxPageContacts {
			seenEmail[m] = true
			facts.emails = append(facts.emails, m)
		}
	}
	return facts
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func cleanContact(href, scheme string) string {
	v := strings.TrimPrefix(href, scheme)
	if i := strings.IndexByte(v, '?'); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
