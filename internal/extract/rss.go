package extract

import (
	"bytes"
	"context"
	"encoding/xml"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

// RSS maps RSS 2.0 items and Atom entries onto raw opportunities. Selectors
// are not used.
type RSS struct{}

// NewRSS returns the feed extractor.
func NewRSS() *RSS {
	return &RSS{}
}

type rssRoot struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	Content     string `xml:"encoded"`
	PubDate     string `xml:"pubDate"`
	Category    string `xml:"category"`
}

type atomRoot struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	Category  struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

// Extract implements discovery.Extractor. Unparseable feeds yield no items.
func (r *RSS) Extract(_ context.Context, page discovery.Page, _ discovery.SearchTarget) ([]discovery.RawOpportunity, error) {
	switch rootElement(page.Body) {
	case "rss", "rdf":
		return parseRSS(page.Body), nil
	case "feed":
		return parseAtom(page.Body), nil
	default:
		return nil, nil
	}
}

func rootElement(data []byte) string {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return strings.ToLower(se.Name.Local)
		}
	}
}

func parseRSS(data []byte) []discovery.RawOpportunity {
	var root rssRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil
	}
	out := make([]discovery.RawOpportunity, 0, len(root.Channel.Items))
	for _, item := range root.Channel.Items {
		desc := item.Description
		if strings.TrimSpace(desc) == "" {
			desc = item.Content
		}
		raw := discovery.RawOpportunity{
			Title:       collapse(item.Title),
			Link:        strings.TrimSpace(item.Link),
			Description: collapse(stripTags(desc)),
			Published:   strings.TrimSpace(item.PubDate),
			Sector:      collapse(item.Category),
		}
		raw.Contact = raw.Description
		if raw.Title != "" {
			out = append(out, raw)
		}
	}
	return out
}

func parseAtom(data []byte) []discovery.RawOpportunity {
	var root atomRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil
	}
	out := make([]discovery.RawOpportunity, 0, len(root.Entries))
	for _, e := range root.Entries {
		desc := e.Summary
		if strings.TrimSpace(desc) == "" {
			desc = e.Content
		}
		published := e.Published
		if strings.TrimSpace(published) == "" {
			published = e.Updated
		}
		raw := discovery.RawOpportunity{
			Title:       collapse(e.Title),
			Link:        atomEntryLink(e.Links),
			Description: collapse(stripTags(desc)),
			Published:   strings.TrimSpace(published),
			Sector:      collapse(e.Category.Term),
		}
		raw.Contact = raw.Description
		if raw.Title != "" {
			out = append(out, raw)
		}
	}
	return out
}

func atomEntryLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

// feedText drops every tag from feed descriptions, including script and
// style bodies. Block boundaries become spaces.
var feedText = func() *bluemonday.Policy {
	p := bluemonday.StrictPolicy()
	p.AddSpaceWhenStrippingTag(true)
	return p
}()

// stripTags returns the text content of a description, which feeds usually
// carry as escaped HTML.
func stripTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	return html.UnescapeString(feedText.Sanitize(s))
}
