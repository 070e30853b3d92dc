package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

// HTML extracts items with CSS selectors. Field selectors are relative to
// the item and may end in "@attr" to read an attribute instead of text;
// "@href" alone reads the item element itself.
type HTML struct{}

// NewHTML returns the goquery-backed extractor.
func NewHTML() *HTML {
	return &HTML{}
}

type fieldSpec struct {
	matcher cascadia.Selector
	attr    string
}

var htmlFields = []string{
	discovery.SelectorTitle,
	discovery.SelectorDescription,
	discovery.SelectorDeadline,
	discovery.SelectorAmount,
	discovery.SelectorLink,
	discovery.SelectorContact,
	discovery.SelectorSector,
	discovery.SelectorPublished,
}

// Extract implements discovery.Extractor.
func (h *HTML) Extract(_ context.Context, page discovery.Page, target discovery.SearchTarget) ([]discovery.RawOpportunity, error) {
	opts := target.Options
	item, err := cascadia.Compile(opts.Selector(discovery.SelectorItem))
	if err != nil {
		return nil, fmt.Errorf("%w: target %s: selectors.item: %v", discovery.ErrConfig, target.ID, err)
	}
	specs := make(map[string]fieldSpec, len(htmlFields))
	for _, key := range htmlFields {
		raw := opts.Selector(key)
		if raw == "" {
			continue
		}
		spec, err := parseFieldSpec(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: target %s: selectors.%s: %v", discovery.ErrConfig, target.ID, key, err)
		}
		specs[key] = spec
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, nil
	}

	var out []discovery.RawOpportunity
	doc.FindMatcher(item).Each(func(_ int, s *goquery.Selection) {
		raw := discovery.RawOpportunity{
			Title:       readField(s, specs, discovery.SelectorTitle),
			Description: readField(s, specs, discovery.SelectorDescription),
			Deadline:    readField(s, specs, discovery.SelectorDeadline),
			Amount:      readField(s, specs, discovery.SelectorAmount),
			Link:        readField(s, specs, discovery.SelectorLink),
			Contact:     readField(s, specs, discovery.SelectorContact),
			Sector:      readField(s, specs, discovery.SelectorSector),
			Published:   readField(s, specs, discovery.SelectorPublished),
		}
		if raw.Title == "" {
			return
		}
		if _, ok := specs[discovery.SelectorLink]; !ok {
			raw.Link, _ = s.Find("a[href]").First().Attr("href")
		}
		if _, ok := specs[discovery.SelectorContact]; !ok {
			raw.Contact = collapse(s.Text())
		}
		out = append(out, raw)
	})
	return out, nil
}

func parseFieldSpec(raw string) (fieldSpec, error) {
	sel, attr := raw, ""
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		sel, attr = strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:])
		if attr == "" {
			return fieldSpec{}, fmt.Errorf("empty attribute in %q", raw)
		}
	}
	if sel == "" {
		return fieldSpec{attr: attr}, nil
	}
	m, err := cascadia.Compile(sel)
	if err != nil {
		return fieldSpec{}, err //nolint:wrapcheck // caller adds target context
	}
	return fieldSpec{matcher: m, attr: attr}, nil
}

func readField(s *goquery.Selection, specs map[string]fieldSpec, key string) string {
	spec, ok := specs[key]
	if !ok {
		return ""
	}
	node := s
	if spec.matcher != nil {
		node = s.FindMatcher(spec.matcher).First()
		if node.Length() == 0 {
			return ""
		}
	}
	if spec.attr != "" {
		v, _ := node.Attr(spec.attr)
		return strings.TrimSpace(v)
	}
	return collapse(node.Text())
}
