package extract

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

// JSON extracts items from API responses with gjson paths. selectors.item
// points at the array; field paths are relative to each element.
type JSON struct{}

// NewJSON returns the gjson-backed extractor.
func NewJSON() *JSON {
	return &JSON{}
}

// Extract implements discovery.Extractor. Bodies that are not valid JSON
// yield no items.
func (j *JSON) Extract(_ context.Context, page discovery.Page, target discovery.SearchTarget) ([]discovery.RawOpportunity, error) {
	if !gjson.ValidBytes(page.Body) {
		return nil, nil
	}
	opts := target.Options
	itemPath := opts.Selector(discovery.SelectorItem)
	if itemPath == "" || itemPath == "." {
		itemPath = "@this"
	}
	items := gjson.GetBytes(page.Body, itemPath)
	if !items.Exists() {
		return nil, nil
	}
	if !items.IsArray() {
		items = gjson.Parse("[" + items.Raw + "]")
	}

	field := func(v gjson.Result, key string) string {
		path := opts.Selector(key)
		if path == "" {
			return ""
		}
		r := v.Get(path)
		if r.IsArray() {
			parts := make([]string, 0, len(r.Array()))
			for _, e := range r.Array() {
				parts = append(parts, e.String())
			}
			return collapse(strings.Join(parts, " "))
		}
		return collapse(r.String())
	}

	var out []discovery.RawOpportunity
	items.ForEach(func(_, v gjson.Result) bool {
		raw := discovery.RawOpportunity{
			Title:       field(v, discovery.SelectorTitle),
			Description: field(v, discovery.SelectorDescription),
			Deadline:    field(v, discovery.SelectorDeadline),
			Amount:      field(v, discovery.SelectorAmount),
			Link:        field(v, discovery.SelectorLink),
			Contact:     field(v, discovery.SelectorContact),
			Sector:      field(v, discovery.SelectorSector),
			Published:   field(v, discovery.SelectorPublished),
		}
		if raw.Title != "" {
			out = append(out, raw)
		}
		return true
	})
	return out, nil
}
