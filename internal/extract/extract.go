// Package extract turns fetched pages into raw opportunity items using only
// the selectors configured on each target. There are no content heuristics:
// a page that does not match its selectors yields no items.
package extract

import (
	"context"
	"strings"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

// Router picks the extractor for a target's type.
type Router struct {
	html *HTML
	json *JSON
	rss  *RSS
}

// New returns a Router with the built-in extractors.
func New() *Router {
	return &Router{html: NewHTML(), json: NewJSON(), rss: NewRSS()}
}

// Extract implements discovery.Extractor.
func (r *Router) Extract(ctx context.Context, page discovery.Page, target discovery.SearchTarget) ([]discovery.RawOpportunity, error) {
	switch target.Type {
	case discovery.TargetTypeAPI:
		return r.json.Extract(ctx, page, target)
	case discovery.TargetTypeRSS:
		return r.rss.Extract(ctx, page, target)
	default:
		return r.html.Extract(ctx, page, target)
	}
}

// collapse trims s and folds internal whitespace runs into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
