// Package detector decides when a scraping target's plain HTTP page should be
// rendered in the browser before extraction.
package detector

import (
	"bytes"
	"mime"
	"net/http"

	"github.com/PuerkitoBio/goquery"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

const (
	// DefaultMinBodyBytes is the body size below which script-heavy pages are
	// treated as client rendered.
	DefaultMinBodyBytes = 2048
	defaultScriptShare  = 0.25
	// listings with less visible text than this are considered unrendered
	thinTextChars = 200
)

// mountPoints are the empty root nodes SPA frameworks hydrate into.
const mountPoints = "#__next, #root, #app, [data-reactroot], [ng-version], [data-v-app]"

// Heuristic implements fetcher.Detector.
type Heuristic struct {
	MinBodyBytes int
	ScriptShare  float64
}

// NewHeuristic returns a Heuristic. minBodyBytes <= 0 selects
// DefaultMinBodyBytes.
func NewHeuristic(minBodyBytes int) *Heuristic {
	if minBodyBytes <= 0 {
		minBodyBytes = DefaultMinBodyBytes
	}
	return &Heuristic{MinBodyBytes: minBodyBytes, ScriptShare: defaultScriptShare}
}

// ShouldPromote reports whether page looks client rendered. A page where
// itemSelector already matches is never promoted.
func (h *Heuristic) ShouldPromote(page discovery.Page, itemSelector string) bool {
	if page.StatusCode != http.StatusOK || page.UsedHeadless || !isHTML(page) {
		return false
	}
	body := bytes.TrimSpace(page.Body)
	if len(body) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if itemSelector != "" && doc.Find(itemSelector).Length() > 0 {
		return false
	}
	if doc.Find(mountPoints).Length() > 0 {
		return true
	}
	if len(body) < h.MinBodyBytes && scriptShare(doc, len(body)) >= h.ScriptShare {
		return true
	}
	return itemSelector != "" && len(visibleText(doc)) < thinTextChars
}

func isHTML(page discovery.Page) bool {
	ct := page.Headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func scriptShare(doc *goquery.Document, total int) float64 {
	if total == 0 {
		return 0
	}
	var n int
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		n += len(s.Text())
	})
	return float64(n) / float64(total)
}

func visibleText(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return string(bytes.Join(bytes.Fields([]byte(body.Text())), []byte(" ")))
}
