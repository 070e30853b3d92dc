package extract

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

const listingHTML = `<html><body>
<ul class="calls">
  <li class="call">
    <h3><a href="/calls/health-2024">  Community   Health Grant </a></h3>
    <span class="deadline">Deadline: 2024-09-30</span>
    <span class="amount">$10,000 - $50,000</span>
    <p class="summary">Support for clinics. Contact grants@example.org or +211 912 345 678.</p>
  </li>
  <li class="call">
    <h3></h3>
    <span class="deadline">2024-10-01</span>
  </li>
  <li class="call">
    <h3><a href="https://other.example/x">Water Access Fund</a></h3>
  </li>
</ul></body></html>`

func scrapingTarget(selectors map[string]string) discovery.SearchTarget {
	return discovery.SearchTarget{
		ID:      "t-1",
		URL:     "https://grants.example.org/list",
		Type:    discovery.TargetTypeScraping,
		Options: discovery.TargetOptions{Selectors: selectors},
	}
}

func TestHTMLExtract(t *testing.T) {
	t.Parallel()

	target := scrapingTarget(map[string]string{
		"item":        "li.call",
		"title":       "h3",
		"link":        "h3 a@href",
		"deadline":    ".deadline",
		"amount":      ".amount",
		"description": "p.summary",
	})
	page := discovery.Page{StatusCode: http.StatusOK, Body: []byte(listingHTML)}

	items, err := New().Extract(context.Background(), page, target)
	require.NoError(t, err)
	require.Len(t, items, 2, "items without a title are skipped")

	first := items[0]
	require.Equal(t, "Community Health Grant", first.Title)
	require.Equal(t, "/calls/health-2024", first.Link)
	require.Equal(t, "Deadline: 2024-09-30", first.Deadline)
	require.Equal(t, "$10,000 - $50,000", first.Amount)
	require.Contains(t, first.Contact, "grants@example.org", "contact falls back to the item text")

	require.Equal(t, "Water Access Fund", items[1].Title)
	require.Empty(t, items[1].Deadline)
}

func TestHTMLExtractDefaultsLinkToFirstAnchor(t *testing.T) {
	t.Parallel()

	target := scrapingTarget(map[string]string{"item": "li.call", "title": "h3"})
	items, err := NewHTML().Extract(context.Background(), discovery.Page{Body: []byte(listingHTML)}, target)
	require.NoError(t, err)
	require.Equal(t, "https://other.example/x", items[1].Link)
}

func TestHTMLExtractItemAttribute(t *testing.T) {
	t.Parallel()

	body := `<div><a class="opp" href="/a" title="Seed Fund">Seed Fund</a></div>`
	target := scrapingTarget(map[string]string{"item": "a.opp", "title": "@title", "link": "@href"})
	items, err := NewHTML().Extract(context.Background(), discovery.Page{Body: []byte(body)}, target)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Seed Fund", items[0].Title)
	require.Equal(t, "/a", items[0].Link)
}

func TestHTMLExtractInvalidSelectorIsConfigError(t *testing.T) {
	t.Parallel()

	target := scrapingTarget(map[string]string{"item": "li[", "title": "h3"})
	_, err := NewHTML().Extract(context.Background(), discovery.Page{Body: []byte(listingHTML)}, target)
	require.ErrorIs(t, err, discovery.ErrConfig)

	target = scrapingTarget(map[string]string{"item": "li", "title": "h3@"})
	_, err = NewHTML().Extract(context.Background(), discovery.Page{Body: []byte(listingHTML)}, target)
	require.ErrorIs(t, err, discovery.ErrConfig)
}

func TestHTMLExtractNoMatchesYieldsNothing(t *testing.T) {
	t.Parallel()

	target := scrapingTarget(map[string]string{"item": "article", "title": "h1"})
	items, err := NewHTML().Extract(context.Background(), discovery.Page{Body: []byte(listingHTML)}, target)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestJSONExtract(t *testing.T) {
	t.Parallel()

	body := `{"data":{"results":[
		{"name":"Climate Fellowship","closes":"2024-11-15","funding":{"max":"USD 25,000"},"url":"https://api.example.org/f/1","tags":["climate","youth"]},
		{"name":"","closes":"2024-12-01"},
		{"name":"Innovation Award","closes":"15 December 2024"}
	]}}`
	target := discovery.SearchTarget{
		ID:   "api-1",
		Type: discovery.TargetTypeAPI,
		Options: discovery.TargetOptions{Selectors: map[string]string{
			"item":     "data.results",
			"title":    "name",
			"deadline": "closes",
			"amount":   "funding.max",
			"link":     "url",
			"sector":   "tags",
		}},
	}
	items, err := New().Extract(context.Background(), discovery.Page{Body: []byte(body)}, target)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "Climate Fellowship", items[0].Title)
	require.Equal(t, "USD 25,000", items[0].Amount)
	require.Equal(t, "climate youth", items[0].Sector)
	require.Equal(t, "15 December 2024", items[1].Deadline)
}

func TestJSONExtractSingleObjectAndInvalidBody(t *testing.T) {
	t.Parallel()

	target := discovery.SearchTarget{
		Type:    discovery.TargetTypeAPI,
		Options: discovery.TargetOptions{Selectors: map[string]string{"item": "grant", "title": "title"}},
	}
	items, err := NewJSON().Extract(context.Background(), discovery.Page{Body: []byte(`{"grant":{"title":"Solo"}}`)}, target)
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = NewJSON().Extract(context.Background(), discovery.Page{Body: []byte(`<html>`)}, target)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestRSSExtract(t *testing.T) {
	t.Parallel()

	body := `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Calls</title>
<item><title>Education Grant 2024</title><link>https://feed.example/e</link>
<description>&lt;p&gt;Apply by &lt;b&gt;2024-10-01&lt;/b&gt;&lt;/p&gt;&lt;script&gt;track()&lt;/script&gt;&lt;p&gt;Health &amp;amp; WASH&lt;/p&gt;</description>
<pubDate>Mon, 03 Jun 2024 10:00:00 +0000</pubDate><category>education</category></item>
<item><title></title></item>
</channel></rss>`
	target := discovery.SearchTarget{Type: discovery.TargetTypeRSS}
	items, err := New().Extract(context.Background(), discovery.Page{Body: []byte(body)}, target)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Education Grant 2024", items[0].Title)
	require.Equal(t, "Apply by 2024-10-01 Health & WASH", items[0].Description)
	require.Equal(t, "education", items[0].Sector)
	require.Equal(t, "Mon, 03 Jun 2024 10:00:00 +0000", items[0].Published)
}

func TestAtomExtract(t *testing.T) {
	t.Parallel()

	body := `<feed xmlns="http://www.w3.org/2005/Atom">
<entry><title>Research Call</title>
<link rel="self" href="https://feed.example/self"/><link href="https://feed.example/r"/>
<summary>Funding up to $5,000</summary><updated>2024-06-01T00:00:00Z</updated></entry>
</feed>`
	items, err := NewRSS().Extract(context.Background(), discovery.Page{Body: []byte(body)}, discovery.SearchTarget{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "https://feed.example/r", items[0].Link)
	require.Equal(t, "2024-06-01T00:00:00Z", items[0].Published)

	items, err = NewRSS().Extract(context.Background(), discovery.Page{Body: []byte("not xml")}, discovery.SearchTarget{})
	require.NoError(t, err)
	require.Empty(t, items)
}
