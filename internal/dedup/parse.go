package dedup

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// deadlineLayouts are tried in order after ordinals and labels are removed.
var deadlineLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"January 2, 2006",
	"January 2 2006",
	"2 January 2006",
	"2 January, 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 Jan 2006",
	"Monday, January 2, 2006",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC822Z,
	time.RFC822,
}

var (
	ordinalSuffix = regexp.MustCompile(`(?i)\b(\d{1,2})(st|nd|rd|th)\b`)
	dateLabel     = regexp.MustCompile(`(?i)^(application\s+)?(deadline|closing\s+date|closes|due(\s+date)?|expires|published|posted)\s*(on)?\s*[:\-]?\s*`)
	emailPattern  = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?\(?\d[\d\s().\-]{6,}\d`)
	linkPattern   = regexp.MustCompile(`https?://[^\s<>"']+`)
	amountPattern = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)\s*(thousand|million|billion|bn|k|m|b)?\b`)
	isoCurrency   = regexp.MustCompile(`\b(USD|EUR|GBP|KES|NGN|ZAR|UGX|TZS|GHS|XOF|XAF|ETB|RWF|SSP|SDG|CAD|AUD|CHF|JPY|INR)\b`)
)

var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"KSh", "KES"},
	{"US$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"₦", "NGN"},
	{"¥", "JPY"},
	{"₹", "INR"},
	{"$", "USD"},
}

var amountMultipliers = map[string]float64{
	"k":        1e3,
	"thousand": 1e3,
	"m":        1e6,
	"million":  1e6,
	"b":        1e9,
	"bn":       1e9,
	"billion":  1e9,
}

// ParseDate reads a date in one of the layouts commonly found on funding
// pages. The result is in UTC. ok is false when nothing matched.
func ParseDate(raw string) (time.Time, bool) {
	s := collapse(raw)
	s = dateLabel.ReplaceAllString(s, "")
	s = ordinalSuffix.ReplaceAllString(s, "$1")
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range deadlineLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Amount is a parsed funding range. Nil bounds are unknown.
type Amount struct {
	Min      *float64
	Max      *float64
	Currency string
}

// ParseAmount extracts a range such as "$10,000 - $50,000", "up to USD 25k"
// or "€1.5M". The currency falls back to fallback when the text names none.
func ParseAmount(raw, fallback string) Amount {
	out := Amount{Currency: DetectCurrency(raw, fallback)}
	text := collapse(raw)
	if text == "" {
		return out
	}
	matches := amountPattern.FindAllStringSubmatch(text, -1)
	values := make([]float64, 0, 2)
	for _, m := range matches {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil {
			continue
		}
		if mult, ok := amountMultipliers[strings.ToLower(m[2])]; ok {
			v *= mult
		}
		values = append(values, v)
		if len(values) == 2 {
			break
		}
	}
	if len(values) == 0 {
		return out
	}
	lower := strings.ToLower(text)
	switch {
	case len(values) == 2:
		lo, hi := values[0], values[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		out.Min, out.Max = &lo, &hi
	case hasAny(lower, "up to", "maximum", "max.", "not exceeding", "no more than"):
		out.Max = &values[0]
	case hasAny(lower, "at least", "minimum", "min.", "from", "starting"):
		out.Min = &values[0]
	default:
		lo, hi := values[0], values[0]
		out.Min, out.Max = &lo, &hi
	}
	return out
}

// DetectCurrency returns the ISO code named or symbolized in text, or
// fallback, or USD.
func DetectCurrency(text, fallback string) string {
	if m := isoCurrency.FindString(strings.ToUpper(text)); m != "" {
		return m
	}
	for _, cs := range currencySymbols {
		if strings.Contains(text, cs.symbol) {
			return cs.code
		}
	}
	if fb := strings.ToUpper(strings.TrimSpace(fallback)); fb != "" {
		return fb
	}
	return "USD"
}

// FirstEmail returns the first e-mail address in text.
func FirstEmail(text string) string {
	return strings.ToLower(emailPattern.FindString(text))
}

// FirstPhone returns the first phone-like number with at least eight digits.
func FirstPhone(text string) string {
	for _, m := range phonePattern.FindAllString(text, -1) {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits >= 8 && digits <= 15 {
			return strings.TrimSpace(m)
		}
	}
	return ""
}

// FirstLink returns the first absolute http(s) URL in text.
func FirstLink(text string) string {
	return strings.TrimRight(linkPattern.FindString(text), ".,;)")
}

// NormalizeURL resolves raw against base and canonicalizes it: lower-case
// scheme and host, no fragment, no default port, no trailing slash.
func NormalizeURL(raw, base string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if base != "" && !ref.IsAbs() {
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse base url %q: %w", base, err)
		}
		ref = b.ResolveReference(ref)
	}
	ref.Scheme = strings.ToLower(ref.Scheme)
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme in %q", raw)
	}
	host := strings.ToLower(ref.Hostname())
	if host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	port := ref.Port()
	if (ref.Scheme == "http" && port == "80") || (ref.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	ref.Host = host
	ref.Fragment = ""
	ref.RawFragment = ""
	ref.Path = strings.TrimRight(ref.Path, "/")
	ref.RawPath = ""
	return ref.String(), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func hasAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
