// Package dedup normalizes raw opportunity items into candidates and decides
// whether a candidate is already stored. The lookup here is a pre-check; the
// store's insert remains the only authority on uniqueness.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

// HashLookup is the slice of the opportunity repository the deduplicator
// needs.
type HashLookup interface {
	FindByContentHash(ctx context.Context, hash string) (string, error)
}

// Deduplicator canonicalizes candidates and pre-checks their content hash.
type Deduplicator struct {
	hasher discovery.Fingerprinter
	lookup HashLookup
	logger *zap.Logger
}

// New returns a Deduplicator. lookup may be nil, in which case Decide always
// reports New.
func New(hasher discovery.Fingerprinter, lookup HashLookup, logger *zap.Logger) (*Deduplicator, error) {
	if hasher == nil {
		return nil, errors.New("dedup: fingerprinter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{hasher: hasher, lookup: lookup, logger: logger.Named("dedup")}, nil
}

// Canonicalize normalizes raw into a candidate attributed to target and bot.
// Unparseable fields are left empty rather than failing; whether the result is
// usable is decided by scoring.
func (d *Deduplicator) Canonicalize(raw discovery.RawOpportunity, target discovery.SearchTarget, botID string) discovery.CandidateOpportunity {
	c := discovery.CandidateOpportunity{
		Title:       collapse(raw.Title),
		Description: collapse(raw.Description),
		Country:     target.Country,
		SourceName:  target.Name,
		TargetID:    target.ID,
		BotID:       botID,
		Sector:      collapse(raw.Sector),
	}
	if c.Sector == "" {
		c.Sector = target.Options.Sector
	}
	if src, err := NormalizeURL(raw.Link, target.URL); err == nil {
		c.SourceURL = src
	} else if raw.Link != "" {
		d.logger.Debug("dropping unusable link",
			zap.String("target_id", target.ID),
			zap.String("link", raw.Link),
			zap.Error(err),
		)
	}
	if t, ok := ParseDate(raw.Deadline); ok {
		c.Deadline = &t
	}
	if t, ok := ParseDate(raw.Published); ok {
		c.PublishedAt = &t
	}

	amount := ParseAmount(raw.Amount, target.Options.Currency)
	c.AmountMin, c.AmountMax, c.Currency = amount.Min, amount.Max, amount.Currency

	contact := raw.Contact
	if contact == "" {
		contact = raw.Description
	}
	c.ContactEmail = FirstEmail(contact)
	c.ContactPhone = FirstPhone(contact)
	if link := FirstLink(contact); link != "" {
		if app, err := NormalizeURL(link, ""); err == nil && app != c.SourceURL {
			c.ApplicationURL = app
		}
	}
	c.Keywords = matchKeywords(target.Options.Keywords, c.Title+" "+c.Description)
	c.ContentHash = d.ContentHash(c)
	return c
}

// ContentHash digests the normalized title, source URL, deadline day and
// amount bounds. Whitespace and case differences do not change the result.
func (d *Deduplicator) ContentHash(c discovery.CandidateOpportunity) string {
	deadline := ""
	if c.Deadline != nil {
		deadline = c.Deadline.UTC().Format(time.DateOnly)
	}
	return d.hasher.Fingerprint(
		strings.ToLower(collapse(c.Title)),
		strings.ToLower(strings.TrimSpace(c.SourceURL)),
		deadline,
		formatBound(c.AmountMin),
		formatBound(c.AmountMax),
	)
}

// Decision is the pre-check verdict for one candidate.
type Decision struct {
	Duplicate  bool
	ExistingID string
}

// Decide looks the candidate's hash up in the store.
func (d *Deduplicator) Decide(ctx context.Context, c discovery.CandidateOpportunity) (Decision, error) {
	if d.lookup == nil {
		return Decision{}, nil
	}
	id, err := d.lookup.FindByContentHash(ctx, c.ContentHash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Decision{}, nil
	case err != nil:
		return Decision{}, fmt.Errorf("lookup content hash: %w", err)
	default:
		return Decision{Duplicate: true, ExistingID: id}, nil
	}
}

func formatBound(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func matchKeywords(keywords []string, text string) []string {
	if len(keywords) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	var out []string
	seen := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if strings.Contains(lower, k) {
			out = append(out, k)
		}
	}
	return out
}
