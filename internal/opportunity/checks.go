package opportunity

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

// Audit pass tuning. These passes are recorded in the history only; they do
// not change isVerified.
const (
	contentPassScore       = 0.6
	SimilarTitleThreshold  = 0.8
	similarTitleScore      = 0.2
	maxSiblingsScanned     = 500
	minDescriptiveTitleLen = 20
)

var titleStopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "in": {}, "on": {}, "of": {}, "to": {}, "a": {}, "an": {},
}

// contentCheck grades how complete a record is.
func contentCheck(c discovery.CandidateOpportunity, now time.Time) (discovery.VerificationStatus, float64, map[string]any) {
	score := 0.0
	var issues []string

	switch {
	case c.Title == "":
		issues = append(issues, "missing title")
	case len(c.Title) >= minDescriptiveTitleLen:
		score += 0.2
	default:
		issues = append(issues, "title too short")
	}

	switch n := len(c.Description); {
	case n == 0:
		issues = append(issues, "missing description")
	case n >= 100:
		score += 0.3
	case n >= 50:
		score += 0.15
	default:
		issues = append(issues, "description too short")
	}

	if c.HasAmount() {
		score += 0.2
		if c.AmountMin != nil && c.AmountMax != nil {
			if *c.AmountMin <= *c.AmountMax {
				score += 0.1
			} else {
				issues = append(issues, "invalid funding range")
			}
		}
	} else {
		issues = append(issues, "missing funding information")
	}

	switch {
	case c.Deadline == nil:
		issues = append(issues, "missing deadline")
	case c.Deadline.After(now):
		score += 0.2
	default:
		issues = append(issues, "deadline has passed")
	}

	score = math.Round(score*100) / 100
	status := discovery.VerificationFail
	if score >= contentPassScore {
		status = discovery.VerificationPass
	}
	details := map[string]any{}
	if len(issues) > 0 {
		details["issues"] = issues
	}
	return status, score, details
}

// duplicateCheck compares rec's title with the other records from the same
// source: an identical title fails, a similar one is inconclusive.
func (s *Service) duplicateCheck(ctx context.Context, rec discovery.OpportunityRecord) (discovery.VerificationStatus, float64, map[string]any, error) {
	if rec.SourceName == "" {
		return discovery.VerificationInconclusive, 0.5, map[string]any{"reason": "source unknown"}, nil
	}
	var best struct {
		id         string
		similarity float64
	}
	scanned := 0
	for scanned < maxSiblingsScanned {
		page, _, err := s.repo.ListOpportunities(ctx, store.OpportunityFilter{
			SourceName: rec.SourceName,
			Limit:      MaxFeedLimit,
			Offset:     scanned,
		})
		if err != nil {
			return "", 0, nil, fmt.Errorf("list records from %s: %w", rec.SourceName, err)
		}
		for _, other := range page {
			if other.ID == rec.ID {
				continue
			}
			if strings.EqualFold(strings.TrimSpace(other.Title), strings.TrimSpace(rec.Title)) {
				return discovery.VerificationFail, 0, map[string]any{"reason": "exact duplicate", "duplicate_id": other.ID}, nil
			}
			if sim := TitleSimilarity(rec.Title, other.Title); sim > best.similarity {
				best.id, best.similarity = other.ID, sim
			}
		}
		scanned += len(page)
		if len(page) < MaxFeedLimit {
			break
		}
	}
	if best.similarity > SimilarTitleThreshold {
		return discovery.VerificationInconclusive, similarTitleScore, map[string]any{
			"reason":     "similar opportunity exists",
			"similar_id": best.id,
			"similarity": math.Round(best.similarity*100) / 100,
		}, nil
	}
	return discovery.VerificationPass, 1, map[string]any{"scanned": scanned}, nil
}

// TitleSimilarity is the share of significant words of a found in b, over the
// longer word list. Short filler words are ignored.
func TitleSimilarity(a, b string) float64 {
	wa, wb := significantWords(a), significantWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	in := make(map[string]struct{}, len(wb))
	for _, w := range wb {
		in[w] = struct{}{}
	}
	matched := 0
	for _, w := range wa {
		if _, ok := in[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(max(len(wa), len(wb)))
}

func significantWords(title string) []string {
	fields := strings.Fields(strings.ToLower(title))
	out := fields[:0]
	for _, w := range fields {
		if _, stop := titleStopWords[w]; !stop {
			out = append(out, w)
		}
	}
	return out
}
