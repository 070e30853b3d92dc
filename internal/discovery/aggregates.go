package discovery

import "time"

// BotRunDelta is the per-run change applied to a BotWorker.
type BotRunDelta struct {
	At                 time.Time
	Succeeded          bool
	OpportunitiesFound int
	RewardPoints       int
}

// ApplyRun returns b with one run's counters added.
func (b BotWorker) ApplyRun(d BotRunDelta) BotWorker {
	b.TotalRuns++
	if d.Succeeded {
		b.SuccessfulRuns++
	} else {
		b.ErrorCount++
	}
	b.TotalOpportunitiesFound += d.OpportunitiesFound
	b.TotalRewardPoints += d.RewardPoints
	at := d.At
	b.LastRun = &at
	b.SuccessRate = float64(b.SuccessfulRuns) / float64(b.TotalRuns)
	b.UpdatedAt = d.At
	return b
}

// StatSample is one run's contribution to a statistics snapshot.
type StatSample struct {
	Date           time.Time
	Country        string
	SourceName     string
	Found          int
	Verified       int
	ResponseTimeMs float64
	Errored        bool
	At             time.Time
}

// Merge folds sample into s. The success rate is recomputed from the
// cumulative counters and the response time is a running mean over samples.
func (s StatisticsSnapshot) Merge(sample StatSample) StatisticsSnapshot {
	if s.Samples == 0 {
		s.Date = DateOf(sample.Date)
		s.Country = sample.Country
		s.SourceName = sample.SourceName
	}
	s.OpportunitiesFound += sample.Found
	s.OpportunitiesVerified += sample.Verified
	if sample.Errored {
		s.ErrorCount++
	}
	s.Samples++
	s.ResponseTimeAvgMs += (sample.ResponseTimeMs - s.ResponseTimeAvgMs) / float64(s.Samples)
	s.SuccessRate = 0
	if s.OpportunitiesFound > 0 {
		s.SuccessRate = float64(s.OpportunitiesVerified) / float64(s.OpportunitiesFound)
	}
	s.UpdatedAt = sample.At
	return s
}
