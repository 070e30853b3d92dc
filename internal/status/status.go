// Package status assembles the fleet status view. It always answers: a
// section whose source fails is returned empty and named in Failed.
package status

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

// DefaultRecentRewards is how many ledger rows the view includes.
const DefaultRecentRewards = 20

// Section names reported in Report.Failed.
const (
	SectionBots    = "bots"
	SectionRewards = "recent_rewards"
	SectionTotals  = "totals"
)

// BotLister lists bots.
type BotLister interface {
	ListBots(ctx context.Context) ([]discovery.BotWorker, error)
}

// RewardLister lists the newest ledger rows.
type RewardLister interface {
	ListRecentRewards(ctx context.Context, limit int) ([]discovery.RewardEntry, error)
}

// TotalsCounter counts opportunities per country.
type TotalsCounter interface {
	CountByCountry(ctx context.Context) ([]store.CountryTotals, error)
}

// BotSummary is the per-bot row of the status view.
type BotSummary struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Country            string              `json:"country"`
	Status             discovery.BotStatus `json:"status"`
	LastRun            *time.Time          `json:"last_run"`
	OpportunitiesFound int                 `json:"opportunities_found"`
	RewardPoints       int                 `json:"reward_points"`
	SuccessRate        float64             `json:"success_rate"`
	ErrorCount         int                 `json:"error_count"`
}

// Totals is the per-country opportunity aggregate.
type Totals struct {
	TotalOpportunities int `json:"total_opportunities"`
	TotalVerified      int `json:"total_verified"`
}

// Report is the status view.
type Report struct {
	Bots          map[string][]BotSummary `json:"bots"`
	RecentRewards []discovery.RewardEntry `json:"recent_rewards"`
	Totals        map[string]Totals       `json:"totals"`
	Degraded      bool                    `json:"degraded"`
	Failed        []string                `json:"failed_sections,omitempty"`
	GeneratedAt   time.Time               `json:"generated_at"`
}

// Service builds Reports.
type Service struct {
	bots    BotLister
	rewards RewardLister
	totals  TotalsCounter
	clock   discovery.Clock
	limit   int
	logger  *zap.Logger
}

// New creates a Service.
func New(bots BotLister, rewards RewardLister, totals TotalsCounter, clock discovery.Clock, logger *zap.Logger) (*Service, error) {
	if bots == nil || rewards == nil || totals == nil {
		return nil, errors.New("status: bot, reward and totals sources are required")
	}
	if clock == nil {
		return nil, errors.New("status: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		bots:    bots,
		rewards: rewards,
		totals:  totals,
		clock:   clock,
		limit:   DefaultRecentRewards,
		logger:  logger.Named("status"),
	}, nil
}

// Report builds the view. It never fails; ctx cancellation degrades the
// remaining sections like any other source error.
func (s *Service) Report(ctx context.Context) Report {
	rep := Report{
		Bots:          map[string][]BotSummary{},
		RecentRewards: []discovery.RewardEntry{},
		Totals:        map[string]Totals{},
		GeneratedAt:   s.clock.Now(),
	}

	if bots, err := s.bots.ListBots(ctx); err != nil {
		s.degrade(&rep, SectionBots, err)
	} else {
		for _, b := range bots {
			rep.Bots[b.Country] = append(rep.Bots[b.Country], summarize(b))
		}
		for country := range rep.Bots {
			list := rep.Bots[country]
			sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		}
	}

	if rewards, err := s.rewards.ListRecentRewards(ctx, s.limit); err != nil {
		s.degrade(&rep, SectionRewards, err)
	} else if rewards != nil {
		rep.RecentRewards = rewards
	}

	if totals, err := s.totals.CountByCountry(ctx); err != nil {
		s.degrade(&rep, SectionTotals, err)
	} else {
		for _, t := range totals {
			rep.Totals[t.Country] = Totals{TotalOpportunities: t.Total, TotalVerified: t.Verified}
		}
	}
	return rep
}

func (s *Service) degrade(rep *Report, section string, err error) {
	rep.Degraded = true
	rep.Failed = append(rep.Failed, section)
	s.logger.Warn("status section degraded", zap.String("section", section), zap.Error(err))
}

func summarize(b discovery.BotWorker) BotSummary {
	return BotSummary{
		ID:                 b.ID,
		Name:               b.Name,
		Country:            b.Country,
		Status:             b.Status,
		LastRun:            b.LastRun,
		OpportunitiesFound: b.TotalOpportunitiesFound,
		RewardPoints:       b.TotalRewardPoints,
		SuccessRate:        b.SuccessRate,
		ErrorCount:         b.ErrorCount,
	}
}
