// Package worker executes one target run: fetch, extract, canonicalize,
// dedup, score, commit, then the reward, statistics and feedback bookkeeping.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/dedup"
	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/ledger"
	"github.com/parjafrica/discovery-engine/internal/metrics"
	"github.com/parjafrica/discovery-engine/internal/opportunity"
	"github.com/parjafrica/discovery-engine/internal/progress"
	"github.com/parjafrica/discovery-engine/internal/scoring"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const tracerName = "github.com/parjafrica/discovery-engine/internal/worker"

// Committer persists scored candidates and archives page evidence.
type Committer interface {
	Commit(ctx context.Context, req opportunity.CommitRequest) (opportunity.Outcome, error)
	ArchivePage(ctx context.Context, target discovery.SearchTarget, page discovery.Page) string
}

// Awarder credits a bot for a run.
type Awarder interface {
	Award(ctx context.Context, a ledger.Award) (discovery.RewardEntry, bool, error)
}

// StatsRecorder folds a run into the daily statistics.
type StatsRecorder interface {
	Record(ctx context.Context, sample discovery.StatSample) (discovery.StatisticsSnapshot, error)
}

// OutcomeRecorder feeds run results back into the target registry.
type OutcomeRecorder interface {
	RecordRunOutcome(ctx context.Context, id string, success bool, elapsed time.Duration) (discovery.SearchTarget, error)
}

// Deps groups the Worker collaborators. Emitter and Logger are optional.
type Deps struct {
	Fetcher   discovery.Fetcher
	Extractor discovery.Extractor
	Dedup     *dedup.Deduplicator
	Scorer    *scoring.Scorer
	Store     Committer
	Ledger    Awarder
	Stats     StatsRecorder
	Bots      store.BotRepository
	Registry  OutcomeRecorder
	Clock     discovery.Clock
	RunIDs    discovery.IDGenerator
	Emitter   progress.Emitter
	Logger    *zap.Logger
}

// Report summarizes one run.
type Report struct {
	RunID     string
	TargetID  string
	BotID     string
	Succeeded bool
	Kind      discovery.ErrorKind
	Err       error
	// Extracted counts raw items; Accepted, Duplicates and Discarded
	// partition them.
	Extracted  int
	Accepted   int
	Verified   int
	Duplicates int
	Discarded  int
	Points     int
	Elapsed    time.Duration
	// SuccessRate is the target's rate after this run, valid when
	// RateRecorded is set.
	SuccessRate  float64
	RateRecorded bool
}

// Worker runs targets. It is safe for concurrent use; serializing runs of the
// same target is the scheduler's job.
type Worker struct {
	deps   Deps
	tracer trace.Tracer
	logger *zap.Logger
}

// New validates deps and returns a Worker.
func New(deps Deps) (*Worker, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("worker: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("worker: extractor is required")
	case deps.Dedup == nil:
		return nil, errors.New("worker: deduplicator is required")
	case deps.Scorer == nil:
		return nil, errors.New("worker: scorer is required")
	case deps.Store == nil:
		return nil, errors.New("worker: opportunity store is required")
	case deps.Ledger == nil:
		return nil, errors.New("worker: ledger is required")
	case deps.Stats == nil:
		return nil, errors.New("worker: statistics aggregator is required")
	case deps.Bots == nil:
		return nil, errors.New("worker: bot repository is required")
	case deps.Registry == nil:
		return nil, errors.New("worker: registry is required")
	case deps.Clock == nil:
		return nil, errors.New("worker: clock is required")
	case deps.RunIDs == nil:
		return nil, errors.New("worker: run id generator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, tracer: otel.Tracer(tracerName), logger: logger.Named("worker")}, nil
}

// Run executes one run of target using permit. It never panics and never
// returns an error: failures are reported in the Report, already classified.
// Bookkeeping after the fetch is detached from ctx cancellation so a shutdown
// cannot leave a run half-recorded.
func (w *Worker) Run(ctx context.Context, target discovery.SearchTarget, permit discovery.Permit) (rep Report) {
	start := w.deps.Clock.Now()
	rep = Report{TargetID: target.ID, BotID: discovery.BotIDForCountry(target.Country)}
	runID, err := w.deps.RunIDs.NewID()
	if err != nil {
		runID = fmt.Sprintf("%s-%d", target.ID, start.UnixNano())
		w.logger.Warn("run id generation failed", zap.String("target_id", target.ID), zap.Error(err))
	}
	rep.RunID = runID

	ctx, span := w.tracer.Start(ctx, "discovery.run", trace.WithAttributes(
		attribute.String("discovery.run_id", runID),
		attribute.String("discovery.target_id", target.ID),
		attribute.String("discovery.bot_id", rep.BotID),
		attribute.String("discovery.country", target.Country),
		attribute.String("discovery.target_type", string(target.Type)),
	))
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.emit(progress.Event{RunID: progress.ParseRunID(runID), Stage: progress.StageRunStart, TargetID: target.ID, BotID: rep.BotID, Country: target.Country})

	settling := false
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("run panicked", zap.String("target_id", target.ID), zap.String("run_id", runID), zap.Any("panic", r), zap.Stack("stack"))
			rep.Err = fmt.Errorf("run panicked: %v", r)
			rep.Succeeded = false
			rep.Kind = discovery.Classify(rep.Err)
			// A panic inside settle is not settled a second time.
			if !settling {
				w.settleRecovered(context.WithoutCancel(ctx), target, &rep, start)
			}
			rep.Elapsed = w.deps.Clock.Now().Sub(start)
			w.emitDone(target, rep)
		}
		w.finishSpan(span, rep)
		w.logRun(target, rep)
	}()

	responseTime, err := w.execute(ctx, target, permit, &rep)
	rep.Err = err
	rep.Succeeded = err == nil
	rep.Kind = discovery.Classify(err)

	settling = true
	w.settle(context.WithoutCancel(ctx), target, &rep, start, responseTime)
	rep.Elapsed = w.deps.Clock.Now().Sub(start)
	w.emitDone(target, rep)
	return rep
}

// execute runs the pipeline up to and including the commits.
func (w *Worker) execute(ctx context.Context, target discovery.SearchTarget, permit discovery.Permit, rep *Report) (time.Duration, error) {
	if err := target.Validate(); err != nil {
		return 0, err
	}

	fetchStart := w.deps.Clock.Now()
	page, err := w.deps.Fetcher.Fetch(ctx, target, permit)
	w.emitFetch(target, rep.RunID, page, err)
	if err != nil {
		return w.deps.Clock.Now().Sub(fetchStart), fmt.Errorf("fetch target %s: %w", target.ID, err)
	}

	raws, err := w.deps.Extractor.Extract(ctx, page, target)
	if err != nil {
		return page.Duration, fmt.Errorf("extract target %s: %w", target.ID, err)
	}
	rep.Extracted = len(raws)

	type scored struct {
		candidate discovery.CandidateOpportunity
		result    scoring.Result
	}
	var fresh []scored
	for _, raw := range raws {
		c := w.deps.Dedup.Canonicalize(raw, target, rep.BotID)
		res, err := w.deps.Scorer.Score(c, target.SuccessRate)
		if err != nil {
			rep.Discarded++
			w.logger.Debug("candidate discarded", zap.String("target_id", target.ID), zap.String("title", c.Title), zap.Error(err))
			continue
		}
		decision, err := w.deps.Dedup.Decide(ctx, c)
		if err != nil {
			return page.Duration, fmt.Errorf("dedup lookup: %w", err)
		}
		if decision.Duplicate {
			rep.Duplicates++
			w.emitDuplicate(target, rep.RunID)
			continue
		}
		fresh = append(fresh, scored{candidate: c, result: res})
	}

	if rep.Extracted > 0 && rep.Discarded == rep.Extracted {
		return page.Duration, fmt.Errorf("%w: all %d extracted items from target %s are malformed", discovery.ErrScoring, rep.Extracted, target.ID)
	}
	if len(fresh) == 0 {
		return page.Duration, nil
	}

	snapshot := w.deps.Store.ArchivePage(ctx, target, page)
	for _, s := range fresh {
		out, err := w.deps.Store.Commit(ctx, opportunity.CommitRequest{Candidate: s.candidate, Score: s.result, SnapshotURI: snapshot})
		if err != nil {
			return page.Duration, fmt.Errorf("commit candidate: %w", err)
		}
		if !out.Accepted {
			rep.Duplicates++
			w.emitDuplicate(target, rep.RunID)
			continue
		}
		rep.Accepted++
		if out.Record.IsVerified {
			rep.Verified++
		}
		w.emit(progress.Event{
			RunID:    progress.ParseRunID(rep.RunID),
			Stage:    progress.StageOpportunityAccepted,
			TargetID: target.ID,
			BotID:    rep.BotID,
			Country:  target.Country,
			Note:     out.Record.ID,
		})
	}
	return page.Duration, nil
}

// settle records the run in the ledger, statistics, bot and registry. Each
// step is independent; failures are logged and do not change the outcome.
func (w *Worker) settle(ctx context.Context, target discovery.SearchTarget, rep *Report, start time.Time, responseTime time.Duration) {
	if target.ID == "" || target.Country == "" {
		return
	}
	notes := ""
	if rep.Err != nil {
		notes = string(rep.Kind)
	}
	entry, created, awardErr := w.deps.Ledger.Award(ctx, ledger.Award{
		BotID:              rep.BotID,
		RunID:              rep.RunID,
		Country:            target.Country,
		OpportunitiesFound: rep.Accepted,
		Errored:            rep.Err != nil,
		Notes:              notes,
	})
	switch {
	case awardErr != nil:
		w.logger.Error("award reward failed", zap.String("bot_id", rep.BotID), zap.String("run_id", rep.RunID), zap.Error(awardErr))
	case created:
		rep.Points = entry.RewardPoints
	}

	now := w.deps.Clock.Now()
	if _, err := w.deps.Stats.Record(ctx, discovery.StatSample{
		Date:           now,
		Country:        target.Country,
		SourceName:     target.Name,
		Found:          rep.Accepted,
		Verified:       rep.Verified,
		ResponseTimeMs: float64(responseTime.Milliseconds()),
		Errored:        rep.Err != nil,
		At:             now,
	}); err != nil {
		w.logger.Error("record statistics failed", zap.String("target_id", target.ID), zap.Error(err))
	}

	if awardErr == nil && !created {
		w.logger.Info("run already settled", zap.String("bot_id", rep.BotID), zap.String("run_id", rep.RunID))
	} else {
		w.applyBotRun(ctx, target.Country, rep.BotID, discovery.BotRunDelta{
			At:                 now,
			Succeeded:          rep.Succeeded,
			OpportunitiesFound: rep.Accepted,
			RewardPoints:       rep.Points,
		})
	}

	updated, err := w.deps.Registry.RecordRunOutcome(ctx, target.ID, rep.Succeeded, now.Sub(start))
	if err != nil {
		w.logger.Error("record run outcome failed", zap.String("target_id", target.ID), zap.Error(err))
		return
	}
	rep.SuccessRate, rep.RateRecorded = updated.SuccessRate, true
}

// settleRecovered settles a run that panicked. The run is already lost, so a
// second panic while recording it is logged and dropped.
func (w *Worker) settleRecovered(ctx context.Context, target discovery.SearchTarget, rep *Report, start time.Time) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("settling panicked run failed", zap.String("target_id", target.ID), zap.String("run_id", rep.RunID), zap.Any("panic", r))
		}
	}()
	w.settle(ctx, target, rep, start, w.deps.Clock.Now().Sub(start))
}

func (w *Worker) applyBotRun(ctx context.Context, country, botID string, delta discovery.BotRunDelta) {
	_, err := w.deps.Bots.ApplyRun(ctx, botID, delta)
	if errors.Is(err, store.ErrNotFound) {
		if _, err = w.deps.Bots.EnsureBot(ctx, discovery.NewBotWorker(country, delta.At)); err == nil {
			_, err = w.deps.Bots.ApplyRun(ctx, botID, delta)
		}
	}
	if err != nil {
		w.logger.Error("update bot failed", zap.String("bot_id", botID), zap.Error(err))
	}
}

func (w *Worker) emit(evt progress.Event) {
	if w.deps.Emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = w.deps.Clock.Now().UTC()
	}
	w.deps.Emitter.Emit(evt)
}

func (w *Worker) emitFetch(target discovery.SearchTarget, runID string, page discovery.Page, err error) {
	status := page.StatusCode
	var fe *discovery.FetchError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		status = fe.StatusCode
	}
	w.emit(progress.Event{
		RunID:       progress.ParseRunID(runID),
		Stage:       progress.StageFetchDone,
		TargetID:    target.ID,
		Country:     target.Country,
		Site:        metrics.SanitizeSite(target.URL),
		StatusClass: progress.ClassifyStatus(status),
		Bytes:       int64(len(page.Body)),
		Dur:         page.Duration,
	})
}

func (w *Worker) emitDuplicate(target discovery.SearchTarget, runID string) {
	w.emit(progress.Event{
		RunID:    progress.ParseRunID(runID),
		Stage:    progress.StageDuplicateRejected,
		TargetID: target.ID,
		Country:  target.Country,
	})
}

func (w *Worker) emitDone(target discovery.SearchTarget, rep Report) {
	evt := progress.Event{
		RunID:    progress.ParseRunID(rep.RunID),
		Stage:    progress.StageRunDone,
		TargetID: target.ID,
		BotID:    rep.BotID,
		Country:  target.Country,
		Count:    rep.Accepted,
		Points:   rep.Points,
		Dur:      rep.Elapsed,
	}
	if rep.Err != nil {
		evt.Stage = progress.StageRunError
		evt.ErrorKind = string(rep.Kind)
		evt.Note = rep.Err.Error()
	}
	w.emit(evt)
}

func (w *Worker) finishSpan(span trace.Span, rep Report) {
	span.SetAttributes(
		attribute.Int("discovery.accepted", rep.Accepted),
		attribute.Int("discovery.duplicates", rep.Duplicates),
		attribute.Int("discovery.discarded", rep.Discarded),
		attribute.Int("discovery.points", rep.Points),
	)
	if rep.Err != nil {
		span.RecordError(rep.Err)
		span.SetStatus(codes.Error, string(rep.Kind))
	}
	span.End()
}

func (w *Worker) logRun(target discovery.SearchTarget, rep Report) {
	fields := []zap.Field{
		zap.String("target_id", target.ID),
		zap.String("bot_id", rep.BotID),
		zap.String("run_id", rep.RunID),
		zap.Bool("success", rep.Succeeded),
		zap.Int("found", rep.Accepted),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int("discarded", rep.Discarded),
		zap.Int("points", rep.Points),
		zap.Duration("elapsed", rep.Elapsed),
	}
	if rep.Err != nil {
		fields = append(fields, zap.String("error_kind", string(rep.Kind)), zap.Error(rep.Err))
		w.logger.Warn("run failed", fields...)
		return
	}
	w.logger.Info("run complete", fields...)
}
