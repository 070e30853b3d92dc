package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/config"
	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const seedYAML = `
targets:
  - id: kenya-funder
    name: Kenya Funder
    url: https://funder.example.ke/feed.xml
    country: Kenya
    type: rss
  - id: ghana-fund
    name: Ghana Fund
    url: https://fund.example.gh/grants
    country: Ghana
    type: scraping
    options:
      selectors:
        item: article
        title: h2 a
`

// Build installs process-wide telemetry, so the whole flow is one test.
func TestBuildWithMemoryBackends(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Snapshots.Backend = config.BackendMemory
	cfg.Publisher.Backend = config.BackendMemory
	cfg.TargetsFile = filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(cfg.TargetsFile, []byte(seedYAML), 0o600))

	app, err := Build(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(ctx) })

	require.NotNil(t, app.Logger())
	require.NoError(t, app.LoadTargets(ctx))

	targets, err := app.Registry().List(ctx, "")
	require.NoError(t, err)
	require.Len(t, targets, 2)

	bots, err := app.repos.Bots.ListBots(ctx)
	require.NoError(t, err)
	require.Len(t, bots, 2)

	page, err := app.Opportunities().Feed(ctx, store.OpportunityFilter{})
	require.NoError(t, err)
	require.Zero(t, page.Total)

	eng, err := app.buildEngine(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, eng.pool.Size())
	require.NoError(t, eng.scheduler.Reload(ctx))
	require.Len(t, eng.scheduler.Snapshot(), 2)
	require.NoError(t, app.ready(ctx))
}

func TestSetupDatabaseSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.Driver = config.BackendSQLite
	cfg.Database.DSN = filepath.Join(t.TempDir(), "discovery.db")
	cfg.Database.Migrate = true

	app := &App{cfg: cfg, logger: zap.NewNop()}
	require.NoError(t, app.setupDatabase(ctx))
	t.Cleanup(app.db.Close)
	require.NoError(t, app.ready(ctx))

	bot, err := app.repos.Bots.EnsureBot(ctx, discovery.NewBotWorker("Ghana", time.Now()))
	require.NoError(t, err)
	require.Equal(t, "bot-ghana", bot.ID)
}

func TestSetupDatabaseSQLiteBadPath(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.Driver = config.BackendSQLite
	cfg.Database.DSN = filepath.Join(t.TempDir(), "missing", "dir", "discovery.db")

	app := &App{cfg: cfg, logger: zap.NewNop()}
	err = app.setupDatabase(context.Background())
	require.ErrorContains(t, err, "sqlite init failed")
	require.Nil(t, app.db)
}

type slowPool struct {
	stops    int
	finishIn int
}

func (p *slowPool) Stop(ctx context.Context) error {
	p.stops++
	if p.stops < p.finishIn {
		return ctx.Err()
	}
	return nil
}

func TestDrainWaitsAnotherRunTimeoutForSlowRuns(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	app := &App{cfg: cfg, logger: zap.NewNop()}

	expired, cancel := context.WithCancel(context.Background())
	cancel()

	pool := &slowPool{finishIn: 2}
	app.drain(expired, pool)
	require.Equal(t, 2, pool.stops)

	quick := &slowPool{finishIn: 1}
	app.drain(context.Background(), quick)
	require.Equal(t, 1, quick.stops)
}
