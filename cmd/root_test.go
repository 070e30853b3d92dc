package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/clock/manual"
	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/hash/sha256"
	"github.com/parjafrica/discovery-engine/internal/id/uuid"
	"github.com/parjafrica/discovery-engine/internal/opportunity"
	"github.com/parjafrica/discovery-engine/internal/registry"
	"github.com/parjafrica/discovery-engine/internal/scoring"
	"github.com/parjafrica/discovery-engine/internal/storage/memory"
)

var t0 = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

type fakeApp struct {
	reg    *registry.Registry
	opps   *opportunity.Service
	ran    bool
	closed bool
}

func (f *fakeApp) Run(context.Context) error           { f.ran = true; return nil }
func (f *fakeApp) Registry() *registry.Registry        { return f.reg }
func (f *fakeApp) Opportunities() *opportunity.Service { return f.opps }
func (f *fakeApp) Close(context.Context)               { f.closed = true }

func newFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	clk := manual.New(t0)
	targets := memory.NewTargetStore()
	reg, err := registry.New(targets, memory.NewBotStore(), clk, zap.NewNop())
	require.NoError(t, err)
	scorer, err := scoring.New(scoring.Config{}, clk)
	require.NoError(t, err)
	opps, err := opportunity.New(opportunity.Deps{
		Repo:    memory.NewOpportunityStore(),
		Targets: targets,
		Scorer:  scorer,
		IDs:     uuid.New(),
		Clock:   clk,
		Hasher:  sha256.New(),
	})
	require.NoError(t, err)
	return &fakeApp{reg: reg, opps: opps}
}

// execute swaps the package-level factory, so these tests run serially.
func execute(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, string) (application, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  - id: kenya-funder
    name: Kenya Funder
    url: https://funder.example.ke/feed.xml
    country: Kenya
    type: rss
    priority: 9
  - id: ghana-fund
    name: Ghana Fund
    url: https://fund.example.gh/feed.xml
    country: Ghana
    type: rss
`), 0o600))
	return path
}

func TestServeRunsApp(t *testing.T) {
	app := newFakeApp(t)
	_, err := execute(t, app, "serve")
	require.NoError(t, err)
	require.True(t, app.ran)
	require.True(t, app.closed)
}

func TestTargetsLoadListPauseReactivate(t *testing.T) {
	app := newFakeApp(t)
	seed := writeSeed(t)

	out, err := execute(t, app, "targets", "load", seed)
	require.NoError(t, err)
	require.Contains(t, out, "loaded 2 targets")

	out, err = execute(t, app, "targets", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[1], "kenya-funder"), "higher priority first")

	out, err = execute(t, app, "targets", "list", "--country", "Ghana")
	require.NoError(t, err)
	require.NotContains(t, out, "kenya-funder")

	_, err = execute(t, app, "targets", "pause", "ghana-fund")
	require.NoError(t, err)
	out, err = execute(t, app, "targets", "list")
	require.NoError(t, err)
	require.NotContains(t, out, "ghana-fund")
	out, err = execute(t, app, "targets", "list", "--all")
	require.NoError(t, err)
	require.Contains(t, out, "ghana-fund")

	_, err = execute(t, app, "targets", "reactivate", "ghana-fund")
	require.NoError(t, err)
	target, err := app.reg.Get(context.Background(), "ghana-fund")
	require.NoError(t, err)
	require.True(t, target.IsActive)
}

func TestTargetsPauseUnknown(t *testing.T) {
	app := newFakeApp(t)
	_, err := execute(t, app, "targets", "pause", "missing")
	require.Error(t, err)
}

func TestTargetsLoadRequiresFile(t *testing.T) {
	app := newFakeApp(t)
	_, err := execute(t, app, "targets", "load")
	require.Error(t, err)
}

func TestOpportunitiesReverify(t *testing.T) {
	app := newFakeApp(t)
	ctx := context.Background()
	_, err := app.reg.Upsert(ctx, discovery.SearchTarget{
		ID: "kenya-funder", Name: "Kenya Funder", URL: "https://funder.example.ke/feed.xml",
		Country: "Kenya", Type: discovery.TargetTypeRSS, IsActive: true, SuccessRate: 1,
	})
	require.NoError(t, err)

	deadline := t0.Add(14 * 24 * time.Hour)
	amount := 2500.0
	c := discovery.CandidateOpportunity{
		Title: "Youth innovation grant", SourceURL: "https://funder.example.ke/youth",
		Deadline: &deadline, AmountMax: &amount, Country: "Kenya",
		ContentHash: "youth", TargetID: "kenya-funder", BotID: "bot-kenya",
	}
	scorer, err := scoring.New(scoring.Config{}, manual.New(t0))
	require.NoError(t, err)
	res, err := scorer.Score(c, 1)
	require.NoError(t, err)
	outcome, err := app.opps.Commit(ctx, opportunity.CommitRequest{Candidate: c, Score: res})
	require.NoError(t, err)

	out, err := execute(t, app, "opportunities", "reverify", outcome.Record.ID)
	require.NoError(t, err)
	var got discovery.VerificationResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, outcome.Record.ID, got.OpportunityID)

	_, err = execute(t, app, "opps", "reverify", "missing")
	require.Error(t, err)
}

func TestFactoryErrorSurfaces(t *testing.T) {
	prev := newApp
	newApp = func(context.Context, string) (application, error) { return nil, errors.New("bad config") }
	t.Cleanup(func() { newApp = prev })

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "bad config")
}

func TestResolveConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	prev := homedir.DisableCache
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = prev })

	path, err := resolveConfigPath("")
	require.NoError(t, err)
	require.Empty(t, path)

	dflt := filepath.Join(home, defaultConfigName)
	require.NoError(t, os.WriteFile(dflt, []byte("logging:\n  level: debug\n"), 0o600))
	path, err = resolveConfigPath("")
	require.NoError(t, err)
	require.Equal(t, dflt, path)

	path, err = resolveConfigPath("~/configs/discovery.yaml")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "configs", "discovery.yaml"), path)

	path, err = resolveConfigPath("/etc/discoveryd.yaml")
	require.NoError(t, err)
	require.Equal(t, "/etc/discoveryd.yaml", path)
}
