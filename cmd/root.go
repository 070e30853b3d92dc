// Package cmd defines the discoveryd command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/config"
	"github.com/parjafrica/discovery-engine/internal/opportunity"
	"github.com/parjafrica/discovery-engine/internal/registry"
	"github.com/parjafrica/discovery-engine/internal/server"
)

// application is the subset of *server.App the commands use.
type application interface {
	Run(ctx context.Context) error
	Registry() *registry.Registry
	Opportunities() *opportunity.Service
	Close(ctx context.Context)
}

type appKeyType struct{}

// defaultConfigName is looked up in the home directory when --config is not
// given.
const defaultConfigName = ".discoveryd.yaml"

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfgFile string) (application, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "discoveryd",
		Short: "Discovers and verifies funding opportunities across African sources.",
		Long: `discoveryd crawls configured funding sources on a schedule, deduplicates
and scores what it finds, and serves the verified opportunity feed over HTTP.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolveConfigPath(cfgFile)
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, app))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, ok := cmd.Context().Value(appKeyType{}).(application); ok && app != nil {
				app.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/"+defaultConfigName+" when present); DISCOVERY_* env vars override it")

	cmd.AddCommand(newServeCmd(), newTargetsCmd(), newOpportunitiesCmd())
	return cmd
}

// resolveConfigPath expands a leading "~" in flag. Without a flag it falls
// back to the home directory file, or to no file at all.
func resolveConfigPath(flag string) (string, error) {
	if flag != "" {
		path, err := homedir.Expand(flag)
		if err != nil {
			return "", fmt.Errorf("expand config path: %w", err)
		}
		return path, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", nil
	}
	candidate := filepath.Join(home, defaultConfigName)
	if _, err := os.Stat(candidate); err != nil {
		return "", nil
	}
	return candidate, nil
}

func appFrom(cmd *cobra.Command) (application, error) {
	app, ok := cmd.Context().Value(appKeyType{}).(application)
	if !ok || app == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return app, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
