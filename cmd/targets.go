package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
)

func newTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Inspect and manage search targets",
	}
	cmd.AddCommand(newTargetsListCmd(), newTargetsLoadCmd(), newTargetsPauseCmd(), newTargetsReactivateCmd())
	return cmd
}

func newTargetsListCmd() *cobra.Command {
	var country string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List targets by priority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			reg := app.Registry()
			list := reg.List
			if all {
				list = reg.ListAll
			}
			targets, err := list(cmd.Context(), country)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCOUNTRY\tTYPE\tPRIORITY\tRATE\tACTIVE\tSUCCESS")
			for _, t := range targets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/min\t%t\t%.2f\n",
					t.ID, t.Country, t.Type, t.Priority, t.RateLimit, t.IsActive, t.SuccessRate)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&country, "country", "", "only list targets for this country")
	cmd.Flags().BoolVar(&all, "all", false, "include paused targets")
	return cmd
}

func newTargetsLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <file.yaml>",
		Short: "Upsert targets from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			path, err := homedir.Expand(args[0])
			if err != nil {
				return fmt.Errorf("expand seed path: %w", err)
			}
			n, err := app.Registry().LoadFile(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d targets from %s\n", n, path)
			return nil
		},
	}
}

func newTargetsPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Exclude a target from scheduling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			if err := app.Registry().Pause(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "target %s paused\n", args[0])
			return nil
		},
	}
}

func newTargetsReactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reactivate <id>",
		Short: "Return a paused target to scheduling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			if err := app.Registry().Reactivate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "target %s reactivated\n", args[0])
			return nil
		},
	}
}
