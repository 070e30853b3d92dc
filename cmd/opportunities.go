package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newOpportunitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "opportunities",
		Aliases: []string{"opps"},
		Short:   "Inspect stored opportunities",
	}
	cmd.AddCommand(newReverifyCmd())
	return cmd
}

func newReverifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reverify <id>",
		Short: "Re-score one opportunity and print the verification result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			res, err := app.Opportunities().ReVerify(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("reverify %s: %w", args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
