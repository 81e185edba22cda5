package cli

import (
	"github.com/spf13/cobra"
)

var refreshDryRun bool

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run a single refresh pass over every tracked product",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Refresh(cmd.Context(), refreshDryRun)
	},
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshDryRun, "dry-run", false, "Refresh prices without sending notifications")
}
