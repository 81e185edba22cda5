package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"price-tracker/internal/app"
)

var userID int64

var trackCmd = &cobra.Command{
	Use:   "track <url>",
	Short: "Start tracking an Amazon product for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Track(cmd.Context(), app.TrackOptions{UserID: userID, URL: args[0]})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the products a user tracks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().List(cmd.Context(), userID)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <product-id>",
	Short: "Stop tracking a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseProductID(args[0])
		if err != nil {
			return err
		}
		return getApp().Remove(cmd.Context(), userID, id)
	},
}

func parseProductID(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid product id %q", v)
	}
	return id, nil
}

func init() {
	for _, cmd := range []*cobra.Command{trackCmd, listCmd, removeCmd} {
		cmd.Flags().Int64Var(&userID, "user", 0, "Telegram user id owning the subscription")
		_ = cmd.MarkFlagRequired("user")
	}
}
