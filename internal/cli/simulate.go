package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"price-tracker/internal/app"
	"price-tracker/internal/domain"
)

var (
	simulateOld          string
	simulateNew          string
	simulateMin          string
	simulateAvailability string
	simulateChatID       string
	simulateSend         bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价格变化并判定是否告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOld == "" || simulateNew == "" {
			return errors.New("--old 与 --new 必须提供")
		}
		oldPrice, err := decimal.NewFromString(simulateOld)
		if err != nil {
			return fmt.Errorf("invalid --old value: %w", err)
		}
		newPrice, err := decimal.NewFromString(simulateNew)
		if err != nil {
			return fmt.Errorf("invalid --new value: %w", err)
		}
		if !oldPrice.IsPositive() || !newPrice.IsPositive() {
			return errors.New("--old 与 --new 必须大于 0")
		}

		opts := app.SimulateOptions{
			OldPrice:     oldPrice,
			NewPrice:     newPrice,
			Availability: domain.ParseAvailability(simulateAvailability),
			ChatID:       simulateChatID,
			Send:         simulateSend,
		}
		if simulateMin != "" {
			minPrice, err := decimal.NewFromString(simulateMin)
			if err != nil {
				return fmt.Errorf("invalid --min value: %w", err)
			}
			opts.MinPrice = decimal.NewNullDecimal(minPrice)
		}

		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOld, "old", "", "上次记录的价格")
	simulateCmd.Flags().StringVar(&simulateNew, "new", "", "最新价格")
	simulateCmd.Flags().StringVar(&simulateMin, "min", "", "历史最低价（可选）")
	simulateCmd.Flags().StringVar(&simulateAvailability, "availability", "in_stock", "库存状态: in_stock, unavailable, preorder, unknown")
	simulateCmd.Flags().StringVar(&simulateChatID, "chat-id", "", "推送目标，默认使用配置中的 chat_id")
	simulateCmd.Flags().BoolVar(&simulateSend, "send", false, "判定需要告警时真正推送")
}
