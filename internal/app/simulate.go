package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"price-tracker/internal/alerting"
	"price-tracker/internal/amazon"
	"price-tracker/internal/domain"
	"price-tracker/internal/pricing"
)

// SimulateOptions describe a synthetic price change.
type SimulateOptions struct {
	OldPrice     decimal.Decimal
	NewPrice     decimal.Decimal
	MinPrice     decimal.NullDecimal
	Availability domain.Availability
	ChatID       string
	Send         bool
}

// SimulateAlert 用给定的新旧价格走一遍告警判定，Send 时真正推送。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	policy := a.Config.Alerting.Policy
	old := decimal.NewNullDecimal(opts.OldPrice)
	current := decimal.NewNullDecimal(opts.NewPrice)
	decision := policy.Decide(old, current, opts.MinPrice, opts.Availability)

	currency := amazon.CurrencyFor(a.Config.Keepa.Domain)
	fmt.Fprintf(os.Stdout, "%s -> %s (drop %s): notify=%t historical_min=%t suppressed=%t reason=%q\n",
		pricing.FormatPrice(opts.OldPrice, currency),
		pricing.FormatPrice(opts.NewPrice, currency),
		decision.Drop.StringFixed(2),
		decision.Notify, decision.HistoricalMinimum, decision.Suppressed, decision.Reason)

	if !opts.Send || !decision.Notify {
		return nil
	}
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	asin := "B000000000"
	return notifier.Notify(ctx, alerting.Notification{
		ChatID:            opts.ChatID,
		ASIN:              asin,
		Title:             "Simulated product",
		URL:               amazon.WithAffiliate(amazon.ProductURL(a.Config.Keepa.Domain, asin), a.Config.Affiliate.Tag),
		OldPrice:          opts.OldPrice,
		NewPrice:          opts.NewPrice,
		MinPrice:          opts.MinPrice,
		Currency:          currency,
		HistoricalMinimum: decision.HistoricalMinimum,
	})
}
