package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"price-tracker/internal/service"
)

// Refresh 执行一轮完整刷新后退出。dryRun 时不发送任何通知。
func (a *App) Refresh(ctx context.Context, dryRun bool) error {
	notifier := a.newNotifier()
	if dryRun {
		a.Logger.Warn().Msg("refresh dry-run：不会发送通知")
		notifier = nil
	}

	rt, err := a.build(ctx, nil, notifier)
	if err != nil {
		return err
	}
	defer rt.Close()

	stats, err := rt.service.RefreshAll(ctx)
	if err != nil {
		return err
	}
	if stats.Skipped {
		return errors.New("另一个实例正在刷新，本次跳过")
	}

	printStats(os.Stdout, stats)
	return nil
}

func printStats(w io.Writer, stats service.PassStats) {
	fmt.Fprintf(w, "run %s: %d rows, %d products, %d refreshed, %d without data, %d fetch failures, %d notified, %d suppressed, %d storage errors in %s\n",
		stats.RunID, stats.Rows, stats.Products, stats.Refreshed, stats.NoData, stats.FetchFailures,
		stats.Notified, stats.Suppressed, stats.StorageErrors, stats.Duration.Round(time.Millisecond))
}
