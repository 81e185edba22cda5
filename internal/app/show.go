package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"price-tracker/internal/pricing"
)

// Show prints a product's most recent price points.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if err := requireProductID(opts.ProductID); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show price history")
	}
	defer closeStore()

	product, err := store.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return err
	}

	points, err := store.ListRecentPricePoints(ctx, product.ID, opts.Limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "#%d %s (%s) %s\n", product.ID, product.ASIN, product.Domain, sanitizeInline(product.Title))
	fmt.Fprintf(os.Stdout, "min %s  max %s  last %s\n\n",
		formatNull(product.MinPrice, product.Currency),
		formatNull(product.MaxPrice, product.Currency),
		formatNull(product.LastPrice, product.Currency))

	if len(points) == 0 {
		fmt.Fprintln(os.Stdout, "no price points found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPrice\tAvailability\tSource\tRun")

	for _, point := range points {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			point.RecordedAt.UTC().Format(time.RFC3339),
			pricing.FormatPrice(point.Price, point.Currency),
			point.Availability,
			point.Source,
			point.RunID,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
