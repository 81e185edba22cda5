package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"price-tracker/internal/pricing"
)

// Track adds a product for a user and prints the affiliate link.
func (a *App) Track(ctx context.Context, opts TrackOptions) error {
	if opts.URL == "" {
		return errors.New("url is required")
	}

	rt, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.service.Track(ctx, opts.UserID, opts.URL)
	if err != nil {
		return err
	}

	p := result.Product
	fmt.Fprintf(os.Stdout, "tracking #%d %s (%s)\n", p.ID, p.ASIN, p.Domain)
	if p.Title != "" {
		fmt.Fprintf(os.Stdout, "  %s\n", sanitizeInline(p.Title))
	}
	fmt.Fprintf(os.Stdout, "  price: %s  min: %s  max: %s  (bounds from %s)\n",
		formatNull(p.LastPrice, p.Currency),
		formatNull(p.MinPrice, p.Currency),
		formatNull(p.MaxPrice, p.Currency),
		result.Reconciled.BoundsSource)
	fmt.Fprintf(os.Stdout, "  %s\n", result.AffiliateURL)
	return nil
}

// List prints the products a user tracks.
func (a *App) List(ctx context.Context, userID int64) error {
	rt, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	products, err := rt.service.List(ctx, userID)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		fmt.Fprintln(os.Stdout, "no tracked products")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tASIN\tDomain\tPrice\tMin\tMax\tAvailability\tChecked (UTC)\tTitle")
	for _, p := range products {
		checked := "-"
		if p.LastCheckedAt != nil {
			checked = p.LastCheckedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.ASIN, p.Domain,
			formatNull(p.LastPrice, p.Currency),
			formatNull(p.MinPrice, p.Currency),
			formatNull(p.MaxPrice, p.Currency),
			p.Availability, checked, pricing.Truncate(sanitizeInline(p.Title), 48))
	}
	return writer.Flush()
}

// Remove stops tracking one of the user's products.
func (a *App) Remove(ctx context.Context, userID, productID int64) error {
	if err := requireProductID(productID); err != nil {
		return err
	}

	rt, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	removed, err := rt.service.Untrack(ctx, userID, productID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("product %d not tracked by user %d", productID, userID)
	}
	fmt.Fprintf(os.Stdout, "removed #%d\n", productID)
	return nil
}

func formatNull(amount decimal.NullDecimal, currency string) string {
	if !amount.Valid {
		return "-"
	}
	return pricing.FormatPrice(amount.Decimal, currency)
}
