package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"price-tracker/internal/domain"
)

// TrackedProduct is one user's subscription to one marketplace product.
type TrackedProduct struct {
	ID            int64
	UserID        int64
	URL           string
	ASIN          string
	Domain        string
	Title         string
	Currency      string
	ImageURL      string
	LastPrice     decimal.NullDecimal
	MinPrice      decimal.NullDecimal
	MaxPrice      decimal.NullDecimal
	TargetPrice   decimal.NullDecimal
	Availability  domain.Availability
	CheckCount    int
	LastCheckedAt *time.Time
	NotifiedAt    *time.Time
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Triple returns the persisted (min, max, current) view of the row.
func (p TrackedProduct) Triple() domain.Triple {
	return domain.Triple{Min: p.MinPrice, Max: p.MaxPrice, Current: p.LastPrice}
}

// PriceUpdate carries the refreshed live fields of a product.
type PriceUpdate struct {
	ProductID    int64
	Price        decimal.NullDecimal
	Currency     string
	Title        string
	ImageURL     string
	Availability domain.Availability
}

// PricePoint is one observation in price_history.
type PricePoint struct {
	ID           int64
	ProductID    int64
	Price        decimal.Decimal
	Currency     string
	Availability domain.Availability
	Source       string
	RunID        string
	RecordedAt   time.Time
}
