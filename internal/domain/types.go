// Package domain holds the value types shared across the price pipeline.
package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Availability reports whether a product can currently be bought.
type Availability string

const (
	AvailabilityInStock     Availability = "in_stock"
	AvailabilityUnavailable Availability = "unavailable"
	AvailabilityPreorder    Availability = "preorder"
	AvailabilityUnknown     Availability = "unknown"
)

// ParseAvailability maps a stored or user supplied value onto a known state.
func ParseAvailability(v string) Availability {
	switch Availability(strings.ToLower(strings.TrimSpace(v))) {
	case AvailabilityInStock:
		return AvailabilityInStock
	case AvailabilityUnavailable:
		return AvailabilityUnavailable
	case AvailabilityPreorder:
		return AvailabilityPreorder
	default:
		return AvailabilityUnknown
	}
}

// Triple is a (min, max, current) price set in major currency units.
// Any member may be unknown.
type Triple struct {
	Min     decimal.NullDecimal `json:"min"`
	Max     decimal.NullDecimal `json:"max"`
	Current decimal.NullDecimal `json:"current"`
}

// HasBounds reports whether both min and max are known.
func (t Triple) HasBounds() bool {
	return t.Min.Valid && t.Max.Valid
}

// IsEmpty reports whether nothing is known.
func (t Triple) IsEmpty() bool {
	return !t.Min.Valid && !t.Max.Valid && !t.Current.Valid
}

// IsDegenerate reports bounds collapsed to a single point equal to current.
func (t Triple) IsDegenerate() bool {
	if !t.HasBounds() || !t.Current.Valid {
		return false
	}
	return t.Min.Decimal.Equal(t.Max.Decimal) && t.Max.Decimal.Equal(t.Current.Decimal)
}

// Known wraps a decimal as a present value.
func Known(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// Unknown is the absent value.
func Unknown() decimal.NullDecimal {
	return decimal.NullDecimal{}
}
