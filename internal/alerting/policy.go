package alerting

import (
	"github.com/shopspring/decimal"

	"price-tracker/internal/domain"
)

// Policy 决定价格变化是否值得推送。
type Policy struct {
	AbsoluteDrop   decimal.Decimal `mapstructure:"absolute_drop"`
	RelativeDrop   decimal.Decimal `mapstructure:"relative_drop"`
	MinimumEpsilon decimal.Decimal `mapstructure:"minimum_epsilon"`
}

// DefaultPolicy: more than 1.00 or more than 5%.
func DefaultPolicy() Policy {
	return Policy{
		AbsoluteDrop:   decimal.RequireFromString("1.0"),
		RelativeDrop:   decimal.RequireFromString("0.05"),
		MinimumEpsilon: decimal.RequireFromString("0.01"),
	}
}

// Decision 记录判定结果。
type Decision struct {
	Notify            bool
	HistoricalMinimum bool
	Suppressed        bool
	Drop              decimal.Decimal
	Reason            string
}

// ShouldNotify reports a significant drop from old to new.
func (p Policy) ShouldNotify(oldPrice, newPrice decimal.Decimal) bool {
	drop := oldPrice.Sub(newPrice)
	if !drop.IsPositive() {
		return false
	}
	if drop.GreaterThan(p.AbsoluteDrop) {
		return true
	}
	if !oldPrice.IsPositive() {
		return false
	}
	return drop.Div(oldPrice).GreaterThan(p.RelativeDrop)
}

// IsHistoricalMinimum reports whether price sits on the known minimum.
func (p Policy) IsHistoricalMinimum(price, minPrice decimal.Decimal) bool {
	return price.Sub(minPrice).Abs().LessThan(p.MinimumEpsilon)
}

// Decide 综合价格与库存状态给出推送决定。
func (p Policy) Decide(oldPrice, newPrice, minPrice decimal.NullDecimal, availability domain.Availability) Decision {
	if !oldPrice.Valid || !newPrice.Valid {
		return Decision{Reason: "missing price"}
	}

	d := Decision{Drop: oldPrice.Decimal.Sub(newPrice.Decimal)}
	if !p.ShouldNotify(oldPrice.Decimal, newPrice.Decimal) {
		d.Reason = "below threshold"
		return d
	}
	if minPrice.Valid {
		d.HistoricalMinimum = p.IsHistoricalMinimum(newPrice.Decimal, minPrice.Decimal)
	}
	if availability == domain.AvailabilityUnavailable {
		d.Suppressed = true
		d.Reason = "unavailable"
		return d
	}
	d.Notify = true
	d.Reason = "price drop"
	if d.HistoricalMinimum {
		d.Reason = "historical minimum"
	}
	return d
}
