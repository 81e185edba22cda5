// Package history extracts plausible Amazon-channel price bounds from the
// loosely typed records returned by price-history providers.
//
// Upstream values are minor units (cents). Stats fields arrive as bare
// numbers, lists indexed by channel whose entries may be [price, time] or
// [time, price] pairs, or dicts keyed by channel name. Raw series alternate
// timestamps and prices in no guaranteed order.
package history

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"price-tracker/internal/domain"
)

// channelKeys are probed in order when a stats field or series is keyed by channel.
var channelKeys = []string{"AMAZON", "amazon", "AMZ", "0", "NEW", "new", "1"}

// Heuristics holds every magnitude threshold used to tell prices from timestamps.
type Heuristics struct {
	MaxPlausibleCents    float64 `mapstructure:"max_plausible_cents"`
	TimestampThreshold   float64 `mapstructure:"timestamp_threshold"`
	MonotonicHigh        float64 `mapstructure:"monotonic_high"`
	MonotonicLow         float64 `mapstructure:"monotonic_low"`
	MedianTimestampFloor float64 `mapstructure:"median_timestamp_floor"`
	MedianRatio          float64 `mapstructure:"median_ratio"`
	IQRMultiplier        float64 `mapstructure:"iqr_multiplier"`
	IQRMinSamples        int     `mapstructure:"iqr_min_samples"`
}

// DefaultHeuristics returns thresholds tuned for Keepa payloads.
func DefaultHeuristics() Heuristics {
	return Heuristics{
		MaxPlausibleCents:    2_000_000,
		TimestampThreshold:   2_000_000,
		MonotonicHigh:        0.8,
		MonotonicLow:         0.6,
		MedianTimestampFloor: 1_000_000,
		MedianRatio:          2,
		IQRMultiplier:        3,
		IQRMinSamples:        5,
	}
}

func (h Heuristics) withDefaults() Heuristics {
	d := DefaultHeuristics()
	if h.MaxPlausibleCents <= 0 {
		h.MaxPlausibleCents = d.MaxPlausibleCents
	}
	if h.TimestampThreshold <= 0 {
		h.TimestampThreshold = d.TimestampThreshold
	}
	if h.MonotonicHigh <= 0 {
		h.MonotonicHigh = d.MonotonicHigh
	}
	if h.MonotonicLow <= 0 {
		h.MonotonicLow = d.MonotonicLow
	}
	if h.MedianTimestampFloor <= 0 {
		h.MedianTimestampFloor = d.MedianTimestampFloor
	}
	if h.MedianRatio <= 0 {
		h.MedianRatio = d.MedianRatio
	}
	if h.IQRMultiplier <= 0 {
		h.IQRMultiplier = d.IQRMultiplier
	}
	if h.IQRMinSamples <= 0 {
		h.IQRMinSamples = d.IQRMinSamples
	}
	return h
}

// RawProduct is one product record as decoded from the provider's JSON.
type RawProduct struct {
	ASIN  string         `json:"asin"`
	Stats map[string]any `json:"stats"`
	CSV   []any          `json:"csv"`
	Data  map[string]any `json:"data"`
}

// Extractor applies the stat path, seeding and series fallback.
type Extractor struct {
	h Heuristics
}

// NewExtractor builds an extractor; zero fields fall back to DefaultHeuristics.
func NewExtractor(h Heuristics) *Extractor {
	return &Extractor{h: h.withDefaults()}
}

// bound is a cents value plus whether it was seeded or degenerate, so the
// series fallback may replace it.
type bound struct {
	cents       float64
	ok          bool
	provisional bool
}

// Extract returns min, max and current in major units. Missing data leaves
// members unknown; it never fails.
func (e *Extractor) Extract(p RawProduct) domain.Triple {
	current, hasCurrent := e.statValue(p.Stats, "current")
	lo, hi := e.statBounds(p.Stats, current, hasCurrent)

	degenerate := lo.ok && hi.ok && hasCurrent && lo.cents == hi.cents && hi.cents == current
	if degenerate {
		lo.provisional = true
		hi.provisional = true
	}
	if needsSeries(lo, hi) {
		e.applySeries(p, &lo, &hi)
	}

	return domain.Triple{
		Min:     toMajor(lo.cents, lo.ok),
		Max:     toMajor(hi.cents, hi.ok),
		Current: toMajor(current, hasCurrent),
	}
}

// ExtractBoundsOnly is the simplified lookup: current only seeds bounds and
// min == max alone is enough to consult the series.
func (e *Extractor) ExtractBoundsOnly(p RawProduct) domain.Triple {
	current, hasCurrent := e.statValue(p.Stats, "current")
	lo, hi := e.statBounds(p.Stats, current, hasCurrent)

	degenerate := lo.ok && hi.ok && lo.cents == hi.cents
	if degenerate {
		lo.provisional = true
		hi.provisional = true
	}
	if needsSeries(lo, hi) {
		e.applySeries(p, &lo, &hi)
	}

	return domain.Triple{
		Min: toMajor(lo.cents, lo.ok),
		Max: toMajor(hi.cents, hi.ok),
	}
}

func (e *Extractor) statBounds(stats map[string]any, current float64, hasCurrent bool) (bound, bound) {
	var lo, hi bound
	if v, ok := e.statValue(stats, "min"); ok {
		lo = bound{cents: v, ok: true}
	}
	if v, ok := e.statValue(stats, "max"); ok {
		hi = bound{cents: v, ok: true}
	}
	if hasCurrent {
		if !lo.ok {
			lo = bound{cents: current, ok: true, provisional: true}
		}
		if !hi.ok {
			hi = bound{cents: current, ok: true, provisional: true}
		}
	}
	return lo, hi
}

func needsSeries(lo, hi bound) bool {
	return !lo.ok || !hi.ok || lo.provisional || hi.provisional
}

func (e *Extractor) applySeries(p RawProduct, lo, hi *bound) {
	series := findSeries(p)
	if len(series) == 0 {
		return
	}
	sMin, sMax, ok := e.seriesBounds(series)
	if !ok {
		return
	}
	fromSeriesLo := !lo.ok || (lo.provisional && sMin < lo.cents)
	fromSeriesHi := !hi.ok || (hi.provisional && sMax > hi.cents)
	if fromSeriesLo {
		*lo = bound{cents: sMin, ok: true}
	}
	if fromSeriesHi {
		*hi = bound{cents: sMax, ok: true}
	}

	// a stat bound and a series bound may disagree; keep min <= max
	if lo.cents > hi.cents {
		switch {
		case fromSeriesHi:
			hi.cents = lo.cents
		case fromSeriesLo:
			lo.cents = hi.cents
		}
	}
}

func (e *Extractor) statValue(stats map[string]any, field string) (float64, bool) {
	if stats == nil {
		return 0, false
	}
	raw, ok := stats[field]
	if !ok {
		return 0, false
	}
	return e.shapeValue(raw)
}

// shapeValue dispatches on the decoded JSON shape.
func (e *Extractor) shapeValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case []any:
		return e.fromList(v)
	case map[string]any:
		return e.fromDict(v)
	default:
		n, ok := number(raw)
		if !ok {
			return 0, false
		}
		return n, e.plausible(n)
	}
}

func (e *Extractor) fromList(list []any) (float64, bool) {
	if len(list) == 0 {
		return 0, false
	}
	if v, ok := e.entryValue(list[0]); ok {
		return v, true
	}
	for _, entry := range list[1:] {
		if v, ok := e.entryValue(entry); ok {
			return v, true
		}
	}
	return 0, false
}

func (e *Extractor) fromDict(dict map[string]any) (float64, bool) {
	for _, key := range channelKeys {
		raw, ok := dict[key]
		if !ok {
			continue
		}
		if list, isList := raw.([]any); isList {
			if v, ok := e.fromList(list); ok {
				return v, true
			}
			continue
		}
		if v, ok := e.entryValue(raw); ok {
			return v, true
		}
	}
	return 0, false
}

// entryValue reads a single list entry: a scalar or a two element pair.
func (e *Extractor) entryValue(entry any) (float64, bool) {
	if pair, ok := entry.([]any); ok {
		if len(pair) < 2 {
			if len(pair) == 1 {
				return e.scalar(pair[0])
			}
			return 0, false
		}
		return e.fromPair(pair[0], pair[1])
	}
	return e.scalar(entry)
}

func (e *Extractor) fromPair(a, b any) (float64, bool) {
	first, okA := number(a)
	second, okB := number(b)
	if okA && first > e.h.TimestampThreshold {
		okA = false
	}
	if okB && second > e.h.TimestampThreshold {
		okB = false
	}
	if okA && e.plausible(first) {
		return first, true
	}
	if okB && e.plausible(second) {
		return second, true
	}
	return 0, false
}

func (e *Extractor) scalar(raw any) (float64, bool) {
	n, ok := number(raw)
	if !ok || !e.plausible(n) {
		return 0, false
	}
	return n, true
}

func (e *Extractor) plausible(cents float64) bool {
	return cents > 0 && cents <= e.h.MaxPlausibleCents
}

func findSeries(p RawProduct) []any {
	for _, key := range channelKeys {
		if raw, ok := p.Data[key]; ok {
			if series, isList := raw.([]any); isList && len(series) > 0 {
				return series
			}
		}
	}
	if len(p.CSV) > 0 {
		if series, ok := p.CSV[0].([]any); ok {
			return series
		}
	}
	return nil
}

// seriesBounds splits an alternating series and returns min/max of the price axis.
func (e *Extractor) seriesBounds(series []any) (float64, float64, bool) {
	var even, odd []float64
	for i, raw := range series {
		n, ok := number(raw)
		if !ok {
			continue
		}
		if i%2 == 0 {
			even = append(even, n)
		} else {
			odd = append(odd, n)
		}
	}
	if len(even) == 0 && len(odd) == 0 {
		return 0, 0, false
	}

	prices, alternate := odd, even
	if !e.evenIsTimestamp(even, odd) {
		prices, alternate = even, odd
	}

	candidates := e.filterPlausible(prices)
	if len(candidates) == 0 {
		candidates = e.filterPlausible(alternate)
	}
	if len(candidates) == 0 {
		return 0, 0, false
	}

	candidates = e.filterOutliers(candidates)
	lo, hi := candidates[0], candidates[0]
	for _, v := range candidates[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, true
}

func (e *Extractor) evenIsTimestamp(even, odd []float64) bool {
	evenScore := monotonicFraction(even)
	oddScore := monotonicFraction(odd)

	if evenScore >= e.h.MonotonicHigh && oddScore < e.h.MonotonicLow {
		return true
	}
	if oddScore >= e.h.MonotonicHigh && evenScore < e.h.MonotonicLow {
		return false
	}

	evenMedian := median(even)
	oddMedian := median(odd)
	if evenMedian > e.h.MedianTimestampFloor && evenMedian > e.h.MedianRatio*oddMedian {
		return true
	}
	if oddMedian > e.h.MedianTimestampFloor && oddMedian > e.h.MedianRatio*evenMedian {
		return false
	}

	return evenScore >= oddScore
}

func (e *Extractor) filterPlausible(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if e.plausible(v) {
			out = append(out, v)
		}
	}
	return out
}

func (e *Extractor) filterOutliers(values []float64) []float64 {
	if len(values) < e.h.IQRMinSamples {
		return values
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	low := q1 - e.h.IQRMultiplier*iqr
	high := q3 + e.h.IQRMultiplier*iqr

	out := make([]float64, 0, len(values))
	for _, v := range values {
		if v >= low && v <= high {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return values
	}
	return out
}

// monotonicFraction is the share of consecutive non-decreasing steps.
func monotonicFraction(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	steps := 0
	for i := 1; i < len(values); i++ {
		if values[i] >= values[i-1] {
			steps++
		}
	}
	return float64(steps) / float64(len(values)-1)
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return quantile(sorted, 0.5)
}

// quantile uses linear interpolation between closest ranks; sorted must be ascending.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}

func toMajor(cents float64, ok bool) decimal.NullDecimal {
	if !ok {
		return decimal.NullDecimal{}
	}
	amount := decimal.NewFromFloat(cents).Div(decimal.NewFromInt(100)).Round(2)
	return decimal.NullDecimal{Decimal: amount, Valid: true}
}
