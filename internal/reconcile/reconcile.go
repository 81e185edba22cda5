// Package reconcile merges live, historical and persisted prices into one
// consistent (min, max, current) triple.
package reconcile

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-tracker/internal/domain"
)

// Source names where a value came from.
type Source string

const (
	SourceNone      Source = "none"
	SourceLive      Source = "live"
	SourceHistory   Source = "history"
	SourceForced    Source = "history_forced"
	SourceSecondary Source = "bounds_only"
	SourcePersisted Source = "persisted"
	SourceSeeded    Source = "seeded"
)

// BoundsSource is the history lookup used for fallbacks.
type BoundsSource interface {
	Lookup(ctx context.Context, asins []string, domain string, force bool) (map[string]domain.Triple, error)
	LookupBounds(ctx context.Context, asins []string, domain string) (map[string]domain.Triple, error)
}

// Input carries everything known about one product.
type Input struct {
	ASIN      string
	Domain    string
	Live      decimal.NullDecimal
	History   domain.Triple
	Persisted domain.Triple
}

// Result is the reconciled triple plus provenance.
type Result struct {
	domain.Triple
	CurrentSource Source
	BoundsSource  Source
}

// Reconciler resolves bounds with fallbacks. A nil source skips the
// secondary and forced queries.
type Reconciler struct {
	source BoundsSource
	logger zerolog.Logger
}

// New constructs a Reconciler.
func New(source BoundsSource, logger zerolog.Logger) *Reconciler {
	return &Reconciler{source: source, logger: logger.With().Str("component", "reconciler").Logger()}
}

// Resolve produces the corrected triple. Current is picked once and never changed.
func (r *Reconciler) Resolve(ctx context.Context, in Input) Result {
	res := Result{CurrentSource: SourceNone, BoundsSource: SourceNone}

	switch {
	case validPositive(in.Live):
		res.Current, res.CurrentSource = in.Live, SourceLive
	case validPositive(in.History.Current):
		res.Current, res.CurrentSource = in.History.Current, SourceHistory
	case validPositive(in.Persisted.Current):
		res.Current, res.CurrentSource = in.Persisted.Current, SourcePersisted
	}

	lo, hi, src := r.initialBounds(ctx, in, res.Current)
	res.Min, res.Max, res.BoundsSource = lo, hi, src

	widened := Widen(res.Triple, in.Persisted)
	res.Min, res.Max = widened.Min, widened.Max
	res.Triple = Correct(res.Triple)

	r.logger.Debug().
		Str("asin", in.ASIN).
		Str("current_source", string(res.CurrentSource)).
		Str("bounds_source", string(res.BoundsSource)).
		Msg("price reconciled")
	return res
}

func (r *Reconciler) initialBounds(ctx context.Context, in Input, current decimal.NullDecimal) (decimal.NullDecimal, decimal.NullDecimal, Source) {
	if usable(in.History) {
		t := in.History
		t.Current = current
		if t.IsDegenerate() && r.source != nil {
			if forced, ok := r.lookup(ctx, in, true); ok && !withCurrent(forced, current).IsDegenerate() {
				return forced.Min, forced.Max, SourceForced
			}
		}
		return in.History.Min, in.History.Max, SourceHistory
	}

	if r.source != nil {
		if secondary, ok := r.lookupBounds(ctx, in); ok {
			return secondary.Min, secondary.Max, SourceSecondary
		}
	}

	if usable(in.Persisted) {
		return in.Persisted.Min, in.Persisted.Max, SourcePersisted
	}

	if current.Valid {
		return current, current, SourceSeeded
	}
	return domain.Unknown(), domain.Unknown(), SourceNone
}

func (r *Reconciler) lookup(ctx context.Context, in Input, force bool) (domain.Triple, bool) {
	if in.ASIN == "" {
		return domain.Triple{}, false
	}
	found, err := r.source.Lookup(ctx, []string{in.ASIN}, in.Domain, force)
	if err != nil {
		r.logger.Debug().Err(err).Str("asin", in.ASIN).Msg("forced history refresh failed")
		return domain.Triple{}, false
	}
	t, ok := found[in.ASIN]
	return t, ok && usable(t)
}

func (r *Reconciler) lookupBounds(ctx context.Context, in Input) (domain.Triple, bool) {
	if in.ASIN == "" {
		return domain.Triple{}, false
	}
	found, err := r.source.LookupBounds(ctx, []string{in.ASIN}, in.Domain)
	if err != nil {
		r.logger.Debug().Err(err).Str("asin", in.ASIN).Msg("bounds-only query failed")
		return domain.Triple{}, false
	}
	t, ok := found[in.ASIN]
	return t, ok && usable(t)
}

// Correct pulls bounds out to cover current. Unknown members stay unknown.
func Correct(t domain.Triple) domain.Triple {
	if !t.Current.Valid {
		return t
	}
	cur := t.Current.Decimal
	if t.Min.Valid && cur.LessThan(t.Min.Decimal) {
		t.Min = domain.Known(cur)
	}
	if t.Max.Valid && cur.GreaterThan(t.Max.Decimal) {
		t.Max = domain.Known(cur)
	}
	return t
}

// Widen merges stored bounds into t: the lower min and the higher max win.
func Widen(t, stored domain.Triple) domain.Triple {
	if validPositive(stored.Min) && (!t.Min.Valid || stored.Min.Decimal.LessThan(t.Min.Decimal)) {
		t.Min = stored.Min
	}
	if validPositive(stored.Max) && (!t.Max.Valid || stored.Max.Decimal.GreaterThan(t.Max.Decimal)) {
		t.Max = stored.Max
	}
	return t
}

func usable(t domain.Triple) bool {
	return validPositive(t.Min) && validPositive(t.Max)
}

func validPositive(d decimal.NullDecimal) bool {
	return d.Valid && d.Decimal.IsPositive()
}

func withCurrent(t domain.Triple, current decimal.NullDecimal) domain.Triple {
	t.Current = current
	return t
}
