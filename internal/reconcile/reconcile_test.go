package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"price-tracker/internal/domain"
)

func amt(v string) decimal.NullDecimal {
	return domain.Known(decimal.RequireFromString(v))
}

func triple(lo, hi, cur string) domain.Triple {
	t := domain.Triple{}
	if lo != "" {
		t.Min = amt(lo)
	}
	if hi != "" {
		t.Max = amt(hi)
	}
	if cur != "" {
		t.Current = amt(cur)
	}
	return t
}

func requireAmt(t *testing.T, want string, got decimal.NullDecimal) {
	t.Helper()
	require.True(t, got.Valid, "expected %s, got unknown", want)
	require.True(t, got.Decimal.Equal(decimal.RequireFromString(want)), "expected %s, got %s", want, got.Decimal)
}

type fakeSource struct {
	lookup      map[string]domain.Triple
	bounds      map[string]domain.Triple
	lookupErr   error
	boundsErr   error
	forcedCalls int
	boundsCalls int
}

func (f *fakeSource) Lookup(_ context.Context, _ []string, _ string, force bool) (map[string]domain.Triple, error) {
	if force {
		f.forcedCalls++
	}
	return f.lookup, f.lookupErr
}

func (f *fakeSource) LookupBounds(_ context.Context, _ []string, _ string) (map[string]domain.Triple, error) {
	f.boundsCalls++
	return f.bounds, f.boundsErr
}

func TestCorrectClampsToCurrent(t *testing.T) {
	low := Correct(triple("50", "100", "40"))
	requireAmt(t, "40", low.Min)
	requireAmt(t, "100", low.Max)
	requireAmt(t, "40", low.Current)

	high := Correct(triple("50", "100", "150"))
	requireAmt(t, "50", high.Min)
	requireAmt(t, "150", high.Max)
	requireAmt(t, "150", high.Current)
}

func TestCorrectLeavesUnknownSidesAlone(t *testing.T) {
	got := Correct(triple("50", "", "40"))
	requireAmt(t, "40", got.Min)
	require.False(t, got.Max.Valid)

	got = Correct(triple("50", "100", ""))
	requireAmt(t, "50", got.Min)
	requireAmt(t, "100", got.Max)
}

func TestResolveRunsCorrectionEveryTime(t *testing.T) {
	r := New(nil, zerolog.Nop())
	got := r.Resolve(context.Background(), Input{
		ASIN:    "B000000001",
		Live:    amt("40"),
		History: triple("50", "100", "60"),
	})
	requireAmt(t, "40", got.Current)
	requireAmt(t, "40", got.Min)
	requireAmt(t, "100", got.Max)
	require.Equal(t, SourceLive, got.CurrentSource)
	require.Equal(t, SourceHistory, got.BoundsSource)
}

func TestResolveCurrentPriority(t *testing.T) {
	r := New(nil, zerolog.Nop())

	got := r.Resolve(context.Background(), Input{History: triple("10", "30", "20"), Persisted: triple("", "", "25")})
	requireAmt(t, "20", got.Current)
	require.Equal(t, SourceHistory, got.CurrentSource)

	got = r.Resolve(context.Background(), Input{History: triple("10", "30", ""), Persisted: triple("", "", "25")})
	requireAmt(t, "25", got.Current)
	require.Equal(t, SourcePersisted, got.CurrentSource)

	got = r.Resolve(context.Background(), Input{Live: amt("0"), History: triple("10", "30", "")})
	require.False(t, got.Current.Valid)
	require.Equal(t, SourceNone, got.CurrentSource)
}

func TestResolveFallsBackToSecondaryQuery(t *testing.T) {
	src := &fakeSource{bounds: map[string]domain.Triple{"B000000001": triple("15", "35", "")}}
	r := New(src, zerolog.Nop())

	got := r.Resolve(context.Background(), Input{ASIN: "B000000001", Domain: "it", Live: amt("20")})
	requireAmt(t, "15", got.Min)
	requireAmt(t, "35", got.Max)
	require.Equal(t, SourceSecondary, got.BoundsSource)
	require.Equal(t, 1, src.boundsCalls)
}

func TestResolveFallsBackToPersistedThenSeed(t *testing.T) {
	src := &fakeSource{boundsErr: errors.New("upstream down")}
	r := New(src, zerolog.Nop())

	got := r.Resolve(context.Background(), Input{ASIN: "B000000001", Live: amt("20"), Persisted: triple("18", "22", "21")})
	requireAmt(t, "18", got.Min)
	requireAmt(t, "22", got.Max)
	require.Equal(t, SourcePersisted, got.BoundsSource)

	got = r.Resolve(context.Background(), Input{ASIN: "B000000001", Live: amt("20")})
	requireAmt(t, "20", got.Min)
	requireAmt(t, "20", got.Max)
	require.Equal(t, SourceSeeded, got.BoundsSource)

	got = r.Resolve(context.Background(), Input{ASIN: "B000000001"})
	require.True(t, got.IsEmpty())
}

func TestResolveForcesRefreshOnDegenerateHistory(t *testing.T) {
	src := &fakeSource{lookup: map[string]domain.Triple{"B000000001": triple("8", "12", "10")}}
	r := New(src, zerolog.Nop())

	got := r.Resolve(context.Background(), Input{ASIN: "B000000001", Live: amt("10"), History: triple("10", "10", "10")})
	require.Equal(t, 1, src.forcedCalls)
	require.Equal(t, SourceForced, got.BoundsSource)
	requireAmt(t, "8", got.Min)
	requireAmt(t, "12", got.Max)
}

func TestResolveKeepsDegenerateHistoryWhenRefreshDoesNotHelp(t *testing.T) {
	src := &fakeSource{lookup: map[string]domain.Triple{"B000000001": triple("10", "10", "10")}}
	r := New(src, zerolog.Nop())

	got := r.Resolve(context.Background(), Input{ASIN: "B000000001", Live: amt("10"), History: triple("10", "10", "10")})
	require.Equal(t, 1, src.forcedCalls)
	require.Equal(t, SourceHistory, got.BoundsSource)
	requireAmt(t, "10", got.Min)
}

func TestResolveWidensWithPersistedBounds(t *testing.T) {
	r := New(nil, zerolog.Nop())
	got := r.Resolve(context.Background(), Input{
		Live:      amt("30"),
		History:   triple("25", "40", "30"),
		Persisted: triple("20", "35", "31"),
	})
	requireAmt(t, "20", got.Min)
	requireAmt(t, "40", got.Max)
	requireAmt(t, "30", got.Current)
}

func TestResolveInvariantHolds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := New(nil, zerolog.Nop())
	epsilon := decimal.RequireFromString("0.01")

	randomAmount := func() decimal.NullDecimal {
		if rng.Intn(5) == 0 {
			return domain.Unknown()
		}
		return domain.Known(decimal.NewFromInt(int64(rng.Intn(50000))).Div(decimal.NewFromInt(100)))
	}

	for i := 0; i < 2000; i++ {
		in := Input{
			Live:      randomAmount(),
			History:   domain.Triple{Min: randomAmount(), Max: randomAmount(), Current: randomAmount()},
			Persisted: domain.Triple{Min: randomAmount(), Max: randomAmount(), Current: randomAmount()},
		}
		got := r.Resolve(context.Background(), in)
		if got.Current.Valid && got.Min.Valid {
			require.True(t, got.Min.Decimal.LessThanOrEqual(got.Current.Decimal), "case %d: %+v", i, got)
		}
		if got.Current.Valid && got.Max.Valid {
			require.True(t, got.Current.Decimal.LessThanOrEqual(got.Max.Decimal.Add(epsilon)), "case %d: %+v", i, got)
		}
		if in.Live.Valid && in.Live.Decimal.IsPositive() {
			require.True(t, got.Current.Decimal.Equal(in.Live.Decimal), "live price is authoritative")
		}
	}
}
