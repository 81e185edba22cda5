package history

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"price-tracker/internal/domain"
)

func decodeProduct(t *testing.T, raw string) RawProduct {
	t.Helper()
	var p RawProduct
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func requireAmount(t *testing.T, want string, got decimal.NullDecimal) {
	t.Helper()
	require.True(t, got.Valid, "expected %s, got unknown", want)
	require.True(t, got.Decimal.Equal(decimal.RequireFromString(want)), "expected %s, got %s", want, got.Decimal)
}

func TestExtractScalarStats(t *testing.T) {
	p := decodeProduct(t, `{"stats":{"current":1999,"min":1500,"max":2500}}`)
	got := NewExtractor(DefaultHeuristics()).Extract(p)

	requireAmount(t, "19.99", got.Current)
	requireAmount(t, "15.00", got.Min)
	requireAmount(t, "25.00", got.Max)
}

func TestExtractPairDisambiguation(t *testing.T) {
	e := NewExtractor(DefaultHeuristics())

	largeFirst := e.Extract(decodeProduct(t, `{"stats":{"current":[[2500000,1999]],"min":[[1500,2500000]],"max":[3000]}}`))
	requireAmount(t, "19.99", largeFirst.Current)
	requireAmount(t, "15.00", largeFirst.Min)
	requireAmount(t, "30.00", largeFirst.Max)

	smallFirst := e.Extract(decodeProduct(t, `{"stats":{"current":[[1999,2500000]]}}`))
	requireAmount(t, "19.99", smallFirst.Current)
}

func TestExtractPairBothPlausibleTakesFirst(t *testing.T) {
	got := NewExtractor(DefaultHeuristics()).Extract(decodeProduct(t, `{"stats":{"current":[[1999,2100]],"min":[[1500,1600]],"max":[[2600,2500]]}}`))
	requireAmount(t, "19.99", got.Current)
	requireAmount(t, "15.00", got.Min)
	requireAmount(t, "26.00", got.Max)
}

func TestExtractListScansRemainingEntries(t *testing.T) {
	p := decodeProduct(t, `{"stats":{"current":[-1,2000],"min":[-1,1200],"max":[null,[7000000,3400]]}}`)
	got := NewExtractor(DefaultHeuristics()).Extract(p)

	requireAmount(t, "20.00", got.Current)
	requireAmount(t, "12.00", got.Min)
	requireAmount(t, "34.00", got.Max)
}

func TestExtractDictShape(t *testing.T) {
	p := decodeProduct(t, `{"stats":{"current":{"0":2000},"min":{"AMAZON":[1100,7000000],"NEW":900},"max":{"NEW":4000}}}`)
	got := NewExtractor(DefaultHeuristics()).Extract(p)

	requireAmount(t, "20.00", got.Current)
	requireAmount(t, "11.00", got.Min)
	requireAmount(t, "40.00", got.Max)
}

func TestExtractRejectsImplausibleValues(t *testing.T) {
	p := decodeProduct(t, `{"stats":{"current":3000000,"min":0,"max":-5}}`)
	got := NewExtractor(DefaultHeuristics()).Extract(p)
	require.True(t, got.IsEmpty())

	got = NewExtractor(DefaultHeuristics()).Extract(decodeProduct(t, `{"stats":{"current":"19.99","min":true}}`))
	require.True(t, got.IsEmpty())
}

func TestExtractUpperBoundIsInclusive(t *testing.T) {
	got := NewExtractor(DefaultHeuristics()).Extract(decodeProduct(t, `{"stats":{"current":2000000,"min":2000000,"max":2000000}}`))
	requireAmount(t, "20000.00", got.Current)
}

func TestExtractSeedsMissingBoundsFromCurrent(t *testing.T) {
	got := NewExtractor(DefaultHeuristics()).Extract(decodeProduct(t, `{"stats":{"current":1999}}`))

	requireAmount(t, "19.99", got.Current)
	requireAmount(t, "19.99", got.Min)
	requireAmount(t, "19.99", got.Max)
}

func TestExtractDegenerateStatsFallBackToSeries(t *testing.T) {
	p := decodeProduct(t, `{
		"stats":{"current":1000,"min":1000,"max":1000},
		"csv":[[7000000,800,7000100,1200]]
	}`)
	got := NewExtractor(DefaultHeuristics()).Extract(p)

	requireAmount(t, "10.00", got.Current)
	requireAmount(t, "8.00", got.Min)
	requireAmount(t, "12.00", got.Max)
}

func TestExtractSeriesFromChannelData(t *testing.T) {
	p := decodeProduct(t, `{"data":{"AMAZON":[900,7000000,950,7000010,1100,7000020]}}`)
	got := NewExtractor(DefaultHeuristics()).Extract(p)

	require.False(t, got.Current.Valid)
	requireAmount(t, "9.00", got.Min)
	requireAmount(t, "11.00", got.Max)
}

func TestExtractSeriesPrefersChannelDataOverCSV(t *testing.T) {
	p := decodeProduct(t, `{
		"data":{"NEW":[7000000,500,7000010,700]},
		"csv":[[7000000,100,7000010,9000]]
	}`)
	got := NewExtractor(DefaultHeuristics()).Extract(p)

	requireAmount(t, "5.00", got.Min)
	requireAmount(t, "7.00", got.Max)
}

func TestExtractSeriesDropsOutliers(t *testing.T) {
	p := decodeProduct(t, `{"csv":[[
		7000000,1000,7000010,1010,7000020,1020,
		7000030,1030,7000040,1040,7000050,1900000
	]]}`)
	got := NewExtractor(DefaultHeuristics()).Extract(p)

	requireAmount(t, "10.00", got.Min)
	requireAmount(t, "10.40", got.Max)
}

func TestExtractSeriesSkipsNoDataMarkers(t *testing.T) {
	p := decodeProduct(t, `{"csv":[[7000000,-1,7000010,1500,7000020,-1,7000030,1700]]}`)
	got := NewExtractor(DefaultHeuristics()).Extract(p)

	requireAmount(t, "15.00", got.Min)
	requireAmount(t, "17.00", got.Max)
}

func TestExtractSeriesNeverDiscardsDistinctStatBounds(t *testing.T) {
	distinct := decodeProduct(t, `{
		"stats":{"current":1000,"min":500,"max":2000},
		"csv":[[7000000,100,7000010,5000]]
	}`)
	got := NewExtractor(DefaultHeuristics()).Extract(distinct)
	requireAmount(t, "5.00", got.Min)
	requireAmount(t, "20.00", got.Max)

	// max was seeded from current so only it may move
	seeded := decodeProduct(t, `{
		"stats":{"current":1000,"min":900},
		"csv":[[7000000,800,7000010,1500]]
	}`)
	got = NewExtractor(DefaultHeuristics()).Extract(seeded)
	requireAmount(t, "9.00", got.Min)
	requireAmount(t, "15.00", got.Max)
}

func TestExtractSeriesBoundNeverCrossesStatBound(t *testing.T) {
	e := NewExtractor(DefaultHeuristics())

	got := e.Extract(decodeProduct(t, `{"stats":{"min":5000},"csv":[[7000000,800,7000100,1200]]}`))
	requireAmount(t, "50.00", got.Min)
	requireAmount(t, "50.00", got.Max)

	got = e.Extract(decodeProduct(t, `{"stats":{"max":500},"csv":[[7000000,800,7000100,1200]]}`))
	requireAmount(t, "5.00", got.Min)
	requireAmount(t, "5.00", got.Max)
}

func TestExtractInsufficientData(t *testing.T) {
	got := NewExtractor(DefaultHeuristics()).Extract(RawProduct{ASIN: "B000000001"})
	require.Equal(t, domain.Triple{}, got)

	got = NewExtractor(DefaultHeuristics()).Extract(decodeProduct(t, `{"stats":{"min":[]},"csv":[null,"x"]}`))
	require.True(t, got.IsEmpty())
}

func TestExtractBoundsOnlyTreatsEqualBoundsAsDegenerate(t *testing.T) {
	p := decodeProduct(t, `{
		"stats":{"current":1500,"min":1000,"max":1000},
		"csv":[[7000000,800,7000100,1200]]
	}`)
	got := NewExtractor(DefaultHeuristics()).ExtractBoundsOnly(p)

	require.False(t, got.Current.Valid)
	requireAmount(t, "8.00", got.Min)
	requireAmount(t, "12.00", got.Max)
}

func TestExtractTimestampThresholdIsConfigurable(t *testing.T) {
	p := decodeProduct(t, `{"stats":{"current":[[150000,1999]]}}`)

	got := NewExtractor(DefaultHeuristics()).Extract(p)
	requireAmount(t, "1500.00", got.Current)

	tight := NewExtractor(Heuristics{TimestampThreshold: 100_000, MaxPlausibleCents: 100_000})
	got = tight.Extract(p)
	requireAmount(t, "19.99", got.Current)
}

func TestMonotonicFractionAndQuantile(t *testing.T) {
	require.Equal(t, 1.0, monotonicFraction([]float64{1, 2, 2, 3}))
	require.Equal(t, 0.0, monotonicFraction([]float64{5}))
	require.InDelta(t, 1.0/3.0, monotonicFraction([]float64{4, 3, 2, 5}), 1e-9)

	sorted := []float64{1, 2, 3, 4}
	require.InDelta(t, 1.75, quantile(sorted, 0.25), 1e-9)
	require.InDelta(t, 2.5, quantile(sorted, 0.5), 1e-9)
}
