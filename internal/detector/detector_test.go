package detector

import (
	"testing"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const symbol = "BTC/USDT:USDT"

type flatFees struct{ fee decimal.Decimal }

func (f flatFees) TakerFee(string) decimal.Decimal { return f.fee }

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func defaultTestConfig() Config {
	return Config{
		MinDailySpreadBase:   d("0.0003"),
		MinDailySpreadPer10K: d("0.00003"),
		MinSecondsToFunding:  60,
		NegativeTolerance:    d("-0.0001"),
	}
}

func rate(venue string, raw string, intervalHours int, nextFunding time.Time) *core.FundingRate {
	return &core.FundingRate{
		Exchange:        venue,
		Symbol:          symbol,
		Rate:            d(raw),
		IntervalHours:   intervalHours,
		NextFundingTime: nextFunding,
		Timestamp:       time.Now().UTC(),
	}
}

func snapshot(rates ...*core.FundingRate) core.RateSnapshot {
	out := make(core.RateSnapshot)
	for _, r := range rates {
		if out[r.Exchange] == nil {
			out[r.Exchange] = make(map[string]*core.FundingRate)
		}
		out[r.Exchange][r.Symbol] = r
	}
	return out
}

func TestThresholdScalesWithSize(t *testing.T) {
	det := New(defaultTestConfig(), flatFees{d("0.0004")}, logging.NewNop())

	assert.True(t, det.Threshold(d("10000")).Equal(d("0.00033")))
	assert.True(t, det.Threshold(d("50000")).Equal(d("0.00045")))

	// Non-decreasing in size
	prev := decimal.Zero
	for _, size := range []string{"1000", "10000", "25000", "100000"} {
		cur := det.Threshold(d(size))
		assert.True(t, cur.GreaterThanOrEqual(prev), "threshold shrank at size %s", size)
		prev = cur
	}
}

func TestFindOpportunitiesSameInterval(t *testing.T) {
	det := New(defaultTestConfig(), flatFees{d("0.0004")}, logging.NewNop())
	next := time.Now().UTC().Add(30 * time.Minute)

	snap := snapshot(
		rate("binance", "-0.0005", 8, next),
		rate("bybit", "0.0020", 8, next),
	)

	opps := det.FindOpportunities(snap, d("10000"))
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, "binance", opp.LongExchange)
	assert.Equal(t, "bybit", opp.ShortExchange)
	assert.True(t, opp.LongDailyRate.Equal(d("-0.0015")))
	assert.True(t, opp.ShortDailyRate.Equal(d("0.0060")))
	assert.True(t, opp.DailySpread.Equal(d("0.0075")))
	assert.True(t, opp.Spread.Equal(d("0.0025")))

	// 10000 * 0.0075 - (10000*0.0004*2*2)/7 = 75 - 16/7
	expectedNet := d("75").Sub(d("16").Div(d("7")))
	assert.True(t, opp.ExpectedDailyProfit.Equal(expectedNet),
		"net daily = %s", opp.ExpectedDailyProfit)

	expectedAPR := expectedNet.Div(d("10000")).Mul(d("365")).Mul(d("100"))
	assert.True(t, opp.AnnualizedAPR.Equal(expectedAPR))
}

func TestFindOpportunitiesMixedIntervals(t *testing.T) {
	det := New(defaultTestConfig(), flatFees{d("0.0004")}, logging.NewNop())
	next := time.Now().UTC().Add(30 * time.Minute)

	// 1h venue: -0.00005 * 24 = -0.0012; 8h venue: 0.0001 * 3 = 0.0003
	snap := snapshot(
		rate("hyperliquid", "-0.00005", 1, next),
		rate("binance", "0.0001", 8, next),
	)

	opps := det.FindOpportunities(snap, d("10000"))
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, "hyperliquid", opp.LongExchange)
	assert.Equal(t, "binance", opp.ShortExchange)
	assert.Equal(t, 1, opp.LongIntervalHours)
	assert.Equal(t, 8, opp.ShortIntervalHours)
	assert.True(t, opp.LongDailyRate.Equal(d("-0.0012")))
	assert.True(t, opp.ShortDailyRate.Equal(d("0.0003")))
	assert.True(t, opp.DailySpread.Equal(d("0.0015")))
}

func TestSpreadBelowThresholdRejected(t *testing.T) {
	det := New(defaultTestConfig(), flatFees{d("0.0004")}, logging.NewNop())
	next := time.Now().UTC().Add(30 * time.Minute)

	// Daily spread 0.0003 < threshold 0.00033 at 10k
	snap := snapshot(
		rate("binance", "0.0000", 8, next),
		rate("bybit", "0.0001", 8, next),
	)
	assert.Empty(t, det.FindOpportunities(snap, d("10000")))
}

func TestFundingTooCloseRejected(t *testing.T) {
	det := New(defaultTestConfig(), flatFees{d("0.0004")}, logging.NewNop())
	next := time.Now().UTC().Add(30 * time.Second)

	snap := snapshot(
		rate("binance", "-0.0005", 8, next),
		rate("bybit", "0.0020", 8, next),
	)
	assert.Empty(t, det.FindOpportunities(snap, d("10000")))
}

func TestUnprofitableAfterFeesRejected(t *testing.T) {
	cfg := defaultTestConfig()
	det := New(cfg, flatFees{d("0.0010")}, logging.NewNop())
	next := time.Now().UTC().Add(30 * time.Minute)

	// Daily spread 0.00045 clears the 10k threshold, but amortized fees
	// (10000*0.001*2*2)/7 = 5.71 > 10000*0.00045 = 4.5
	snap := snapshot(
		rate("binance", "0.0000", 8, next),
		rate("bybit", "0.00015", 8, next),
	)
	assert.Empty(t, det.FindOpportunities(snap, d("10000")))

	// Same spread with cheap fees passes
	cheap := New(cfg, flatFees{d("0.0001")}, logging.NewNop())
	assert.Len(t, cheap.FindOpportunities(snap, d("10000")), 1)
}

func TestSingleVenueSymbolSkipped(t *testing.T) {
	det := New(defaultTestConfig(), flatFees{d("0.0004")}, logging.NewNop())
	next := time.Now().UTC().Add(30 * time.Minute)

	snap := snapshot(rate("binance", "0.0020", 8, next))
	assert.Empty(t, det.FindOpportunities(snap, d("10000")))
}

func TestEqualRatesTieBreakByVenueName(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MinDailySpreadBase = decimal.Zero
	cfg.MinDailySpreadPer10K = decimal.Zero
	det := New(cfg, flatFees{decimal.Zero}, logging.NewNop())
	next := time.Now().UTC().Add(30 * time.Minute)

	snap := snapshot(
		rate("bybit", "0.0005", 8, next),
		rate("binance", "0.0005", 8, next),
	)

	// Zero spread never clears a positive net-daily check
	assert.Empty(t, det.FindOpportunities(snap, d("10000")))

	// With a third venue the long leg on a tie is the lexicographically
	// smaller name
	snap["aster"] = map[string]*core.FundingRate{
		symbol: rate("aster", "0.0005", 8, next),
	}
	snap["okx"] = map[string]*core.FundingRate{
		symbol: rate("okx", "0.0010", 8, next),
	}
	opps := det.FindOpportunities(snap, d("10000"))
	require.Len(t, opps, 1)
	assert.Equal(t, "aster", opps[0].LongExchange)
	assert.Equal(t, "okx", opps[0].ShortExchange)
}

func TestResultsSortedByDailySpreadDesc(t *testing.T) {
	det := New(defaultTestConfig(), flatFees{d("0.0001")}, logging.NewNop())
	next := time.Now().UTC().Add(30 * time.Minute)

	snap := make(core.RateSnapshot)
	add := func(venue, sym, raw string) {
		if snap[venue] == nil {
			snap[venue] = make(map[string]*core.FundingRate)
		}
		snap[venue][sym] = &core.FundingRate{
			Exchange: venue, Symbol: sym, Rate: d(raw),
			IntervalHours: 8, NextFundingTime: next,
			Timestamp: time.Now().UTC(),
		}
	}
	add("binance", "BTC/USDT:USDT", "-0.0001")
	add("bybit", "BTC/USDT:USDT", "0.0005")
	add("binance", "ETH/USDT:USDT", "-0.0005")
	add("bybit", "ETH/USDT:USDT", "0.0020")

	opps := det.FindOpportunities(snap, d("10000"))
	require.Len(t, opps, 2)
	assert.Equal(t, "ETH/USDT:USDT", opps[0].Symbol)
	assert.Equal(t, "BTC/USDT:USDT", opps[1].Symbol)

	// Cache mirrors the last scan
	cached := det.LastOpportunities()
	require.Len(t, cached, 2)
	assert.Equal(t, "ETH/USDT:USDT", cached[0].Symbol)
}

func TestFindBestOpportunitySkipsExcluded(t *testing.T) {
	det := New(defaultTestConfig(), flatFees{d("0.0001")}, logging.NewNop())
	next := time.Now().UTC().Add(30 * time.Minute)

	snap := snapshot(
		rate("binance", "-0.0005", 8, next),
		rate("bybit", "0.0020", 8, next),
	)

	best := det.FindBestOpportunity(snap, d("10000"), nil)
	require.NotNil(t, best)
	assert.Equal(t, symbol, best.Symbol)

	excluded := map[string]bool{symbol: true}
	assert.Nil(t, det.FindBestOpportunity(snap, d("10000"), excluded))
}

func TestEvaluateExistingPosition(t *testing.T) {
	det := New(defaultTestConfig(), flatFees{d("0.0004")}, logging.NewNop())
	next := time.Now().UTC().Add(30 * time.Minute)

	tests := []struct {
		name       string
		longRate   string
		shortRate  string
		wantKeep   bool
		wantReason string
	}{
		{"still positive", "-0.0005", "0.0020", true, ReasonStillPositive},
		{"within tolerance", "0.0001", "0.00007", true, ReasonWithinBand},
		{"inverted beyond tolerance", "0.0010", "-0.0005", false, ReasonInverted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := snapshot(
				rate("binance", tt.longRate, 8, next),
				rate("bybit", tt.shortRate, 8, next),
			)
			keep, _, reason := det.EvaluateExistingPosition(snap, symbol, "binance", "bybit")
			assert.Equal(t, tt.wantKeep, keep)
			assert.Equal(t, tt.wantReason, reason)
		})
	}

	t.Run("missing rate data", func(t *testing.T) {
		snap := snapshot(rate("binance", "0.0001", 8, next))
		keep, _, reason := det.EvaluateExistingPosition(snap, symbol, "binance", "bybit")
		assert.False(t, keep)
		assert.Equal(t, ReasonMissingRates, reason)

		keep, _, reason = det.EvaluateExistingPosition(snap, "ETH/USDT:USDT", "binance", "binance")
		assert.False(t, keep)
		assert.Equal(t, ReasonMissingRates, reason)
	})
}
