// Package detector derives arbitrage opportunities from funding-rate
// snapshots under a size-dependent daily-spread threshold.
package detector

import (
	"sort"
	"sync"
	"time"

	"fundarb/internal/core"

	"github.com/shopspring/decimal"
)

// Fees are amortized over a nominal holding period when estimating net
// daily profit.
const amortizationDays = 7

var (
	tenThousand = decimal.NewFromInt(10000)
	defaultFee  = decimal.NewFromFloat(0.0004)
)

// Config holds the detection thresholds.
type Config struct {
	MinDailySpreadBase   decimal.Decimal
	MinDailySpreadPer10K decimal.Decimal
	MinSecondsToFunding  int64
	NegativeTolerance    decimal.Decimal
}

// Detector is a pure function object; the only mutable state is a cache of
// the last surfaced opportunities for observers.
type Detector struct {
	cfg    Config
	fees   core.FeeTable
	logger core.ILogger

	mu   sync.RWMutex
	last []*core.Opportunity
}

// New creates a detector. fees may be nil, in which case a conservative
// 0.04% taker fee is assumed everywhere.
func New(cfg Config, fees core.FeeTable, logger core.ILogger) *Detector {
	return &Detector{
		cfg:    cfg,
		fees:   fees,
		logger: logger.WithField("component", "detector"),
	}
}

// Threshold returns the minimum admissible daily spread for a position size.
// Non-decreasing in size.
func (d *Detector) Threshold(sizeUSD decimal.Decimal) decimal.Decimal {
	scaled := d.cfg.MinDailySpreadPer10K.Mul(sizeUSD.Div(tenThousand))
	return d.cfg.MinDailySpreadBase.Add(scaled)
}

func (d *Detector) takerFee(exchange string) decimal.Decimal {
	if d.fees == nil {
		return defaultFee
	}
	fee := d.fees.TakerFee(exchange)
	if fee.IsZero() {
		return defaultFee
	}
	return fee
}

type venueRate struct {
	venue string
	rate  *core.FundingRate
	daily decimal.Decimal
}

// FindOpportunities scans the snapshot for symbols where the cross-venue
// daily spread clears the threshold and the trade is profitable after
// amortized fees. Results are sorted by daily spread descending.
func (d *Detector) FindOpportunities(snapshot core.RateSnapshot, sizeUSD decimal.Decimal) []*core.Opportunity {
	now := time.Now().UTC()
	threshold := d.Threshold(sizeUSD)

	// Regroup venue→symbol→rate as symbol→venue rates
	bySymbol := make(map[string][]venueRate)
	for venue, rates := range snapshot {
		for symbol, rate := range rates {
			bySymbol[symbol] = append(bySymbol[symbol], venueRate{
				venue: venue,
				rate:  rate,
				daily: rate.DailyRate(),
			})
		}
	}

	var out []*core.Opportunity
	for symbol, candidates := range bySymbol {
		if len(candidates) < 2 {
			continue
		}

		// Lowest daily rate is the long leg, highest the short leg.
		// Venue-name tie-break keeps the choice deterministic.
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].daily.Equal(candidates[j].daily) {
				return candidates[i].venue < candidates[j].venue
			}
			return candidates[i].daily.LessThan(candidates[j].daily)
		})

		long := candidates[0]
		short := candidates[len(candidates)-1]

		dailySpread := short.daily.Sub(long.daily)
		if dailySpread.LessThan(threshold) {
			continue
		}

		nextFunding := long.rate.NextFundingTime
		if short.rate.NextFundingTime.Before(nextFunding) {
			nextFunding = short.rate.NextFundingTime
		}
		secondsToFunding := int64(nextFunding.Sub(now).Seconds())
		if secondsToFunding < d.cfg.MinSecondsToFunding {
			continue
		}

		// Round-trip taker fees on both legs, amortized over the nominal
		// holding period.
		fees := sizeUSD.Mul(d.takerFee(long.venue)).Mul(decimal.NewFromInt(2)).
			Add(sizeUSD.Mul(d.takerFee(short.venue)).Mul(decimal.NewFromInt(2)))
		netDaily := sizeUSD.Mul(dailySpread).Sub(fees.Div(decimal.NewFromInt(amortizationDays)))
		if netDaily.LessThanOrEqual(decimal.Zero) {
			continue
		}

		apr := netDaily.Div(sizeUSD).Mul(decimal.NewFromInt(365)).Mul(decimal.NewFromInt(100))

		out = append(out, &core.Opportunity{
			Symbol:              symbol,
			LongExchange:        long.venue,
			ShortExchange:       short.venue,
			LongIntervalHours:   long.rate.IntervalHours,
			ShortIntervalHours:  short.rate.IntervalHours,
			LongRate:            long.rate.Rate,
			ShortRate:           short.rate.Rate,
			LongDailyRate:       long.daily,
			ShortDailyRate:      short.daily,
			Spread:              short.rate.Rate.Sub(long.rate.Rate),
			DailySpread:         dailySpread,
			ExpectedDailyProfit: netDaily,
			AnnualizedAPR:       apr,
			NextFundingTime:     nextFunding,
			SecondsToFunding:    secondsToFunding,
			DetectedAt:          now,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].DailySpread.GreaterThan(out[j].DailySpread)
	})

	d.mu.Lock()
	d.last = out
	d.mu.Unlock()

	return out
}

// FindBestOpportunity returns the highest-spread opportunity whose symbol is
// not excluded, or nil.
func (d *Detector) FindBestOpportunity(snapshot core.RateSnapshot, sizeUSD decimal.Decimal, excluded map[string]bool) *core.Opportunity {
	for _, opp := range d.FindOpportunities(snapshot, sizeUSD) {
		if !excluded[opp.Symbol] {
			return opp
		}
	}
	return nil
}

// LastOpportunities returns the opportunities surfaced by the most recent scan.
func (d *Detector) LastOpportunities() []*core.Opportunity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*core.Opportunity, len(d.last))
	copy(out, d.last)
	return out
}

// Evaluation reasons for existing positions.
const (
	ReasonMissingRates  = "Missing rate data"
	ReasonInverted      = "daily spread inverted"
	ReasonStillPositive = "still positive"
	ReasonWithinBand    = "within tolerance"
)

// EvaluateExistingPosition reports whether an open hedge should be kept given
// the current snapshot. Returns keep, the current daily spread, and a reason.
func (d *Detector) EvaluateExistingPosition(snapshot core.RateSnapshot, symbol, longVenue, shortVenue string) (bool, decimal.Decimal, string) {
	longRates, okL := snapshot[longVenue]
	shortRates, okS := snapshot[shortVenue]
	if !okL || !okS {
		return false, decimal.Zero, ReasonMissingRates
	}
	longRate, okL := longRates[symbol]
	shortRate, okS := shortRates[symbol]
	if !okL || !okS {
		return false, decimal.Zero, ReasonMissingRates
	}

	spread := shortRate.DailyRate().Sub(longRate.DailyRate())
	switch {
	case spread.LessThan(d.cfg.NegativeTolerance):
		return false, spread, ReasonInverted
	case spread.GreaterThan(decimal.Zero):
		return true, spread, ReasonStillPositive
	default:
		return true, spread, ReasonWithinBand
	}
}
