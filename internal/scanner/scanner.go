// Package scanner maintains a cache of per-venue funding rates and refreshes
// it on a fixed poll interval.
package scanner

import (
	"context"
	"sync"
	"time"

	"fundarb/internal/core"
	"fundarb/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

const (
	// PollInterval is the refresh cadence.
	PollInterval = 30 * time.Second
	// StaleAfter marks a venue stale when its last update is older than this.
	StaleAfter = 120 * time.Second

	fetchTimeout = 15 * time.Second
	errorBackoff = 5 * time.Second
)

// UpdateFunc receives the full rate snapshot after each refresh. The next
// poll tick waits for the callback to return.
type UpdateFunc func(ctx context.Context, snapshot core.RateSnapshot) error

// Scanner polls all venues concurrently and keeps the latest FundingRate per
// (venue, symbol).
type Scanner struct {
	exchanges map[string]core.IExchange
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	mu         sync.RWMutex
	rates      core.RateSnapshot
	lastUpdate map[string]time.Time
	symbols    []string
	running    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scanner over the given venue set.
func New(exchanges map[string]core.IExchange, logger core.ILogger) *Scanner {
	return &Scanner{
		exchanges:  exchanges,
		logger:     logger.WithField("component", "scanner"),
		metrics:    telemetry.GetGlobalMetrics(),
		rates:      make(core.RateSnapshot),
		lastUpdate: make(map[string]time.Time),
	}
}

// Start seeds the cache with one synchronous fetch, invokes the callback
// once, then begins background polling. Safe to call once per Stop.
func (s *Scanner) Start(ctx context.Context, symbols []string, onUpdate UpdateFunc) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.symbols = append([]string(nil), symbols...)
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	// Seed fetch before the loop starts
	s.refresh(ctx, onUpdate)

	go s.loop(loopCtx, onUpdate)

	s.logger.Info("Scanner started", "symbols", len(symbols), "exchanges", len(s.exchanges))
	return nil
}

// Stop cancels polling. Safe to call from any state.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.done
	s.logger.Info("Scanner stopped")
}

func (s *Scanner) loop(ctx context.Context, onUpdate UpdateFunc) {
	defer close(s.done)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx, onUpdate)
		}
	}
}

// ForceScan runs one synchronous fetch+callback cycle.
func (s *Scanner) ForceScan(ctx context.Context, onUpdate UpdateFunc) {
	s.refresh(ctx, onUpdate)
}

// refresh fetches all venues concurrently, merges successes into the cache,
// and invokes the callback once with the merged snapshot.
func (s *Scanner) refresh(ctx context.Context, onUpdate UpdateFunc) {
	s.mu.RLock()
	symbols := s.symbols
	s.mu.RUnlock()

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	type venueResult struct {
		venue string
		rates map[string]*core.FundingRate
	}

	results := make(chan venueResult, len(s.exchanges))
	g, gctx := errgroup.WithContext(fetchCtx)

	for name, ex := range s.exchanges {
		name, ex := name, ex
		g.Go(func() error {
			rates, err := ex.GetFundingRates(gctx, symbols)
			if err != nil {
				// One venue failing must not affect others
				s.logger.Warn("Funding rate fetch failed", "exchange", name, "error", err)
				return nil
			}
			results <- venueResult{venue: name, rates: rates}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	now := time.Now().UTC()
	s.mu.Lock()
	for res := range results {
		if s.rates[res.venue] == nil {
			s.rates[res.venue] = make(map[string]*core.FundingRate)
		}
		for symbol, rate := range res.rates {
			s.rates[res.venue][symbol] = rate
		}
		s.lastUpdate[res.venue] = now
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if s.metrics.ScansTotal != nil {
		s.metrics.ScansTotal.Add(ctx, 1)
	}

	if onUpdate != nil {
		if err := onUpdate(ctx, snapshot); err != nil {
			s.logger.Error("Rate update callback failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(errorBackoff):
			}
		}
	}
}

// snapshotLocked deep-copies the cache. Caller holds at least a read lock.
func (s *Scanner) snapshotLocked() core.RateSnapshot {
	out := make(core.RateSnapshot, len(s.rates))
	for venue, bySymbol := range s.rates {
		out[venue] = make(map[string]*core.FundingRate, len(bySymbol))
		for symbol, rate := range bySymbol {
			out[venue][symbol] = rate
		}
	}
	return out
}

// Rate returns the cached rate for one (venue, symbol), or false.
func (s *Scanner) Rate(venue, symbol string) (*core.FundingRate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySymbol, ok := s.rates[venue]
	if !ok {
		return nil, false
	}
	rate, ok := bySymbol[symbol]
	return rate, ok
}

// Rates returns a copy of the full cache.
func (s *Scanner) Rates() core.RateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// RatesForSymbol returns venue → rate for one symbol.
func (s *Scanner) RatesForSymbol(symbol string) map[string]*core.FundingRate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*core.FundingRate)
	for venue, bySymbol := range s.rates {
		if rate, ok := bySymbol[symbol]; ok {
			out[venue] = rate
		}
	}
	return out
}

// NextFundingTime returns the earliest next funding time across venues for a
// symbol, or false when no venue has a rate.
func (s *Scanner) NextFundingTime(symbol string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var min time.Time
	found := false
	for _, bySymbol := range s.rates {
		rate, ok := bySymbol[symbol]
		if !ok {
			continue
		}
		if !found || rate.NextFundingTime.Before(min) {
			min = rate.NextFundingTime
			found = true
		}
	}
	return min, found
}

// TimeToFunding returns the duration until the earliest funding tick.
func (s *Scanner) TimeToFunding(symbol string) (time.Duration, bool) {
	next, ok := s.NextFundingTime(symbol)
	if !ok {
		return 0, false
	}
	return time.Until(next), true
}

// ExchangeStatus reports per-venue connection and freshness state.
func (s *Scanner) ExchangeStatus() map[string]core.ExchangeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	out := make(map[string]core.ExchangeStatus, len(s.exchanges))
	for name, ex := range s.exchanges {
		status := core.ExchangeStatus{
			Connected: ex.IsConnected(),
			Stale:     true,
		}
		if last, ok := s.lastUpdate[name]; ok {
			ago := now.Sub(last).Seconds()
			lastCopy := last
			status.LastUpdate = &lastCopy
			status.SecondsAgo = &ago
			status.Stale = now.Sub(last) > StaleAfter
		}
		out[name] = status
	}
	return out
}
