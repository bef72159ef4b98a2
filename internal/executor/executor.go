// Package executor places the two legs of a hedge and unwinds them. The
// contract is that no unpaired leg remains after ExecuteEntry returns.
package executor

import (
	"context"
	"sync"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	// depthLevels is the number of book levels summed when ordering legs.
	depthLevels = 5

	defaultPollInterval = 500 * time.Millisecond
)

// User-visible failure messages, also persisted in execution results.
const (
	msgOrderBookMissing     = "Orderbook missing price data (empty bids or asks)"
	msgFirstLegFailed       = "First leg failed to fill"
	msgSecondLegBookMissing = "Second leg orderbook missing price data, first leg closed"
	msgSecondLegFailed      = "Second leg failed, first leg closed"
	msgCloseFailed          = "One or both close orders failed"
	msgUnknownExchange      = "Unknown exchange in opportunity"
)

// Executor opens and closes two-leg hedges across venues.
type Executor struct {
	exchanges map[string]core.IExchange
	cfg       *config.Config
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	// pollInterval is how often an open limit order is re-checked. Tests
	// shrink this.
	pollInterval time.Duration
}

// New creates an executor over the given venue set.
func New(exchanges map[string]core.IExchange, cfg *config.Config, logger core.ILogger) *Executor {
	return &Executor{
		exchanges:    exchanges,
		cfg:          cfg,
		logger:       logger.WithField("component", "executor"),
		metrics:      telemetry.GetGlobalMetrics(),
		pollInterval: defaultPollInterval,
	}
}

type leg struct {
	exchange core.IExchange
	venue    string
	side     core.OrderSide
	mid      decimal.Decimal
	depth    decimal.Decimal
}

// ExecuteEntry opens both legs of the hedge. The lower-depth leg goes first;
// if the second leg fails after the first has filled, the first is closed at
// market before returning. The result is never nil.
func (e *Executor) ExecuteEntry(ctx context.Context, opp *core.Opportunity, sizeUSD decimal.Decimal) *core.ExecutionResult {
	start := time.Now()
	result := &core.ExecutionResult{}
	defer func() {
		result.ElapsedMs = time.Since(start).Milliseconds()
		if result.Success {
			e.recordEntry(ctx)
		} else {
			e.recordEntryFailure(ctx)
		}
	}()

	longEx, okL := e.exchanges[opp.LongExchange]
	shortEx, okS := e.exchanges[opp.ShortExchange]
	if !okL || !okS {
		result.ErrorMessage = msgUnknownExchange
		return result
	}

	e.setLeverage(ctx, longEx, shortEx, opp.Symbol)

	longBook, err := longEx.GetOrderBook(ctx, opp.Symbol, depthLevels)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	shortBook, err := shortEx.GetOrderBook(ctx, opp.Symbol, depthLevels)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	longMid, okL := longBook.MidPrice()
	shortMid, okS := shortBook.MidPrice()
	if !okL || !okS {
		result.ErrorMessage = msgOrderBookMissing
		return result
	}

	// Long leg buys into asks, short leg sells into bids. The leg with the
	// thinner book on the side it must cross is the riskier one and goes
	// first, while no capital is committed yet.
	longLeg := leg{
		exchange: longEx,
		venue:    opp.LongExchange,
		side:     core.SideBuy,
		mid:      longMid,
		depth:    longBook.Depth(core.SideSell, depthLevels),
	}
	shortLeg := leg{
		exchange: shortEx,
		venue:    opp.ShortExchange,
		side:     core.SideSell,
		mid:      shortMid,
		depth:    shortBook.Depth(core.SideBuy, depthLevels),
	}

	first, second := longLeg, shortLeg
	if shortLeg.depth.LessThan(longLeg.depth) {
		first, second = shortLeg, longLeg
	}

	firstResult, err := e.placeAndAwait(ctx, first.exchange, &core.Order{
		Symbol: opp.Symbol,
		Side:   first.side,
		Type:   core.OrderTypeLimit,
		Size:   sizeUSD.Div(first.mid),
		Price:  &first.mid,
	})
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	if firstResult == nil {
		result.ErrorMessage = msgFirstLegFailed
		return result
	}

	// Fresh mid for the second leg; the first leg may have taken time to fill
	secondBook, err := second.exchange.GetOrderBook(ctx, opp.Symbol, depthLevels)
	secondMid := decimal.Zero
	midOK := false
	if err == nil {
		secondMid, midOK = secondBook.MidPrice()
	}
	if !midOK {
		e.emergencyClose(ctx, first.exchange, opp.Symbol, first.side, firstResult.FilledSize)
		result.ErrorMessage = msgSecondLegBookMissing
		return result
	}

	secondResult, err := e.placeAndAwait(ctx, second.exchange, &core.Order{
		Symbol: opp.Symbol,
		Side:   second.side,
		Type:   core.OrderTypeLimit,
		Size:   sizeUSD.Div(secondMid),
		Price:  &secondMid,
	})
	if err != nil || secondResult == nil {
		e.emergencyClose(ctx, first.exchange, opp.Symbol, first.side, firstResult.FilledSize)
		result.ErrorMessage = msgSecondLegFailed
		if err != nil {
			e.logger.Error("Second leg error", "symbol", opp.Symbol, "error", err)
		}
		return result
	}

	if first.side == core.SideBuy {
		result.LongResult, result.ShortResult = firstResult, secondResult
	} else {
		result.LongResult, result.ShortResult = secondResult, firstResult
	}
	result.Success = true
	result.TotalFees = firstResult.Fee.Add(secondResult.Fee)

	e.logger.Info("Entry executed",
		"symbol", opp.Symbol,
		"long_exchange", opp.LongExchange,
		"short_exchange", opp.ShortExchange,
		"size_usd", sizeUSD.String(),
		"elapsed_ms", time.Since(start).Milliseconds())
	return result
}

// ExecuteExit closes both legs concurrently at market with reduce-only set.
// A leg whose close errors yields a nil slot; success requires both.
func (e *Executor) ExecuteExit(ctx context.Context, symbol, longVenue, shortVenue string, longSize, shortSize decimal.Decimal) *core.ExecutionResult {
	start := time.Now()
	result := &core.ExecutionResult{}

	closeLeg := func(venue string, side core.OrderSide, size decimal.Decimal) *core.OrderResult {
		ex, ok := e.exchanges[venue]
		if !ok {
			e.logger.Error("Unknown exchange on exit", "exchange", venue)
			return nil
		}
		res, err := ex.PlaceOrder(ctx, &core.Order{
			Symbol:     symbol,
			Side:       side,
			Type:       core.OrderTypeMarket,
			Size:       size,
			ReduceOnly: true,
		})
		if err != nil {
			e.logger.Error("Close order failed",
				"exchange", venue, "symbol", symbol, "error", err)
			return nil
		}
		return res
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		result.LongResult = closeLeg(longVenue, core.SideSell, longSize)
	}()
	go func() {
		defer wg.Done()
		result.ShortResult = closeLeg(shortVenue, core.SideBuy, shortSize)
	}()
	wg.Wait()

	result.Success = result.LongResult != nil && result.ShortResult != nil
	if result.Success {
		result.TotalFees = result.LongResult.Fee.Add(result.ShortResult.Fee)
		if e.metrics.ExitsTotal != nil {
			e.metrics.ExitsTotal.Add(ctx, 1)
		}
	} else {
		result.ErrorMessage = msgCloseFailed
	}
	result.ElapsedMs = time.Since(start).Milliseconds()
	return result
}

// placeAndAwait places a limit order and polls it until filled, terminal, or
// timed out. A nil result with nil error means the order did not fill; a
// timed-out order is cancelled first.
func (e *Executor) placeAndAwait(ctx context.Context, ex core.IExchange, order *core.Order) (*core.OrderResult, error) {
	placed, err := ex.PlaceOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	if placed.IsFilled() {
		return placed, nil
	}

	timeout := time.Duration(e.cfg.Trading.OrderFillTimeoutSeconds) * time.Second
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.cancelQuietly(ctx, ex, placed.OrderID, order.Symbol)
			return nil, ctx.Err()
		case <-deadline.C:
			e.cancelQuietly(ctx, ex, placed.OrderID, order.Symbol)
			return nil, nil
		case <-ticker.C:
			current, err := ex.GetOrder(ctx, placed.OrderID, order.Symbol)
			if err != nil {
				e.logger.Warn("Order status poll failed",
					"exchange", ex.GetName(), "order_id", placed.OrderID, "error", err)
				continue
			}
			if current.IsFilled() {
				return current, nil
			}
			if !current.IsOpen() {
				return nil, nil
			}
		}
	}
}

// cancelQuietly cancels an open order. Best effort: a failure here is
// logged, never propagated.
func (e *Executor) cancelQuietly(ctx context.Context, ex core.IExchange, orderID, symbol string) {
	if err := ex.CancelOrder(ctx, orderID, symbol); err != nil {
		e.logger.Warn("Order cancel failed",
			"exchange", ex.GetName(), "order_id", orderID, "error", err)
	}
}

// emergencyClose unwinds a filled leg at market. Best effort: a failure here
// is logged, never propagated.
func (e *Executor) emergencyClose(ctx context.Context, ex core.IExchange, symbol string, side core.OrderSide, size decimal.Decimal) {
	_, err := ex.PlaceOrder(ctx, &core.Order{
		Symbol:     symbol,
		Side:       side.Opposite(),
		Type:       core.OrderTypeMarket,
		Size:       size,
		ReduceOnly: true,
	})
	if err != nil {
		e.logger.Error("Emergency close failed",
			"exchange", ex.GetName(), "symbol", symbol, "error", err)
		return
	}
	e.logger.Warn("Emergency closed first leg",
		"exchange", ex.GetName(), "symbol", symbol, "size", size.String())
}

func (e *Executor) setLeverage(ctx context.Context, longEx, shortEx core.IExchange, symbol string) {
	for _, ex := range []core.IExchange{longEx, shortEx} {
		lev := e.cfg.LeverageFor(ex.GetName())
		if err := ex.SetLeverage(ctx, symbol, lev); err != nil {
			// Leverage may already be set, or the venue may not support it
			e.logger.Warn("Failed to set leverage",
				"exchange", ex.GetName(), "symbol", symbol, "leverage", lev, "error", err)
		}
	}
}

func (e *Executor) recordEntry(ctx context.Context) {
	if e.metrics.EntriesTotal != nil {
		e.metrics.EntriesTotal.Add(ctx, 1)
	}
}

func (e *Executor) recordEntryFailure(ctx context.Context) {
	if e.metrics.EntryFailuresTotal != nil {
		e.metrics.EntryFailuresTotal.Add(ctx, 1)
	}
}
