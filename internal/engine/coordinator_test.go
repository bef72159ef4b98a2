package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/logging"
	"fundarb/internal/mock"
	"fundarb/internal/store"
	apperrors "fundarb/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const symbol = "BTC/USDT:USDT"

type nopAlerter struct {
	mu     sync.Mutex
	alerts []core.AlertSeverity
}

func (n *nopAlerter) Alert(ctx context.Context, severity core.AlertSeverity, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, severity)
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func book(venue string, mid decimal.Decimal) *core.OrderBook {
	b := &core.OrderBook{Exchange: venue, Symbol: symbol, Timestamp: time.Now().UTC()}
	for i := 1; i <= 5; i++ {
		offset := decimal.NewFromInt(int64(i))
		b.Bids = append(b.Bids, core.OrderBookLevel{Price: mid.Sub(offset), Size: d("10")})
		b.Asks = append(b.Asks, core.OrderBookLevel{Price: mid.Add(offset), Size: d("10")})
	}
	return b
}

func seedVenue(name, rate string, nextFunding time.Time) *mock.Exchange {
	venue := mock.NewExchange(name)
	venue.SetFundingRate(&core.FundingRate{
		Exchange:        name,
		Symbol:          symbol,
		Rate:            d(rate),
		IntervalHours:   8,
		NextFundingTime: nextFunding,
		Timestamp:       time.Now().UTC(),
	})
	venue.SetOrderBook(book(name, d("50000")))
	return venue
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Trading.Pairs = []string{symbol}
	cfg.Trading.OrderFillTimeoutSeconds = 1
	return cfg
}

func newCoordinator(t *testing.T, cfg *config.Config, venues ...*mock.Exchange) (*Coordinator, *nopAlerter) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	exchanges := make(map[string]core.IExchange, len(venues))
	for _, v := range venues {
		exchanges[v.GetName()] = v
	}
	alerter := &nopAlerter{}
	c := New(cfg, exchanges, st, alerter, logging.NewNop())
	t.Cleanup(func() {
		if c.State() == core.EngineRunning || c.State() == core.EngineStarting {
			c.Stop(context.Background())
		}
		c.Close()
	})
	return c, alerter
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestStartStopStateMachine(t *testing.T) {
	// Sub-threshold spread keeps the scan loop from opening anything
	far := time.Now().UTC().Add(time.Hour)
	c, _ := newCoordinator(t, testConfig(),
		seedVenue("binance", "0.0000", far),
		seedVenue("bybit", "0.0001", far))
	ctx := context.Background()

	assert.Equal(t, core.EngineStopped, c.State())
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, core.EngineRunning, c.State())

	// Re-entrant start is a no-op
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, core.EngineRunning, c.State())

	c.Stop(ctx)
	assert.Equal(t, core.EngineStopped, c.State())

	// Stop on a stopped engine is a no-op
	c.Stop(ctx)
	assert.Equal(t, core.EngineStopped, c.State())

	// A stopped engine can be started again
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, core.EngineRunning, c.State())
}

func TestStartFailsWhenVenueUnreachable(t *testing.T) {
	far := time.Now().UTC().Add(time.Hour)
	bad := seedVenue("binance", "-0.0005", far)
	bad.FailWith("Connect", apperrors.ErrNetwork)

	c, _ := newCoordinator(t, testConfig(), bad, seedVenue("bybit", "0.0020", far))
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.EngineError, c.State())
	assert.NotEmpty(t, c.GetStatus(context.Background()).ErrorMessage)
}

func TestStartAbortsOnReconciliationIssues(t *testing.T) {
	far := time.Now().UTC().Add(time.Hour)
	venueA := seedVenue("binance", "-0.0005", far)
	venueB := seedVenue("bybit", "0.0020", far)
	c, _ := newCoordinator(t, testConfig(), venueA, venueB)
	ctx := context.Background()

	// A locally open position with no backing venue positions
	size := d("0.2")
	price := d("50000")
	pos := &core.Position{
		ID: "orphan", Pair: symbol,
		LongExchange: "binance", ShortExchange: "bybit",
		SizeUSD: d("10000"), LongSize: &size, ShortSize: &size,
		LongEntryPrice: &price, ShortEntryPrice: &price,
		LeverageLong: 5, LeverageShort: 5,
		EntryTimestamp: time.Now().UTC(), EntryFundingSpread: d("0.002"),
		Status: core.PositionOpen, FundingCollected: decimal.Zero, TotalFees: d("8"),
	}
	require.NoError(t, c.st.CreatePositionWithTrades(ctx, pos, nil))

	err := c.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrReconciliationFailed))
	assert.Equal(t, core.EngineError, c.State())
}

func TestOpportunityIsExecutedFromScanCallback(t *testing.T) {
	far := time.Now().UTC().Add(time.Hour)
	venueA := seedVenue("binance", "-0.0005", far)
	venueB := seedVenue("bybit", "0.0020", far)
	c, _ := newCoordinator(t, testConfig(), venueA, venueB)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))

	// The seed scan already fired the callback; the position shows up once
	// the pool task finishes
	waitFor(t, 3*time.Second, func() bool {
		open, err := c.positions.GetOpenPositions(ctx)
		return err == nil && len(open) == 1
	})

	open, err := c.positions.GetOpenPositions(ctx)
	require.NoError(t, err)
	pos := open[0]
	assert.Equal(t, symbol, pos.Pair)
	assert.Equal(t, "binance", pos.LongExchange)
	assert.Equal(t, "bybit", pos.ShortExchange)
	assert.True(t, pos.SizeUSD.Equal(d("50000")))

	// A second scan does not double-open the pair
	require.NoError(t, c.ForceScan(ctx))
	time.Sleep(100 * time.Millisecond)
	open, err = c.positions.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestEntryBufferGateBlocksLateEntries(t *testing.T) {
	// Funding in 5 minutes, buffer requires 20
	soon := time.Now().UTC().Add(5 * time.Minute)
	c, _ := newCoordinator(t, testConfig(),
		seedVenue("binance", "-0.0005", soon),
		seedVenue("bybit", "0.0020", soon))
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	time.Sleep(200 * time.Millisecond)

	open, err := c.positions.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestKillSwitchBlocksOpportunities(t *testing.T) {
	far := time.Now().UTC().Add(time.Hour)
	venueA := seedVenue("binance", "-0.0005", far)
	venueB := seedVenue("bybit", "0.0020", far)
	cfg := testConfig()
	c, _ := newCoordinator(t, cfg, venueA, venueB)
	ctx := context.Background()

	// Activation requires explicit confirmation
	require.Error(t, c.ActivateKillSwitch(ctx, "test", false))
	require.NoError(t, c.ActivateKillSwitch(ctx, "test", true))

	require.NoError(t, c.Start(ctx))
	time.Sleep(200 * time.Millisecond)

	open, err := c.positions.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	status := c.GetStatus(ctx)
	assert.True(t, status.KillSwitchActive)

	c.DeactivateKillSwitch()
	require.NoError(t, c.ForceScan(ctx))
	waitFor(t, 3*time.Second, func() bool {
		open, err := c.positions.GetOpenPositions(ctx)
		return err == nil && len(open) == 1
	})
}

func TestManualOpenAndClose(t *testing.T) {
	far := time.Now().UTC().Add(time.Hour)
	cfg := testConfig()
	// Spread too small for auto entry, manual path still allowed
	venueA := seedVenue("binance", "0.0000", far)
	venueB := seedVenue("bybit", "0.0001", far)
	c, _ := newCoordinator(t, cfg, venueA, venueB)
	ctx := context.Background()

	_, err := c.OpenPosition(ctx, symbol, "binance", "bybit", d("10000"))
	assert.True(t, errors.Is(err, apperrors.ErrEngineNotRunning))

	require.NoError(t, c.Start(ctx))

	pos, err := c.OpenPosition(ctx, symbol, "binance", "bybit", d("10000"))
	require.NoError(t, err)
	assert.Equal(t, core.PositionOpen, pos.Status)

	// Duplicate manual open on the same pair fails
	_, err = c.OpenPosition(ctx, symbol, "binance", "bybit", d("10000"))
	require.Error(t, err)

	closed, err := c.ClosePosition(ctx, pos.ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosed, closed.Status)
	assert.NotNil(t, closed.RealizedPnL)

	_, err = c.ClosePosition(ctx, pos.ID, "again")
	assert.True(t, errors.Is(err, apperrors.ErrPositionNotOpen))
}

func TestManualOpenRejectsMissingRates(t *testing.T) {
	far := time.Now().UTC().Add(time.Hour)
	c, _ := newCoordinator(t, testConfig(),
		seedVenue("binance", "0.0000", far),
		seedVenue("bybit", "0.0001", far))
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	_, err := c.OpenPosition(ctx, "ETH/USDT:USDT", "binance", "bybit", d("10000"))
	assert.True(t, errors.Is(err, apperrors.ErrMissingRateData))
}

func TestForceScanRequiresRunning(t *testing.T) {
	far := time.Now().UTC().Add(time.Hour)
	c, _ := newCoordinator(t, testConfig(), seedVenue("binance", "0.0001", far))
	err := c.ForceScan(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrEngineNotRunning))
}

func TestFundingLoopRecordsOncePerWindow(t *testing.T) {
	// Funding tick happened one minute ago
	next := time.Now().UTC().Add(8*time.Hour - time.Minute)
	venueA := seedVenue("binance", "-0.0005", next)
	venueB := seedVenue("bybit", "0.0020", next)

	cfg := testConfig()
	// Keep the detector from opening anything new during this test
	cfg.Trading.MinDailySpreadBase = 1
	c, _ := newCoordinator(t, cfg, venueA, venueB)
	c.fundingInterval = 50 * time.Millisecond
	ctx := context.Background()

	// An open position backed by venue positions so reconciliation passes
	size := d("0.2")
	venueA.SetPosition(&core.VenuePosition{
		Exchange: "binance", Symbol: symbol, Side: core.PositionLong,
		Size: size, EntryPrice: d("50000"), MarkPrice: d("50000"),
	})
	venueB.SetPosition(&core.VenuePosition{
		Exchange: "bybit", Symbol: symbol, Side: core.PositionShort,
		Size: size, EntryPrice: d("50000"), MarkPrice: d("50000"),
	})
	price := d("50000")
	pos := &core.Position{
		ID: "pos-1", Pair: symbol,
		LongExchange: "binance", ShortExchange: "bybit",
		SizeUSD: d("10000"), LongSize: &size, ShortSize: &size,
		LongEntryPrice: &price, ShortEntryPrice: &price,
		LeverageLong: 5, LeverageShort: 5,
		EntryTimestamp: time.Now().UTC(), EntryFundingSpread: d("0.0075"),
		Status: core.PositionOpen, FundingCollected: decimal.Zero, TotalFees: d("8"),
	}
	require.NoError(t, c.st.CreatePositionWithTrades(ctx, pos, nil))

	require.NoError(t, c.Start(ctx))

	// long leg: -0.0005 * 0.2 = -0.0001; short leg: -(0.0020 * 0.2) = -0.0004
	expected := d("-0.0005")
	waitFor(t, 3*time.Second, func() bool {
		got, err := c.positions.GetPosition(ctx, pos.ID)
		return err == nil && got.FundingCollected.Equal(expected)
	})

	// Subsequent ticks within the same window do not double-count
	time.Sleep(200 * time.Millisecond)
	got, err := c.positions.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.FundingCollected.Equal(expected),
		"funding_collected = %s", got.FundingCollected)

	events, err := c.st.GetFundingEvents(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestLiquidationResponse(t *testing.T) {
	far := time.Now().UTC().Add(time.Hour)
	venueA := seedVenue("binance", "-0.0005", far)
	venueB := seedVenue("bybit", "0.0020", far)

	cfg := testConfig()
	cfg.Trading.MinDailySpreadBase = 1
	c, _ := newCoordinator(t, cfg, venueA, venueB)
	c.fundingInterval = 50 * time.Millisecond
	ctx := context.Background()

	size := d("0.2")
	liqPrice := d("56000")
	venueA.SetPosition(&core.VenuePosition{
		Exchange: "binance", Symbol: symbol, Side: core.PositionLong,
		Size: size, EntryPrice: d("50000"), MarkPrice: d("50000"),
	})
	venueB.SetPosition(&core.VenuePosition{
		Exchange: "bybit", Symbol: symbol, Side: core.PositionShort,
		Size: size, EntryPrice: d("50000"), MarkPrice: d("50000"),
		LiquidationPrice: &liqPrice,
	})
	price := d("50000")
	pos := &core.Position{
		ID: "pos-liq", Pair: symbol,
		LongExchange: "binance", ShortExchange: "bybit",
		SizeUSD: d("10000"), LongSize: &size, ShortSize: &size,
		LongEntryPrice: &price, ShortEntryPrice: &price,
		LeverageLong: 5, LeverageShort: 5,
		EntryTimestamp: time.Now().UTC(), EntryFundingSpread: d("0.0075"),
		Status: core.PositionOpen, FundingCollected: decimal.Zero, TotalFees: d("8"),
	}
	require.NoError(t, c.st.CreatePositionWithTrades(ctx, pos, nil))

	require.NoError(t, c.Start(ctx))

	// Let the first liquidation sweep seed its baseline, then vanish the
	// short leg
	time.Sleep(150 * time.Millisecond)
	venueB.RemovePosition(symbol)

	waitFor(t, 3*time.Second, func() bool {
		got, err := c.positions.GetPosition(ctx, pos.ID)
		return err == nil && got.Status == core.PositionLiquidated
	})

	got, err := c.positions.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Notes, "bybit")

	// Surviving long leg was closed at market on binance
	var unwind *core.Order
	for _, order := range venueA.PlacedOrders() {
		if order.ReduceOnly {
			unwind = order
		}
	}
	require.NotNil(t, unwind)
	assert.Equal(t, core.SideSell, unwind.Side)
	assert.Equal(t, core.OrderTypeMarket, unwind.Type)

	// Pair enters cooldown
	assert.True(t, c.risk.IsPairPaused(symbol))
}
