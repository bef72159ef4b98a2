package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/logging"
	"fundarb/internal/mock"
	apperrors "fundarb/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const symbol = "BTC/USDT:USDT"

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []core.AlertSeverity
}

func (r *recordingAlerter) Alert(ctx context.Context, severity core.AlertSeverity, title, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, severity)
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestManager(venues ...*mock.Exchange) (*Manager, *recordingAlerter) {
	exchanges := make(map[string]core.IExchange, len(venues))
	for _, v := range venues {
		exchanges[v.GetName()] = v
	}
	alerter := &recordingAlerter{}
	cfg := Config{
		MaxPositionPerPairUSD: d("50000"),
		PairCooldown:          time.Hour,
	}
	return NewManager(cfg, exchanges, alerter, logging.NewNop()), alerter
}

func venuePosition(venue string, side core.PositionSide, size string, liqPrice *decimal.Decimal) *core.VenuePosition {
	return &core.VenuePosition{
		Exchange:         venue,
		Symbol:           symbol,
		Side:             side,
		Size:             d(size),
		EntryPrice:       d("50000"),
		MarkPrice:        d("50000"),
		LiquidationPrice: liqPrice,
		Timestamp:        time.Now().UTC(),
	}
}

func TestCanOpenPositionChecks(t *testing.T) {
	m, _ := newTestManager(mock.NewExchange("binance"))

	ok, reason := m.CanOpenPosition(symbol, d("10000"))
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = m.CanOpenPosition(symbol, d("50001"))
	assert.False(t, ok)
	assert.Equal(t, ReasonSizeExceeded, reason)

	m.PausePair(symbol, time.Hour)
	ok, reason = m.CanOpenPosition(symbol, d("10000"))
	assert.False(t, ok)
	assert.Equal(t, ReasonPairPaused, reason)

	// Kill switch takes precedence over everything
	m.ActivateKillSwitch(context.Background(), "test")
	ok, reason = m.CanOpenPosition("ETH/USDT:USDT", d("10000"))
	assert.False(t, ok)
	assert.Equal(t, ReasonKillSwitch, reason)
}

func TestPairPauseSelfEvicts(t *testing.T) {
	m, _ := newTestManager(mock.NewExchange("binance"))

	m.PausePair(symbol, 10*time.Millisecond)
	assert.True(t, m.IsPairPaused(symbol))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, m.IsPairPaused(symbol))

	// Evicted on read, gone from the status view
	assert.Empty(t, m.RiskStatus().PausedPairs)
}

func TestKillSwitchFlattensAccount(t *testing.T) {
	venue := mock.NewExchange("binance")
	venue.SetOrderBook(&core.OrderBook{
		Exchange: "binance", Symbol: symbol,
		Bids: []core.OrderBookLevel{{Price: d("49999"), Size: d("10")}},
		Asks: []core.OrderBookLevel{{Price: d("50001"), Size: d("10")}},
	})
	venue.SetPosition(venuePosition("binance", core.PositionLong, "0.5", nil))

	m, alerter := newTestManager(venue)
	m.ActivateKillSwitch(context.Background(), "manual")

	assert.False(t, m.IsTradingEnabled())
	assert.Equal(t, 1, venue.CancelAllCalls())

	orders := venue.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.SideSell, orders[0].Side)
	assert.Equal(t, core.OrderTypeMarket, orders[0].Type)
	assert.True(t, orders[0].ReduceOnly)
	assert.True(t, orders[0].Size.Equal(d("0.5")))
	assert.Equal(t, 1, alerter.count())

	// Idempotent: a second activation does nothing more
	m.ActivateKillSwitch(context.Background(), "again")
	assert.Equal(t, 1, venue.CancelAllCalls())
	assert.Equal(t, 1, alerter.count())

	// No auto-reset; only an explicit deactivation re-enables trading
	status := m.RiskStatus()
	assert.True(t, status.KillSwitchActive)
	require.NotNil(t, status.KillSwitchActivatedAt)

	m.DeactivateKillSwitch()
	assert.True(t, m.IsTradingEnabled())
}

func TestKillSwitchSurvivesVenueFailures(t *testing.T) {
	bad := mock.NewExchange("binance")
	bad.FailWith("CancelAllOrders", apperrors.ErrNetwork)
	bad.FailWith("GetPositions", apperrors.ErrNetwork)

	good := mock.NewExchange("bybit")
	good.SetOrderBook(&core.OrderBook{
		Exchange: "bybit", Symbol: symbol,
		Bids: []core.OrderBookLevel{{Price: d("49999"), Size: d("10")}},
		Asks: []core.OrderBookLevel{{Price: d("50001"), Size: d("10")}},
	})
	good.SetPosition(venuePosition("bybit", core.PositionShort, "0.5", nil))

	m, _ := newTestManager(bad, good)
	m.ActivateKillSwitch(context.Background(), "venue down")

	// The healthy venue still got flattened
	orders := good.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.SideBuy, orders[0].Side)
	assert.False(t, m.IsTradingEnabled())
}

func TestCheckForLiquidationsDetectsVanishedPosition(t *testing.T) {
	venue := mock.NewExchange("binance")
	liqPrice := d("45000")
	venue.SetPosition(venuePosition("binance", core.PositionLong, "0.5", &liqPrice))

	m, _ := newTestManager(venue)
	ctx := context.Background()

	// First pass seeds the snapshot
	assert.Empty(t, m.CheckForLiquidations(ctx))

	// Position vanishes with a liquidation price on record
	venue.RemovePosition(symbol)
	detected := m.CheckForLiquidations(ctx)
	require.Len(t, detected, 1)
	assert.Equal(t, "binance", detected[0].Exchange)
	assert.Equal(t, symbol, detected[0].Symbol)
	assert.True(t, detected[0].Size.Equal(d("0.5")))

	// Already absent in the new baseline, not re-reported
	assert.Empty(t, m.CheckForLiquidations(ctx))
}

func TestCheckForLiquidationsIgnoresPositionsWithoutLiqPrice(t *testing.T) {
	venue := mock.NewExchange("binance")
	venue.SetPosition(venuePosition("binance", core.PositionLong, "0.5", nil))

	m, _ := newTestManager(venue)
	ctx := context.Background()

	assert.Empty(t, m.CheckForLiquidations(ctx))
	venue.RemovePosition(symbol)
	assert.Empty(t, m.CheckForLiquidations(ctx))
}

func TestHandleLiquidationClosesSurvivorAndPauses(t *testing.T) {
	venue := mock.NewExchange("bybit")
	venue.SetOrderBook(&core.OrderBook{
		Exchange: "bybit", Symbol: symbol,
		Bids: []core.OrderBookLevel{{Price: d("49999"), Size: d("10")}},
		Asks: []core.OrderBookLevel{{Price: d("50001"), Size: d("10")}},
	})

	m, alerter := newTestManager(venue)
	result, err := m.HandleLiquidation(context.Background(),
		"binance", "bybit", symbol, core.PositionShort, d("0.5"))
	require.NoError(t, err)
	require.NotNil(t, result)

	orders := venue.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.SideBuy, orders[0].Side)
	assert.True(t, orders[0].ReduceOnly)

	assert.True(t, m.IsPairPaused(symbol))
	assert.Equal(t, 1, alerter.count())
}

func TestHandleLiquidationPausesEvenWhenCloseFails(t *testing.T) {
	venue := mock.NewExchange("bybit")
	venue.FailWith("PlaceOrder", apperrors.ErrNetwork)

	m, _ := newTestManager(venue)
	_, err := m.HandleLiquidation(context.Background(),
		"binance", "bybit", symbol, core.PositionShort, d("0.5"))
	require.Error(t, err)

	assert.True(t, m.IsPairPaused(symbol))
}
