package position

import (
	"context"
	"errors"
	"path/filepath"
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

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestManager(t *testing.T) (*Manager, *mock.Exchange, *mock.Exchange) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	long := mock.NewExchange("binance")
	short := mock.NewExchange("bybit")
	exchanges := map[string]core.IExchange{"binance": long, "bybit": short}
	return NewManager(s, exchanges, config.DefaultConfig(), logging.NewNop()), long, short
}

func orderResult(venue string, side core.OrderSide, price, size, fee string) *core.OrderResult {
	avg := d(price)
	return &core.OrderResult{
		OrderID:      "ord-" + venue,
		Exchange:     venue,
		Symbol:       symbol,
		Side:         side,
		Type:         core.OrderTypeLimit,
		Status:       core.OrderStatusFilled,
		Size:         d(size),
		FilledSize:   d(size),
		AveragePrice: &avg,
		Fee:          d(fee),
		Timestamp:    time.Now().UTC(),
	}
}

func entryResult() *core.ExecutionResult {
	return &core.ExecutionResult{
		Success:     true,
		LongResult:  orderResult("binance", core.SideBuy, "50000", "0.2", "4"),
		ShortResult: orderResult("bybit", core.SideSell, "50010", "0.2", "4"),
		TotalFees:   d("8"),
	}
}

func testOpportunity() *core.Opportunity {
	return &core.Opportunity{
		Symbol:        symbol,
		LongExchange:  "binance",
		ShortExchange: "bybit",
		DailySpread:   d("0.0025"),
	}
}

func TestCreatePosition(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pos, err := m.CreatePosition(ctx, testOpportunity(), entryResult(), d("10000"))
	require.NoError(t, err)

	assert.Equal(t, core.PositionOpen, pos.Status)
	assert.Equal(t, "binance", pos.LongExchange)
	assert.True(t, pos.LongEntryPrice.Equal(d("50000")))
	assert.True(t, pos.ShortEntryPrice.Equal(d("50010")))
	assert.True(t, pos.LongSize.Equal(d("0.2")))
	assert.True(t, pos.TotalFees.Equal(d("8")))
	assert.True(t, pos.EntryFundingSpread.Equal(d("0.0025")))
	assert.Equal(t, 5, pos.LeverageLong)
	assert.Equal(t, 5, pos.LeverageShort)

	stored, err := m.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.Pair, stored.Pair)

	byPair, err := m.GetPositionForPair(ctx, symbol)
	require.NoError(t, err)
	require.NotNil(t, byPair)
	assert.Equal(t, pos.ID, byPair.ID)
}

func TestCreatePositionRejectsBadExecutionResult(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	cases := map[string]*core.ExecutionResult{
		"nil result": nil,
		"failed": {
			Success:    false,
			LongResult: orderResult("binance", core.SideBuy, "50000", "0.2", "4"),
		},
		"missing short leg": {
			Success:    true,
			LongResult: orderResult("binance", core.SideBuy, "50000", "0.2", "4"),
		},
	}
	for name, exec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.CreatePosition(ctx, testOpportunity(), exec, d("10000"))
			assert.True(t, errors.Is(err, apperrors.ErrInvalidExecutionResult))
		})
	}
}

func TestCreatePositionEnforcesOneOpenPerPair(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreatePosition(ctx, testOpportunity(), entryResult(), d("10000"))
	require.NoError(t, err)

	_, err = m.CreatePosition(ctx, testOpportunity(), entryResult(), d("10000"))
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateOpenPosition))
}

func TestClosePositionSettlesPnL(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pos, err := m.CreatePosition(ctx, testOpportunity(), entryResult(), d("10000"))
	require.NoError(t, err)

	require.NoError(t, m.RecordFundingPayment(ctx, pos.ID, "bybit",
		core.PositionShort, d("0.0001"), d("5"), d("0.2")))

	exit := &core.ExecutionResult{
		Success:     true,
		LongResult:  orderResult("binance", core.SideSell, "51000", "0.2", "4"),
		ShortResult: orderResult("bybit", core.SideBuy, "50900", "0.2", "4"),
	}
	closed, err := m.ClosePosition(ctx, pos.ID, exit)
	require.NoError(t, err)

	// long: (51000-50000)*0.2 = 200, short: (50010-50900)*0.2 = -178
	// realized = 200 - 178 + 5 funding - 16 fees = 11
	assert.Equal(t, core.PositionClosed, closed.Status)
	require.NotNil(t, closed.RealizedPnL)
	assert.True(t, closed.RealizedPnL.Equal(d("11")), "pnl = %s", closed.RealizedPnL)
	assert.True(t, closed.TotalFees.Equal(d("16")))
	assert.True(t, closed.LongClosePrice.Equal(d("51000")))
	assert.NotNil(t, closed.CloseTimestamp)

	// Close trades were recorded alongside the entry trades
	trades, err := m.store.GetTradesForPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 4)

	// A closed position cannot be closed again
	_, err = m.ClosePosition(ctx, pos.ID, exit)
	assert.True(t, errors.Is(err, apperrors.ErrPositionNotOpen))
}

func TestClosePositionNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.ClosePosition(context.Background(), "nope", entryResult())
	assert.True(t, errors.Is(err, apperrors.ErrPositionNotFound))
}

func TestMarkLiquidated(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pos, err := m.CreatePosition(ctx, testOpportunity(), entryResult(), d("10000"))
	require.NoError(t, err)

	// Long leg liquidated on binance; short leg closed at market
	surviving := orderResult("bybit", core.SideBuy, "48000", "0.2", "4")
	liq, err := m.MarkLiquidated(ctx, pos.ID, "binance", surviving)
	require.NoError(t, err)

	// short pnl: (50010-48000)*0.2 = 402; realized = 402 + 0 - 12
	assert.Equal(t, core.PositionLiquidated, liq.Status)
	require.NotNil(t, liq.RealizedPnL)
	assert.True(t, liq.RealizedPnL.Equal(d("390")), "pnl = %s", liq.RealizedPnL)
	assert.Contains(t, liq.Notes, "binance")
	assert.True(t, liq.ShortClosePrice.Equal(d("48000")))
}

func TestRecordFundingPaymentAccrues(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pos, err := m.CreatePosition(ctx, testOpportunity(), entryResult(), d("10000"))
	require.NoError(t, err)

	require.NoError(t, m.RecordFundingPayment(ctx, pos.ID, "binance",
		core.PositionLong, d("0.0001"), d("-1.5"), d("0.2")))
	require.NoError(t, m.RecordFundingPayment(ctx, pos.ID, "bybit",
		core.PositionShort, d("0.0001"), d("2.5"), d("0.2")))

	got, err := m.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.FundingCollected.Equal(d("1.0")))

	last, err := m.LastFundingEvent(ctx, pos.ID, "bybit")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.PaymentUSD.Equal(d("2.5")))
}

func TestReconcileWithExchanges(t *testing.T) {
	m, long, short := newTestManager(t)
	ctx := context.Background()

	pos, err := m.CreatePosition(ctx, testOpportunity(), entryResult(), d("10000"))
	require.NoError(t, err)

	// Both legs present on their venues
	long.SetPosition(&core.VenuePosition{
		Exchange: "binance", Symbol: symbol, Side: core.PositionLong,
		Size: d("0.2"), EntryPrice: d("50000"), MarkPrice: d("50000"),
	})
	short.SetPosition(&core.VenuePosition{
		Exchange: "bybit", Symbol: symbol, Side: core.PositionShort,
		Size: d("0.2"), EntryPrice: d("50010"), MarkPrice: d("50010"),
	})

	issues, err := m.ReconcileWithExchanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)

	// One leg vanishes from its venue
	short.RemovePosition(symbol)
	issues, err = m.ReconcileWithExchanges(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], pos.ID)
	assert.Contains(t, issues[0], "bybit")
}
