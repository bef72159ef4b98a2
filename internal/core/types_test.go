package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestFundingRateDailyRate(t *testing.T) {
	tests := []struct {
		name     string
		rate     string
		interval int
		want     string
	}{
		{"8h positive", "0.0001", 8, "0.0003"},
		{"8h negative", "-0.0005", 8, "-0.0015"},
		{"1h", "-0.00005", 1, "-0.0012"},
		{"4h", "0.0002", 4, "0.0012"},
		{"zero interval falls back to 8h", "0.0001", 0, "0.0003"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := &FundingRate{Rate: d(tt.rate), IntervalHours: tt.interval}
			assert.True(t, fr.DailyRate().Equal(d(tt.want)),
				"got %s want %s", fr.DailyRate(), tt.want)
		})
	}
}

func TestFundingRateAnnualized(t *testing.T) {
	fr := &FundingRate{Rate: d("0.0001"), IntervalHours: 8}
	// 0.0003 daily * 365 * 100
	assert.True(t, fr.AnnualizedRate().Equal(d("10.95")))
}

func TestOrderBookMidAndDepth(t *testing.T) {
	book := &OrderBook{
		Exchange: "binance",
		Symbol:   "BTC/USDT:USDT",
		Bids: []OrderBookLevel{
			{Price: d("49999"), Size: d("1.0")},
			{Price: d("49998"), Size: d("2.0")},
			{Price: d("49997"), Size: d("3.0")},
		},
		Asks: []OrderBookLevel{
			{Price: d("50001"), Size: d("0.5")},
			{Price: d("50002"), Size: d("1.5")},
		},
		Timestamp: time.Now(),
	}

	mid, ok := book.MidPrice()
	assert.True(t, ok)
	assert.True(t, mid.Equal(d("50000")))

	assert.True(t, book.Depth(SideBuy, 5).Equal(d("6.0")))
	assert.True(t, book.Depth(SideSell, 5).Equal(d("2.0")))
	assert.True(t, book.Depth(SideBuy, 2).Equal(d("3.0")))
}

func TestOrderBookEmptySide(t *testing.T) {
	book := &OrderBook{
		Bids: []OrderBookLevel{{Price: d("100"), Size: d("1")}},
	}
	_, ok := book.MidPrice()
	assert.False(t, ok)
	_, ok = book.BestAsk()
	assert.False(t, ok)
}

func TestOrderSideOpposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestOrderResultFillPrice(t *testing.T) {
	avg := d("50123.5")
	limit := d("50000")

	r := &OrderResult{AveragePrice: &avg, Price: &limit}
	assert.True(t, r.FillPrice().Equal(avg))

	r = &OrderResult{Price: &limit}
	assert.True(t, r.FillPrice().Equal(limit))

	r = &OrderResult{}
	assert.True(t, r.FillPrice().IsZero())
}

func TestOrderResultStates(t *testing.T) {
	open := &OrderResult{Status: OrderStatusPartiallyFilled}
	assert.True(t, open.IsOpen())
	assert.False(t, open.IsFilled())

	filled := &OrderResult{Status: OrderStatusFilled}
	assert.False(t, filled.IsOpen())
	assert.True(t, filled.IsFilled())

	cancelled := &OrderResult{Status: OrderStatusCancelled}
	assert.False(t, cancelled.IsOpen())
	assert.False(t, cancelled.IsFilled())
}
