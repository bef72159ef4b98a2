package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the venue-reported state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// PositionSide identifies a hedge leg.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionStatus is the lifecycle state of a hedge position.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "OPEN"
	PositionClosed     PositionStatus = "CLOSED"
	PositionLiquidated PositionStatus = "LIQUIDATED"
)

// TradeAction distinguishes entry fills from exit fills.
type TradeAction string

const (
	TradeActionOpen  TradeAction = "OPEN"
	TradeActionClose TradeAction = "CLOSE"
)

// TradeStatus is the lifecycle state of a recorded trade.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusFilled    TradeStatus = "FILLED"
	TradeStatusCancelled TradeStatus = "CANCELLED"
	TradeStatusFailed    TradeStatus = "FAILED"
)

// EngineState is the coordinator state machine value.
type EngineState string

const (
	EngineStopped  EngineState = "STOPPED"
	EngineStarting EngineState = "STARTING"
	EngineRunning  EngineState = "RUNNING"
	EngineStopping EngineState = "STOPPING"
	EngineError    EngineState = "ERROR"
)

// FundingRate is a funding snapshot for one perpetual contract on one venue.
type FundingRate struct {
	Exchange        string           `json:"exchange"`
	Symbol          string           `json:"symbol"`
	Rate            decimal.Decimal  `json:"rate"`
	PredictedRate   *decimal.Decimal `json:"predicted_rate,omitempty"`
	NextFundingTime time.Time        `json:"next_funding_time"`
	Timestamp       time.Time        `json:"timestamp"`
	IntervalHours   int              `json:"interval_hours"`
	MarkPrice       *decimal.Decimal `json:"mark_price,omitempty"`
	IndexPrice      *decimal.Decimal `json:"index_price,omitempty"`
}

// DailyRate normalizes the rate to a 24h basis. Venues settle funding at
// different intervals, so cross-venue comparison always uses the daily rate.
func (f *FundingRate) DailyRate() decimal.Decimal {
	interval := f.IntervalHours
	if interval <= 0 {
		interval = 8
	}
	periodsPerDay := decimal.NewFromInt(24).Div(decimal.NewFromInt(int64(interval)))
	return f.Rate.Mul(periodsPerDay)
}

// AnnualizedRate returns the daily rate extrapolated to a yearly percentage.
func (f *FundingRate) AnnualizedRate() decimal.Decimal {
	return f.DailyRate().Mul(decimal.NewFromInt(365)).Mul(decimal.NewFromInt(100))
}

// OrderBookLevel is a single price level.
type OrderBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a depth snapshot. Bids are sorted descending, asks ascending.
type OrderBook struct {
	Exchange  string           `json:"exchange"`
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// BestBid returns the highest bid, or false if the bid side is empty.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest ask, or false if the ask side is empty.
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// MidPrice returns (best_bid+best_ask)/2, or false if either side is empty.
func (b *OrderBook) MidPrice() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// Depth sums the sizes of the top n levels on one side.
func (b *OrderBook) Depth(side OrderSide, levels int) decimal.Decimal {
	book := b.Asks
	if side == SideBuy {
		book = b.Bids
	}
	if levels > len(book) {
		levels = len(book)
	}
	total := decimal.Zero
	for _, lvl := range book[:levels] {
		total = total.Add(lvl.Size)
	}
	return total
}

// Order is an order request to a venue.
type Order struct {
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	Type          OrderType        `json:"type"`
	Size          decimal.Decimal  `json:"size"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	ReduceOnly    bool             `json:"reduce_only"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

// OrderResult is the venue's view of a placed order.
type OrderResult struct {
	OrderID       string           `json:"order_id"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Exchange      string           `json:"exchange"`
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	Type          OrderType        `json:"type"`
	Status        OrderStatus      `json:"status"`
	Size          decimal.Decimal  `json:"size"`
	FilledSize    decimal.Decimal  `json:"filled_size"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	AveragePrice  *decimal.Decimal `json:"average_price,omitempty"`
	Fee           decimal.Decimal  `json:"fee"`
	FeeCurrency   string           `json:"fee_currency"`
	Timestamp     time.Time        `json:"timestamp"`
}

// IsFilled reports whether the order is fully filled.
func (r *OrderResult) IsFilled() bool {
	return r.Status == OrderStatusFilled
}

// IsOpen reports whether the order can still fill.
func (r *OrderResult) IsOpen() bool {
	switch r.Status {
	case OrderStatusOpen, OrderStatusPartiallyFilled, OrderStatusPending:
		return true
	}
	return false
}

// FillPrice returns the average fill price, falling back to the limit price.
func (r *OrderResult) FillPrice() decimal.Decimal {
	if r.AveragePrice != nil {
		return *r.AveragePrice
	}
	if r.Price != nil {
		return *r.Price
	}
	return decimal.Zero
}

// VenuePosition is an open position as reported by a venue.
type VenuePosition struct {
	Exchange         string           `json:"exchange"`
	Symbol           string           `json:"symbol"`
	Side             PositionSide     `json:"side"`
	Size             decimal.Decimal  `json:"size"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	MarkPrice        decimal.Decimal  `json:"mark_price"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	Leverage         int              `json:"leverage"`
	MarginType       string           `json:"margin_type"`
	Timestamp        time.Time        `json:"timestamp"`
}

// NotionalValue is the position value in quote currency at the mark price.
func (p *VenuePosition) NotionalValue() decimal.Decimal {
	return p.Size.Mul(p.MarkPrice)
}

// FeeTier is the account's maker/taker fee schedule on a venue.
type FeeTier struct {
	Exchange  string          `json:"exchange"`
	Tier      string          `json:"tier"`
	MakerFee  decimal.Decimal `json:"maker_fee"`
	TakerFee  decimal.Decimal `json:"taker_fee"`
	Timestamp time.Time       `json:"timestamp"`
}

// Balance is the account balance for one currency on a venue.
type Balance struct {
	Currency string          `json:"currency"`
	Total    decimal.Decimal `json:"total"`
	Free     decimal.Decimal `json:"free"`
	Used     decimal.Decimal `json:"used"`
}

// Opportunity is a detected cross-venue funding-rate divergence. Both the raw
// per-interval rates and the daily-normalized forms are kept; broadcasts and
// storage depend on both.
type Opportunity struct {
	Symbol              string          `json:"symbol"`
	LongExchange        string          `json:"long_exchange"`
	ShortExchange       string          `json:"short_exchange"`
	LongIntervalHours   int             `json:"long_interval_hours"`
	ShortIntervalHours  int             `json:"short_interval_hours"`
	LongRate            decimal.Decimal `json:"long_rate"`
	ShortRate           decimal.Decimal `json:"short_rate"`
	LongDailyRate       decimal.Decimal `json:"long_daily_rate"`
	ShortDailyRate      decimal.Decimal `json:"short_daily_rate"`
	Spread              decimal.Decimal `json:"spread"`
	DailySpread         decimal.Decimal `json:"daily_spread"`
	ExpectedDailyProfit decimal.Decimal `json:"expected_daily_profit"`
	AnnualizedAPR       decimal.Decimal `json:"annualized_apr"`
	NextFundingTime     time.Time       `json:"next_funding_time"`
	SecondsToFunding    int64           `json:"seconds_to_funding"`
	DetectedAt          time.Time       `json:"detected_at"`
}

// Position is a two-leg hedge tracked locally. At most one non-terminal
// position may exist per pair.
type Position struct {
	ID                 string           `json:"id"`
	Pair               string           `json:"pair"`
	LongExchange       string           `json:"long_exchange"`
	ShortExchange      string           `json:"short_exchange"`
	SizeUSD            decimal.Decimal  `json:"size_usd"`
	LongSize           *decimal.Decimal `json:"long_size,omitempty"`
	ShortSize          *decimal.Decimal `json:"short_size,omitempty"`
	LongEntryPrice     *decimal.Decimal `json:"long_entry_price,omitempty"`
	ShortEntryPrice    *decimal.Decimal `json:"short_entry_price,omitempty"`
	LeverageLong       int              `json:"leverage_long"`
	LeverageShort      int              `json:"leverage_short"`
	EntryTimestamp     time.Time        `json:"entry_timestamp"`
	EntryFundingSpread decimal.Decimal  `json:"entry_funding_spread"`
	Status             PositionStatus   `json:"status"`
	CloseTimestamp     *time.Time       `json:"close_timestamp,omitempty"`
	RealizedPnL        *decimal.Decimal `json:"realized_pnl,omitempty"`
	FundingCollected   decimal.Decimal  `json:"funding_collected"`
	TotalFees          decimal.Decimal  `json:"total_fees"`
	LongClosePrice     *decimal.Decimal `json:"long_close_price,omitempty"`
	ShortClosePrice    *decimal.Decimal `json:"short_close_price,omitempty"`
	Notes              string           `json:"notes,omitempty"`
}

// IsOpen reports whether the position is non-terminal.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// Trade is one recorded leg fill, entry or exit.
type Trade struct {
	ID           string           `json:"id"`
	PositionID   string           `json:"position_id"`
	Exchange     string           `json:"exchange"`
	Pair         string           `json:"pair"`
	Side         PositionSide     `json:"side"`
	Action       TradeAction      `json:"action"`
	Type         OrderType        `json:"type"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Size         decimal.Decimal  `json:"size"`
	Fee          decimal.Decimal  `json:"fee"`
	VenueOrderID string           `json:"venue_order_id,omitempty"`
	Status       TradeStatus      `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	ExecutedAt   *time.Time       `json:"executed_at,omitempty"`
	LatencyMs    *int64           `json:"latency_ms,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// FundingEvent is one settled funding payment on one leg. PaymentUSD is
// signed from the position's perspective, positive means received.
type FundingEvent struct {
	ID           string          `json:"id"`
	PositionID   string          `json:"position_id"`
	Exchange     string          `json:"exchange"`
	Pair         string          `json:"pair"`
	Side         PositionSide    `json:"side"`
	FundingRate  decimal.Decimal `json:"funding_rate"`
	PaymentUSD   decimal.Decimal `json:"payment_usd"`
	PositionSize decimal.Decimal `json:"position_size"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ExecutionResult is the outcome of a two-leg entry or exit attempt.
type ExecutionResult struct {
	Success      bool            `json:"success"`
	LongResult   *OrderResult    `json:"long_result,omitempty"`
	ShortResult  *OrderResult    `json:"short_result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ElapsedMs    int64           `json:"elapsed_ms"`
	TotalFees    decimal.Decimal `json:"total_fees"`
}

// ExchangeStatus is the scanner's per-venue freshness view.
type ExchangeStatus struct {
	Connected  bool       `json:"connected"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
	SecondsAgo *float64   `json:"seconds_ago,omitempty"`
	Stale      bool       `json:"stale"`
}

// RateSnapshot is the scanner's full cache view, venue then symbol.
type RateSnapshot map[string]map[string]*FundingRate
