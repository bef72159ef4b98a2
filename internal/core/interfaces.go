// Package core defines the shared types and interfaces for the arbitrage engine
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchange defines the venue adapter surface consumed by the engine.
// Implementations must be safe for concurrent calls.
type IExchange interface {
	// Identity
	GetName() string
	IsConnected() bool
	IsTestnet() bool

	// Connection management
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Market data
	GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error)
	GetFundingRates(ctx context.Context, symbols []string) (map[string]*FundingRate, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)

	// Trading
	PlaceOrder(ctx context.Context, order *Order) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	CancelAllOrders(ctx context.Context, symbol string) (int, error)
	GetOrder(ctx context.Context, orderID, symbol string) (*OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*OrderResult, error)

	// Positions
	GetPositions(ctx context.Context) ([]*VenuePosition, error)
	GetPosition(ctx context.Context, symbol string) (*VenuePosition, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Account
	GetBalance(ctx context.Context, currency string) (*Balance, error)
	GetFeeTier(ctx context.Context) (*FeeTier, error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IAlerter sends operator-facing alerts.
type IAlerter interface {
	Alert(ctx context.Context, severity AlertSeverity, title, message string)
}

// AlertSeverity grades alerts for routing.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "INFO"
	AlertWarning  AlertSeverity = "WARNING"
	AlertError    AlertSeverity = "ERROR"
	AlertCritical AlertSeverity = "CRITICAL"
)

// PositionCallback is invoked after a position lifecycle transition.
// Callbacks run sequentially in registration order.
type PositionCallback func(position *Position)

// FeeTable resolves a venue's taker fee for sizing profit estimates.
type FeeTable interface {
	TakerFee(exchange string) decimal.Decimal
}
