// Package store provides the durable repository for positions, trades,
// funding events, and key-value engine state.
package store

import (
	"context"

	"fundarb/internal/core"
)

// Store is the transactional repository consumed by the position manager and
// coordinator. Multi-row operations commit atomically before returning.
type Store interface {
	// CreatePositionWithTrades persists a new position and its entry trades
	// in one transaction. Fails if an OPEN position already exists for the
	// pair.
	CreatePositionWithTrades(ctx context.Context, pos *core.Position, trades []*core.Trade) error

	// UpdatePositionWithTrades persists a terminal transition (close or
	// liquidation) and its exit trades in one transaction.
	UpdatePositionWithTrades(ctx context.Context, pos *core.Position, trades []*core.Trade) error

	// RecordFunding inserts a funding event and increments the position's
	// funding_collected in one transaction.
	RecordFunding(ctx context.Context, event *core.FundingEvent) error

	GetPosition(ctx context.Context, id string) (*core.Position, error)
	GetOpenPositionForPair(ctx context.Context, pair string) (*core.Position, error)
	GetOpenPositions(ctx context.Context) ([]*core.Position, error)
	GetPositions(ctx context.Context, limit int) ([]*core.Position, error)

	GetTradesForPosition(ctx context.Context, positionID string) ([]*core.Trade, error)
	GetFundingEvents(ctx context.Context, positionID string) ([]*core.FundingEvent, error)
	LastFundingEventTime(ctx context.Context, positionID, exchange string) (*core.FundingEvent, error)

	SetState(ctx context.Context, key, value string) error
	GetState(ctx context.Context, key string) (string, error)

	Close() error
}
