// Package position owns the durable position lifecycle. Every mutating
// operation commits a repository transaction before returning.
package position

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/store"
	apperrors "fundarb/pkg/errors"
	"fundarb/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Manager persists positions, trades and funding events through the store.
type Manager struct {
	store     store.Store
	exchanges map[string]core.IExchange
	cfg       *config.Config
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
}

// NewManager creates a position manager over the store and venue set.
func NewManager(s store.Store, exchanges map[string]core.IExchange, cfg *config.Config, logger core.ILogger) *Manager {
	return &Manager{
		store:     s,
		exchanges: exchanges,
		cfg:       cfg,
		logger:    logger.WithField("component", "position_manager"),
		metrics:   telemetry.GetGlobalMetrics(),
	}
}

// CreatePosition records a freshly opened hedge with its two entry trades.
// The execution result must be successful with both legs present. At most one
// open position may exist per pair; a second create fails atomically.
func (m *Manager) CreatePosition(ctx context.Context, opp *core.Opportunity, exec *core.ExecutionResult, sizeUSD decimal.Decimal) (*core.Position, error) {
	if exec == nil || !exec.Success || exec.LongResult == nil || exec.ShortResult == nil {
		return nil, apperrors.ErrInvalidExecutionResult
	}

	now := time.Now().UTC()
	longSize := exec.LongResult.FilledSize
	shortSize := exec.ShortResult.FilledSize
	longEntry := exec.LongResult.FillPrice()
	shortEntry := exec.ShortResult.FillPrice()
	totalFees := exec.LongResult.Fee.Add(exec.ShortResult.Fee)

	pos := &core.Position{
		ID:                 uuid.NewString(),
		Pair:               opp.Symbol,
		LongExchange:       opp.LongExchange,
		ShortExchange:      opp.ShortExchange,
		SizeUSD:            sizeUSD,
		LongSize:           &longSize,
		ShortSize:          &shortSize,
		LongEntryPrice:     &longEntry,
		ShortEntryPrice:    &shortEntry,
		LeverageLong:       m.cfg.LeverageFor(opp.LongExchange),
		LeverageShort:      m.cfg.LeverageFor(opp.ShortExchange),
		EntryTimestamp:     now,
		EntryFundingSpread: opp.DailySpread,
		Status:             core.PositionOpen,
		FundingCollected:   decimal.Zero,
		TotalFees:          totalFees,
	}

	trades := []*core.Trade{
		m.tradeFromLeg(pos, exec.LongResult, core.PositionLong, core.TradeActionOpen, now),
		m.tradeFromLeg(pos, exec.ShortResult, core.PositionShort, core.TradeActionOpen, now),
	}

	if err := m.store.CreatePositionWithTrades(ctx, pos, trades); err != nil {
		return nil, fmt.Errorf("create position for %s: %w", opp.Symbol, err)
	}

	if m.metrics.FeesPaidTotal != nil {
		fees, _ := totalFees.Float64()
		m.metrics.FeesPaidTotal.Add(ctx, fees)
	}
	m.logger.Info("Position created",
		"position_id", pos.ID,
		"pair", pos.Pair,
		"long_exchange", pos.LongExchange,
		"short_exchange", pos.ShortExchange,
		"size_usd", sizeUSD.String())
	return pos, nil
}

// ClosePosition records the exit trades and settles realized P&L:
// leg P&L plus accrued funding minus all fees.
func (m *Manager) ClosePosition(ctx context.Context, positionID string, exec *core.ExecutionResult) (*core.Position, error) {
	pos, err := m.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("position %s: %w", positionID, apperrors.ErrPositionNotOpen)
	}

	now := time.Now().UTC()
	var trades []*core.Trade
	closeFees := decimal.Zero
	longPnL := decimal.Zero
	shortPnL := decimal.Zero

	if exec != nil && exec.LongResult != nil {
		closePrice := exec.LongResult.FillPrice()
		pos.LongClosePrice = &closePrice
		closeFees = closeFees.Add(exec.LongResult.Fee)
		trades = append(trades, m.tradeFromLeg(pos, exec.LongResult, core.PositionLong, core.TradeActionClose, now))
		if pos.LongEntryPrice != nil && pos.LongSize != nil {
			longPnL = closePrice.Sub(*pos.LongEntryPrice).Mul(*pos.LongSize)
		}
	}
	if exec != nil && exec.ShortResult != nil {
		closePrice := exec.ShortResult.FillPrice()
		pos.ShortClosePrice = &closePrice
		closeFees = closeFees.Add(exec.ShortResult.Fee)
		trades = append(trades, m.tradeFromLeg(pos, exec.ShortResult, core.PositionShort, core.TradeActionClose, now))
		if pos.ShortEntryPrice != nil && pos.ShortSize != nil {
			shortPnL = pos.ShortEntryPrice.Sub(closePrice).Mul(*pos.ShortSize)
		}
	}

	pos.TotalFees = pos.TotalFees.Add(closeFees)
	realized := longPnL.Add(shortPnL).Add(pos.FundingCollected).Sub(pos.TotalFees)
	pos.RealizedPnL = &realized
	pos.Status = core.PositionClosed
	pos.CloseTimestamp = &now

	if err := m.store.UpdatePositionWithTrades(ctx, pos, trades); err != nil {
		return nil, fmt.Errorf("close position %s: %w", positionID, err)
	}

	if m.metrics.PnLRealizedTotal != nil {
		pnl, _ := realized.Float64()
		m.metrics.PnLRealizedTotal.Add(ctx, pnl)
	}
	m.logger.Info("Position closed",
		"position_id", pos.ID,
		"pair", pos.Pair,
		"realized_pnl", realized.String())
	return pos, nil
}

// MarkLiquidated terminates a position whose leg was liquidated on a venue.
// Realized P&L keeps accrued funding minus fees, plus whatever the surviving
// leg's close contributed.
func (m *Manager) MarkLiquidated(ctx context.Context, positionID, liquidatedVenue string, survivingClose *core.OrderResult) (*core.Position, error) {
	pos, err := m.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("position %s: %w", positionID, apperrors.ErrPositionNotOpen)
	}

	now := time.Now().UTC()
	var trades []*core.Trade
	survivingPnL := decimal.Zero

	if survivingClose != nil {
		closePrice := survivingClose.FillPrice()
		pos.TotalFees = pos.TotalFees.Add(survivingClose.Fee)
		if liquidatedVenue == pos.LongExchange {
			// Short leg survived
			pos.ShortClosePrice = &closePrice
			if pos.ShortEntryPrice != nil && pos.ShortSize != nil {
				survivingPnL = pos.ShortEntryPrice.Sub(closePrice).Mul(*pos.ShortSize)
			}
			trades = append(trades, m.tradeFromLeg(pos, survivingClose, core.PositionShort, core.TradeActionClose, now))
		} else {
			pos.LongClosePrice = &closePrice
			if pos.LongEntryPrice != nil && pos.LongSize != nil {
				survivingPnL = closePrice.Sub(*pos.LongEntryPrice).Mul(*pos.LongSize)
			}
			trades = append(trades, m.tradeFromLeg(pos, survivingClose, core.PositionLong, core.TradeActionClose, now))
		}
	}

	realized := survivingPnL.Add(pos.FundingCollected).Sub(pos.TotalFees)
	pos.RealizedPnL = &realized
	pos.Status = core.PositionLiquidated
	pos.CloseTimestamp = &now
	pos.Notes = fmt.Sprintf("liquidated on %s", liquidatedVenue)

	if err := m.store.UpdatePositionWithTrades(ctx, pos, trades); err != nil {
		return nil, fmt.Errorf("mark liquidated %s: %w", positionID, err)
	}

	if m.metrics.LiquidationsTotal != nil {
		m.metrics.LiquidationsTotal.Add(ctx, 1)
	}
	m.logger.Error("Position liquidated",
		"position_id", pos.ID,
		"pair", pos.Pair,
		"liquidated_exchange", liquidatedVenue)
	return pos, nil
}

// RecordFundingPayment appends a funding event and accrues its payment onto
// the position in one transaction.
func (m *Manager) RecordFundingPayment(ctx context.Context, positionID, venue string, side core.PositionSide, rate, paymentUSD, positionSize decimal.Decimal) error {
	pos, err := m.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}

	event := &core.FundingEvent{
		ID:           uuid.NewString(),
		PositionID:   positionID,
		Exchange:     venue,
		Pair:         pos.Pair,
		Side:         side,
		FundingRate:  rate,
		PaymentUSD:   paymentUSD,
		PositionSize: positionSize,
		Timestamp:    time.Now().UTC(),
	}
	if err := m.store.RecordFunding(ctx, event); err != nil {
		return fmt.Errorf("record funding for %s: %w", positionID, err)
	}

	if m.metrics.FundingCollected != nil {
		paid, _ := paymentUSD.Float64()
		m.metrics.FundingCollected.Add(ctx, paid)
	}
	m.logger.Info("Funding payment recorded",
		"position_id", positionID,
		"exchange", venue,
		"payment_usd", paymentUSD.String())
	return nil
}

// GetOpenPositions lists all non-terminal positions.
func (m *Manager) GetOpenPositions(ctx context.Context) ([]*core.Position, error) {
	return m.store.GetOpenPositions(ctx)
}

// GetPosition fetches one position by id.
func (m *Manager) GetPosition(ctx context.Context, id string) (*core.Position, error) {
	return m.store.GetPosition(ctx, id)
}

// GetPositionForPair returns the open position for a pair, or nil.
func (m *Manager) GetPositionForPair(ctx context.Context, pair string) (*core.Position, error) {
	return m.store.GetOpenPositionForPair(ctx, pair)
}

// GetPositions lists recent positions regardless of status.
func (m *Manager) GetPositions(ctx context.Context, limit int) ([]*core.Position, error) {
	return m.store.GetPositions(ctx, limit)
}

// LastFundingEvent returns the most recent funding event for one leg, or nil.
func (m *Manager) LastFundingEvent(ctx context.Context, positionID, venue string) (*core.FundingEvent, error) {
	return m.store.LastFundingEventTime(ctx, positionID, venue)
}

// ReconcileWithExchanges compares every locally open position against the
// venues' own view and reports discrepancies. Read-only.
func (m *Manager) ReconcileWithExchanges(ctx context.Context) ([]string, error) {
	open, err := m.store.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	var issues []string
	for _, pos := range open {
		for _, leg := range []struct {
			venue string
			size  *decimal.Decimal
		}{
			{pos.LongExchange, pos.LongSize},
			{pos.ShortExchange, pos.ShortSize},
		} {
			ex, ok := m.exchanges[leg.venue]
			if !ok {
				issues = append(issues, fmt.Sprintf(
					"position %s: exchange %s not configured", pos.ID, leg.venue))
				continue
			}
			venuePos, err := ex.GetPosition(ctx, pos.Pair)
			if err != nil {
				issues = append(issues, fmt.Sprintf(
					"position %s: failed to query %s: %v", pos.ID, leg.venue, err))
				continue
			}
			if venuePos == nil || venuePos.Size.IsZero() {
				issues = append(issues, fmt.Sprintf(
					"position %s: leg on %s missing or zero-sized for %s",
					pos.ID, leg.venue, pos.Pair))
			}
		}
	}
	return issues, nil
}

func (m *Manager) tradeFromLeg(pos *core.Position, leg *core.OrderResult, side core.PositionSide, action core.TradeAction, at time.Time) *core.Trade {
	price := leg.FillPrice()
	executed := leg.Timestamp
	if executed.IsZero() {
		executed = at
	}
	return &core.Trade{
		ID:           uuid.NewString(),
		PositionID:   pos.ID,
		Exchange:     leg.Exchange,
		Pair:         pos.Pair,
		Side:         side,
		Action:       action,
		Type:         leg.Type,
		Price:        &price,
		Size:         leg.FilledSize,
		Fee:          leg.Fee,
		VenueOrderID: leg.OrderID,
		Status:       core.TradeStatusFilled,
		CreatedAt:    at,
		ExecutedAt:   &executed,
	}
}
