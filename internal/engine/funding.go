package engine

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/bus"
	"fundarb/internal/core"

	"github.com/shopspring/decimal"
)

func (c *Coordinator) fundingLoop(ctx context.Context) {
	defer c.loops.Done()
	ticker := time.NewTicker(c.fundingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkFundingPayments(ctx)
			c.checkLiquidations(ctx)
		}
	}
}

// checkFundingPayments polls for settled funding on every open leg. A
// settlement is assumed when the leg's last funding tick was within the
// proximity window; recording is idempotent per (position, venue, window).
func (c *Coordinator) checkFundingPayments(ctx context.Context) {
	open, err := c.positions.GetOpenPositions(ctx)
	if err != nil {
		c.logger.Error("Funding check: open position listing failed", "error", err)
		return
	}

	for _, pos := range open {
		legs := []struct {
			venue string
			side  core.PositionSide
			size  *decimal.Decimal
		}{
			{pos.LongExchange, core.PositionLong, pos.LongSize},
			{pos.ShortExchange, core.PositionShort, pos.ShortSize},
		}
		for _, leg := range legs {
			if leg.size == nil || leg.size.IsZero() {
				continue
			}
			if err := c.recordLegFunding(ctx, pos, leg.venue, leg.side, *leg.size); err != nil {
				c.logger.Warn("Funding record failed",
					"position_id", pos.ID, "exchange", leg.venue, "error", err)
			}
		}
	}
}

func (c *Coordinator) recordLegFunding(ctx context.Context, pos *core.Position, venue string, side core.PositionSide, size decimal.Decimal) error {
	rate, ok := c.scanner.Rate(venue, pos.Pair)
	if !ok {
		ex, exists := c.exchanges[venue]
		if !exists {
			return fmt.Errorf("exchange %s not configured", venue)
		}
		var err error
		rate, err = ex.GetFundingRate(ctx, pos.Pair)
		if err != nil {
			return err
		}
	}

	interval := rate.IntervalHours
	if interval <= 0 {
		interval = 8
	}
	lastTick := rate.NextFundingTime.Add(-time.Duration(interval) * time.Hour)
	elapsed := time.Now().UTC().Sub(lastTick)
	if elapsed < 0 || elapsed >= fundingWindow {
		return nil
	}

	// One event per leg per funding window
	last, err := c.positions.LastFundingEvent(ctx, pos.ID, venue)
	if err != nil {
		return err
	}
	if last != nil && !last.Timestamp.Before(lastTick) {
		return nil
	}

	payment := rate.Rate.Mul(size)
	if side == core.PositionShort {
		payment = payment.Neg()
	}
	if err := c.positions.RecordFundingPayment(ctx, pos.ID, venue, side, rate.Rate, payment, size); err != nil {
		return err
	}

	if updated, err := c.positions.GetPosition(ctx, pos.ID); err == nil {
		c.publishPositionUpdate(updated)
	}
	return nil
}

// checkLiquidations responds to suspected forced closes: close the surviving
// leg, mark the position, pause the pair.
func (c *Coordinator) checkLiquidations(ctx context.Context) {
	detected := c.risk.CheckForLiquidations(ctx)
	if len(detected) == 0 {
		return
	}

	open, err := c.positions.GetOpenPositions(ctx)
	if err != nil {
		c.logger.Error("Liquidation response: open position listing failed", "error", err)
		return
	}

	for _, liq := range detected {
		c.bus.Publish(bus.EventAlert, map[string]interface{}{
			"severity":  string(core.AlertCritical),
			"title":     "Liquidation detected",
			"message":   fmt.Sprintf("%s on %s", liq.Symbol, liq.Exchange),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		c.alerter.Alert(ctx, core.AlertCritical, "Liquidation detected",
			fmt.Sprintf("%s position on %s vanished with a liquidation price on record",
				liq.Symbol, liq.Exchange))

		pos := matchPosition(open, liq.Exchange, liq.Symbol)
		if pos == nil {
			c.logger.Warn("No local position for suspected liquidation",
				"exchange", liq.Exchange, "symbol", liq.Symbol)
			continue
		}

		survivingVenue := pos.LongExchange
		survivingSide := core.PositionLong
		survivingSize := decimal.Zero
		if liq.Exchange == pos.LongExchange {
			survivingVenue = pos.ShortExchange
			survivingSide = core.PositionShort
			if pos.ShortSize != nil {
				survivingSize = *pos.ShortSize
			}
		} else if pos.LongSize != nil {
			survivingSize = *pos.LongSize
		}

		closeResult, err := c.risk.HandleLiquidation(ctx,
			liq.Exchange, survivingVenue, pos.Pair, survivingSide, survivingSize)
		if err != nil {
			c.logger.Error("Surviving leg close failed",
				"position_id", pos.ID, "error", err)
		}

		marked, err := c.positions.MarkLiquidated(ctx, pos.ID, liq.Exchange, closeResult)
		if err != nil {
			c.logger.Error("Liquidation persistence failed",
				"position_id", pos.ID, "error", err)
			continue
		}
		c.publishPositionUpdate(marked)
		c.updateOpenPositionGauge(ctx)
	}
}

func matchPosition(open []*core.Position, venue, symbol string) *core.Position {
	for _, pos := range open {
		if pos.Pair != symbol {
			continue
		}
		if pos.LongExchange == venue || pos.ShortExchange == venue {
			return pos
		}
	}
	return nil
}
