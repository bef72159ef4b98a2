// Package risk is the admission gate and incident responder: kill switch,
// per-pair cooldowns, position size limits and liquidation detection.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundarb/internal/core"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Admission denial reasons.
const (
	ReasonKillSwitch   = "Kill switch is active"
	ReasonPairPaused   = "Pair is paused"
	ReasonSizeExceeded = "Position size exceeds per-pair maximum"
)

// DefaultLiquidationCooldown pauses a pair after a liquidation incident.
const DefaultLiquidationCooldown = time.Hour

// Config holds the risk limits.
type Config struct {
	MaxPositionPerPairUSD decimal.Decimal
	PairCooldown          time.Duration
}

// Liquidation is a suspected forced close detected via snapshot diffing.
type Liquidation struct {
	Exchange         string            `json:"exchange"`
	Symbol           string            `json:"symbol"`
	Side             core.PositionSide `json:"side"`
	Size             decimal.Decimal   `json:"size"`
	LiquidationPrice *decimal.Decimal  `json:"liquidation_price,omitempty"`
}

// Status is a point-in-time view of the risk state.
type Status struct {
	KillSwitchActive      bool                 `json:"kill_switch_active"`
	KillSwitchActivatedAt *time.Time           `json:"kill_switch_activated_at,omitempty"`
	PausedPairs           map[string]time.Time `json:"paused_pairs"`
	MaxPositionPerPairUSD decimal.Decimal      `json:"max_position_per_pair_usd"`
}

// Manager holds the kill switch, paused-pair map and the last venue position
// snapshot used for liquidation diffing.
type Manager struct {
	cfg       Config
	exchanges map[string]core.IExchange
	alerter   core.IAlerter
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	mu            sync.Mutex
	killSwitch    bool
	activatedAt   *time.Time
	pausedPairs   map[string]time.Time
	lastPositions map[string]map[string]*core.VenuePosition
}

// NewManager creates a risk manager over the venue set.
func NewManager(cfg Config, exchanges map[string]core.IExchange, alerter core.IAlerter, logger core.ILogger) *Manager {
	return &Manager{
		cfg:           cfg,
		exchanges:     exchanges,
		alerter:       alerter,
		logger:        logger.WithField("component", "risk_manager"),
		metrics:       telemetry.GetGlobalMetrics(),
		pausedPairs:   make(map[string]time.Time),
		lastPositions: make(map[string]map[string]*core.VenuePosition),
	}
}

// IsTradingEnabled reports whether new entries are admissible at all.
func (m *Manager) IsTradingEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.killSwitch
}

// CanOpenPosition runs the admission checks in order: kill switch, pair
// cooldown, size limit.
func (m *Manager) CanOpenPosition(symbol string, sizeUSD decimal.Decimal) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.killSwitch {
		return false, ReasonKillSwitch
	}
	if m.isPairPausedLocked(symbol) {
		return false, ReasonPairPaused
	}
	if sizeUSD.GreaterThan(m.cfg.MaxPositionPerPairUSD) {
		return false, ReasonSizeExceeded
	}
	return true, ""
}

// PausePair blocks new entries on a symbol until the cooldown expires.
func (m *Manager) PausePair(symbol string, cooldown time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry := time.Now().UTC().Add(cooldown)
	m.pausedPairs[symbol] = expiry
	m.logger.Warn("Pair paused", "symbol", symbol, "until", expiry.Format(time.RFC3339))
}

// IsPairPaused reports whether a symbol is in cooldown. Expired entries are
// evicted on read.
func (m *Manager) IsPairPaused(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isPairPausedLocked(symbol)
}

func (m *Manager) isPairPausedLocked(symbol string) bool {
	expiry, ok := m.pausedPairs[symbol]
	if !ok {
		return false
	}
	if time.Now().UTC().After(expiry) {
		delete(m.pausedPairs, symbol)
		return false
	}
	return true
}

// ActivateKillSwitch halts trading and best-effort flattens the account:
// cancel all open orders, then market-close every live venue position with
// reduce-only set. Idempotent; does not auto-reset.
func (m *Manager) ActivateKillSwitch(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.killSwitch {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	m.killSwitch = true
	m.activatedAt = &now
	m.mu.Unlock()

	m.metrics.SetKillSwitchActive(true)
	m.logger.Error("KILL SWITCH ACTIVATED", "reason", reason)

	cancelled := 0
	closed := 0
	for name, ex := range m.exchanges {
		n, err := ex.CancelAllOrders(ctx, "")
		if err != nil {
			m.logger.Error("Kill switch: cancel all failed", "exchange", name, "error", err)
		} else {
			cancelled += n
		}

		positions, err := ex.GetPositions(ctx)
		if err != nil {
			m.logger.Error("Kill switch: position fetch failed", "exchange", name, "error", err)
			continue
		}
		for _, pos := range positions {
			if pos.Size.IsZero() {
				continue
			}
			side := core.SideSell
			if pos.Side == core.PositionShort {
				side = core.SideBuy
			}
			_, err := ex.PlaceOrder(ctx, &core.Order{
				Symbol:     pos.Symbol,
				Side:       side,
				Type:       core.OrderTypeMarket,
				Size:       pos.Size,
				ReduceOnly: true,
			})
			if err != nil {
				m.logger.Error("Kill switch: close failed",
					"exchange", name, "symbol", pos.Symbol, "error", err)
				continue
			}
			closed++
		}
	}

	if m.alerter != nil {
		m.alerter.Alert(ctx, core.AlertCritical, "Kill switch activated",
			fmt.Sprintf("Reason: %s. Cancelled %d orders, closed %d positions.",
				reason, cancelled, closed))
	}
}

// DeactivateKillSwitch clears the flag. Operator action only.
func (m *Manager) DeactivateKillSwitch() {
	m.mu.Lock()
	m.killSwitch = false
	m.activatedAt = nil
	m.mu.Unlock()

	m.metrics.SetKillSwitchActive(false)
	m.logger.Warn("Kill switch deactivated")
}

// CheckForLiquidations diffs current venue positions against the previous
// snapshot. A position that carried a liquidation price and is now gone or
// zero-sized is reported as a suspected liquidation.
func (m *Manager) CheckForLiquidations(ctx context.Context) []Liquidation {
	current := make(map[string]map[string]*core.VenuePosition, len(m.exchanges))
	for name, ex := range m.exchanges {
		positions, err := ex.GetPositions(ctx)
		if err != nil {
			m.logger.Warn("Liquidation check: position fetch failed",
				"exchange", name, "error", err)
			// Keep the old snapshot for this venue rather than treating
			// everything as vanished
			m.mu.Lock()
			if prev, ok := m.lastPositions[name]; ok {
				current[name] = prev
			}
			m.mu.Unlock()
			continue
		}
		bySymbol := make(map[string]*core.VenuePosition, len(positions))
		for _, pos := range positions {
			bySymbol[pos.Symbol] = pos
		}
		current[name] = bySymbol
	}

	m.mu.Lock()
	previous := m.lastPositions
	m.lastPositions = current
	m.mu.Unlock()

	var detected []Liquidation
	for venue, prevBySymbol := range previous {
		for symbol, prev := range prevBySymbol {
			if prev.Size.IsZero() || prev.LiquidationPrice == nil {
				continue
			}
			cur, ok := current[venue][symbol]
			if ok && !cur.Size.IsZero() {
				continue
			}
			detected = append(detected, Liquidation{
				Exchange:         venue,
				Symbol:           symbol,
				Side:             prev.Side,
				Size:             prev.Size,
				LiquidationPrice: prev.LiquidationPrice,
			})
			m.logger.Error("Suspected liquidation",
				"exchange", venue, "symbol", symbol, "size", prev.Size.String())
		}
	}
	return detected
}

// HandleLiquidation market-closes the surviving leg of a liquidated hedge and
// pauses the pair. The pause happens even when the close fails.
func (m *Manager) HandleLiquidation(ctx context.Context, liquidatedVenue, survivingVenue, symbol string, survivingSide core.PositionSide, survivingSize decimal.Decimal) (*core.OrderResult, error) {
	defer func() {
		m.PausePair(symbol, DefaultLiquidationCooldown)
		if m.alerter != nil {
			m.alerter.Alert(ctx, core.AlertCritical, "Liquidation detected",
				fmt.Sprintf("%s liquidated on %s, closing surviving %s leg on %s",
					symbol, liquidatedVenue, survivingSide, survivingVenue))
		}
	}()

	ex, ok := m.exchanges[survivingVenue]
	if !ok {
		return nil, fmt.Errorf("surviving exchange %s not configured", survivingVenue)
	}

	side := core.SideSell
	if survivingSide == core.PositionShort {
		side = core.SideBuy
	}
	result, err := ex.PlaceOrder(ctx, &core.Order{
		Symbol:     symbol,
		Side:       side,
		Type:       core.OrderTypeMarket,
		Size:       survivingSize,
		ReduceOnly: true,
	})
	if err != nil {
		m.logger.Error("Surviving leg close failed",
			"exchange", survivingVenue, "symbol", symbol, "error", err)
		return nil, err
	}
	return result, nil
}

// RiskStatus snapshots the current risk state.
func (m *Manager) RiskStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	paused := make(map[string]time.Time, len(m.pausedPairs))
	now := time.Now().UTC()
	for symbol, expiry := range m.pausedPairs {
		if expiry.After(now) {
			paused[symbol] = expiry
		}
	}
	return Status{
		KillSwitchActive:      m.killSwitch,
		KillSwitchActivatedAt: m.activatedAt,
		PausedPairs:           paused,
		MaxPositionPerPairUSD: m.cfg.MaxPositionPerPairUSD,
	}
}
