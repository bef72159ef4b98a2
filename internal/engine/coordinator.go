// Package engine glues the scanner, detector, executor and risk layers into
// the top-level trading state machine and owns its background loops.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fundarb/internal/bus"
	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/detector"
	"fundarb/internal/executor"
	"fundarb/internal/position"
	"fundarb/internal/risk"
	"fundarb/internal/scanner"
	"fundarb/internal/store"
	"fundarb/pkg/concurrency"
	apperrors "fundarb/pkg/errors"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	defaultHeartbeatInterval = time.Second
	defaultFundingInterval   = 5 * time.Minute

	// fundingWindow is the proximity window after a funding tick within
	// which a settlement is assumed to have just happened.
	fundingWindow = 300 * time.Second

	stateKey = "engine_state"
)

// Status is the coordinator's external snapshot.
type Status struct {
	State               core.EngineState `json:"state"`
	SimulationMode      bool             `json:"simulation_mode"`
	ConnectedExchanges  []string         `json:"connected_exchanges"`
	MonitoredSymbols    []string         `json:"monitored_symbols"`
	OpenPositions       int              `json:"open_positions"`
	LastScanTime        *time.Time       `json:"last_scan_time,omitempty"`
	LastOpportunityTime *time.Time       `json:"last_opportunity_time,omitempty"`
	PendingOrders       int              `json:"pending_orders"`
	KillSwitchActive    bool             `json:"kill_switch_active"`
	ErrorMessage        string           `json:"error_message,omitempty"`
}

// cfgFees adapts the config to the detector's fee lookup.
type cfgFees struct{ cfg *config.Config }

func (f cfgFees) TakerFee(exchange string) decimal.Decimal {
	return f.cfg.TakerFeeFor(exchange)
}

// Coordinator is the only component exposed to outside control planes.
type Coordinator struct {
	cfg     *config.Config
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	exchanges map[string]core.IExchange
	scanner   *scanner.Scanner
	detector  *detector.Detector
	executor  *executor.Executor
	positions *position.Manager
	risk      *risk.Manager
	bus       *bus.Bus
	alerter   core.IAlerter
	st        store.Store
	pool      *concurrency.WorkerPool

	mu       sync.Mutex
	state    core.EngineState
	errMsg   string
	lastScan *time.Time
	lastOpp  *time.Time

	runCtx context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	onOpened []core.PositionCallback
	onClosed []core.PositionCallback

	// Loop cadences, shrunk by tests.
	heartbeatInterval time.Duration
	fundingInterval   time.Duration
}

// New wires the full component graph. The bus is started immediately so
// consumers can subscribe before the engine runs.
func New(cfg *config.Config, exchanges map[string]core.IExchange, st store.Store, alerter core.IAlerter, logger core.ILogger) *Coordinator {
	detCfg := detector.Config{
		MinDailySpreadBase:   cfg.Trading.MinDailySpreadBaseDec(),
		MinDailySpreadPer10K: cfg.Trading.MinDailySpreadPer10KDec(),
		MinSecondsToFunding:  int64(cfg.Trading.MinSecondsToFunding),
		NegativeTolerance:    cfg.Trading.NegativeSpreadToleranceDec(),
	}
	riskCfg := risk.Config{
		MaxPositionPerPairUSD: cfg.Trading.MaxPositionPerPairUSDDec(),
		PairCooldown:          time.Duration(cfg.Trading.PairCooldownHours * float64(time.Hour)),
	}

	eventBus := bus.New(logger)
	eventBus.Start()

	c := &Coordinator{
		cfg:       cfg,
		logger:    logger.WithField("component", "coordinator"),
		metrics:   telemetry.GetGlobalMetrics(),
		exchanges: exchanges,
		scanner:   scanner.New(exchanges, logger),
		detector:  detector.New(detCfg, cfgFees{cfg}, logger),
		executor:  executor.New(exchanges, cfg, logger),
		positions: position.NewManager(st, exchanges, cfg, logger),
		risk:      risk.NewManager(riskCfg, exchanges, alerter, logger),
		bus:       eventBus,
		alerter:   alerter,
		st:        st,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "opportunities",
			MaxWorkers:  4,
			MaxCapacity: 64,
			NonBlocking: true,
		}, logger),
		state:             core.EngineStopped,
		heartbeatInterval: defaultHeartbeatInterval,
		fundingInterval:   defaultFundingInterval,
	}
	return c
}

// Bus exposes the event stream for the control plane.
func (c *Coordinator) Bus() *bus.Bus { return c.bus }

// Positions exposes the position manager for read paths.
func (c *Coordinator) Positions() *position.Manager { return c.positions }

// Risk exposes the risk manager for read paths.
func (c *Coordinator) Risk() *risk.Manager { return c.risk }

// Scanner exposes the rate cache for read paths.
func (c *Coordinator) Scanner() *scanner.Scanner { return c.scanner }

// Detector exposes the opportunity cache for read paths.
func (c *Coordinator) Detector() *detector.Detector { return c.detector }

// OnPositionOpened registers a lifecycle callback, run in registration order.
func (c *Coordinator) OnPositionOpened(cb core.PositionCallback) {
	c.onOpened = append(c.onOpened, cb)
}

// OnPositionClosed registers a lifecycle callback, run in registration order.
func (c *Coordinator) OnPositionClosed(cb core.PositionCallback) {
	c.onClosed = append(c.onClosed, cb)
}

// State returns the current engine state.
func (c *Coordinator) State() core.EngineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s core.EngineState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if err := c.st.SetState(context.Background(), stateKey, string(s)); err != nil {
		c.logger.Warn("Failed to checkpoint engine state", "error", err)
	}
	c.broadcastStatus()
}

// Start connects the venues, verifies local state against venue truth, and
// launches the scanner and background loops. On any failure the state moves
// to ERROR and the error is returned.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != core.EngineStopped && c.state != core.EngineError {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("Start ignored", "state", string(state))
		return nil
	}
	c.state = core.EngineStarting
	c.errMsg = ""
	c.mu.Unlock()
	c.broadcastStatus()

	if err := c.startLocked(ctx); err != nil {
		c.mu.Lock()
		c.state = core.EngineError
		c.errMsg = err.Error()
		c.mu.Unlock()
		c.broadcastStatus()
		c.alerter.Alert(ctx, core.AlertCritical, "Engine start failed", err.Error())
		return err
	}

	c.setState(core.EngineRunning)
	c.alerter.Alert(ctx, core.AlertInfo, "Engine started",
		fmt.Sprintf("Monitoring %d pairs across %d exchanges",
			len(c.cfg.Trading.Pairs), len(c.exchanges)))
	return nil
}

func (c *Coordinator) startLocked(ctx context.Context) error {
	for name, ex := range c.exchanges {
		if err := ex.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", name, err)
		}
	}

	// The engine refuses to resume when venue truth and local truth disagree
	issues, err := c.positions.ReconcileWithExchanges(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if len(issues) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrReconciliationFailed, strings.Join(issues, "; "))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCtx = runCtx
	c.cancel = cancel

	if err := c.scanner.Start(ctx, c.cfg.Trading.Pairs, c.onRatesUpdate); err != nil {
		cancel()
		return fmt.Errorf("start scanner: %w", err)
	}

	c.loops.Add(2)
	go c.mainLoop(runCtx)
	go c.fundingLoop(runCtx)
	return nil
}

// Stop joins the background loops and stops the scanner. Always succeeds.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.state != core.EngineRunning && c.state != core.EngineStarting {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("Stop ignored", "state", string(state))
		return
	}
	c.state = core.EngineStopping
	c.mu.Unlock()
	c.broadcastStatus()

	if c.cancel != nil {
		c.cancel()
	}
	c.loops.Wait()
	c.scanner.Stop()

	c.setState(core.EngineStopped)
	c.alerter.Alert(ctx, core.AlertInfo, "Engine stopped", "")
}

// Close releases long-lived resources after a final Stop.
func (c *Coordinator) Close() {
	c.pool.Stop()
	c.bus.Stop()
}

func (c *Coordinator) mainLoop(ctx context.Context) {
	defer c.loops.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Reserved for tick-driven work; opportunity processing runs
			// from the scanner callback
		}
	}
}

// onRatesUpdate is the scanner callback: broadcast the fresh rates, then
// process opportunities off the scanner goroutine.
func (c *Coordinator) onRatesUpdate(ctx context.Context, snapshot core.RateSnapshot) error {
	now := time.Now().UTC()
	c.mu.Lock()
	c.lastScan = &now
	c.mu.Unlock()

	for venue, bySymbol := range snapshot {
		for _, rate := range bySymbol {
			c.bus.Publish(bus.EventFundingRate, map[string]interface{}{
				"exchange":          venue,
				"pair":              rate.Symbol,
				"rate":              rate.Rate.String(),
				"next_funding_time": rate.NextFundingTime.UTC().Format(time.RFC3339),
				"interval_hours":    rate.IntervalHours,
			})
		}
	}

	if err := c.pool.Submit(func() { c.processOpportunities(c.runCtx, snapshot) }); err != nil {
		c.logger.Warn("Opportunity processing skipped", "error", err)
	}
	return nil
}

func (c *Coordinator) processOpportunities(ctx context.Context, snapshot core.RateSnapshot) {
	if !c.risk.IsTradingEnabled() {
		return
	}

	open, err := c.positions.GetOpenPositions(ctx)
	if err != nil {
		c.logger.Error("Open position listing failed", "error", err)
		return
	}
	excluded := make(map[string]bool, len(open))
	for _, p := range open {
		excluded[p.Pair] = true
	}

	sizeUSD := c.cfg.Trading.MaxPositionPerPairUSDDec()
	opp := c.detector.FindBestOpportunity(snapshot, sizeUSD, excluded)
	if opp == nil {
		return
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.lastOpp = &now
	c.mu.Unlock()
	if c.metrics.OpportunitiesTotal != nil {
		c.metrics.OpportunitiesTotal.Add(ctx, 1)
	}
	spread, _ := opp.DailySpread.Float64()
	c.metrics.SetDailySpread(opp.Symbol, spread)

	if ok, reason := c.risk.CanOpenPosition(opp.Symbol, sizeUSD); !ok {
		c.logger.Debug("Opportunity rejected by risk",
			"symbol", opp.Symbol, "reason", reason)
		return
	}

	// Entering too close to a funding tick risks paying instead of
	// collecting
	minSeconds := int64(c.cfg.Trading.EntryBufferMinutes) * 60
	if opp.SecondsToFunding < minSeconds {
		c.logger.Debug("Too close to funding",
			"symbol", opp.Symbol,
			"seconds_remaining", opp.SecondsToFunding,
			"min_required", minSeconds)
		return
	}

	c.executeOpportunity(ctx, opp, sizeUSD)
}

func (c *Coordinator) executeOpportunity(ctx context.Context, opp *core.Opportunity, sizeUSD decimal.Decimal) {
	c.logger.Info("Executing opportunity",
		"symbol", opp.Symbol,
		"long_exchange", opp.LongExchange,
		"short_exchange", opp.ShortExchange,
		"daily_spread", opp.DailySpread.String())

	result := c.executor.ExecuteEntry(ctx, opp, sizeUSD)
	if !result.Success {
		c.logger.Warn("Entry failed", "symbol", opp.Symbol, "error", result.ErrorMessage)
		c.alerter.Alert(ctx, core.AlertWarning, "Entry failed",
			fmt.Sprintf("%s: %s", opp.Symbol, result.ErrorMessage))
		return
	}

	pos, err := c.positions.CreatePosition(ctx, opp, result, sizeUSD)
	if err != nil {
		c.logger.Error("Position persistence failed",
			"symbol", opp.Symbol, "error", err)
		c.alerter.Alert(ctx, core.AlertCritical, "Position persistence failed",
			fmt.Sprintf("%s: %v", opp.Symbol, err))
		return
	}

	for _, cb := range c.onOpened {
		cb(pos)
	}

	c.publishPositionUpdate(pos)
	c.bus.Publish(bus.EventOpportunity, map[string]interface{}{
		"symbol":          opp.Symbol,
		"long_exchange":   opp.LongExchange,
		"short_exchange":  opp.ShortExchange,
		"spread":          opp.DailySpread.String(),
		"expected_profit": opp.ExpectedDailyProfit.String(),
	})
	c.publishTrade(pos.ID, result.LongResult)
	c.publishTrade(pos.ID, result.ShortResult)
	c.updateOpenPositionGauge(ctx)

	c.alerter.Alert(ctx, core.AlertInfo, "Position opened",
		fmt.Sprintf("%s long %s short %s, size %s USD",
			pos.Pair, pos.LongExchange, pos.ShortExchange, pos.SizeUSD.String()))
}

// ClosePosition exits both legs and settles the position. Returns the closed
// position on success.
func (c *Coordinator) ClosePosition(ctx context.Context, positionID, reason string) (*core.Position, error) {
	pos, err := c.positions.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("position %s: %w", positionID, apperrors.ErrPositionNotOpen)
	}

	longSize := decimal.Zero
	shortSize := decimal.Zero
	if pos.LongSize != nil {
		longSize = *pos.LongSize
	}
	if pos.ShortSize != nil {
		shortSize = *pos.ShortSize
	}

	result := c.executor.ExecuteExit(ctx, pos.Pair,
		pos.LongExchange, pos.ShortExchange, longSize, shortSize)
	if !result.Success {
		c.alerter.Alert(ctx, core.AlertWarning, "Position close failed",
			fmt.Sprintf("%s: %s", pos.Pair, result.ErrorMessage))
		return nil, fmt.Errorf("close %s: %s", positionID, result.ErrorMessage)
	}

	closed, err := c.positions.ClosePosition(ctx, positionID, result)
	if err != nil {
		return nil, err
	}

	for _, cb := range c.onClosed {
		cb(closed)
	}
	c.publishTrade(closed.ID, result.LongResult)
	c.publishTrade(closed.ID, result.ShortResult)
	c.publishPositionUpdate(closed)
	c.updateOpenPositionGauge(ctx)

	pnl := "n/a"
	if closed.RealizedPnL != nil {
		pnl = closed.RealizedPnL.String()
	}
	c.alerter.Alert(ctx, core.AlertInfo, "Position closed",
		fmt.Sprintf("%s (%s): realized P&L %s USD", closed.Pair, reason, pnl))
	return closed, nil
}

// OpenPosition is the manual entry path: it synthesizes an opportunity from
// the cached rates and runs the same gates as the automatic path.
func (c *Coordinator) OpenPosition(ctx context.Context, pair, longVenue, shortVenue string, sizeUSD decimal.Decimal) (*core.Position, error) {
	if c.State() != core.EngineRunning {
		return nil, apperrors.ErrEngineNotRunning
	}

	longRate, okL := c.scanner.Rate(longVenue, pair)
	shortRate, okS := c.scanner.Rate(shortVenue, pair)
	if !okL || !okS {
		return nil, fmt.Errorf("%w: %s on %s/%s", apperrors.ErrMissingRateData, pair, longVenue, shortVenue)
	}

	if ok, reason := c.risk.CanOpenPosition(pair, sizeUSD); !ok {
		return nil, fmt.Errorf("risk check failed: %s", reason)
	}
	if existing, err := c.positions.GetPositionForPair(ctx, pair); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("pair %s: %w", pair, apperrors.ErrDuplicateOpenPosition)
	}

	nextFunding := longRate.NextFundingTime
	if shortRate.NextFundingTime.Before(nextFunding) {
		nextFunding = shortRate.NextFundingTime
	}
	now := time.Now().UTC()
	opp := &core.Opportunity{
		Symbol:             pair,
		LongExchange:       longVenue,
		ShortExchange:      shortVenue,
		LongIntervalHours:  longRate.IntervalHours,
		ShortIntervalHours: shortRate.IntervalHours,
		LongRate:           longRate.Rate,
		ShortRate:          shortRate.Rate,
		LongDailyRate:      longRate.DailyRate(),
		ShortDailyRate:     shortRate.DailyRate(),
		Spread:             shortRate.Rate.Sub(longRate.Rate),
		DailySpread:        shortRate.DailyRate().Sub(longRate.DailyRate()),
		NextFundingTime:    nextFunding,
		SecondsToFunding:   int64(nextFunding.Sub(now).Seconds()),
		DetectedAt:         now,
	}

	// Manual entries honor the same timing gate as the automatic path
	minSeconds := int64(c.cfg.Trading.EntryBufferMinutes) * 60
	if opp.SecondsToFunding < minSeconds {
		return nil, fmt.Errorf("too close to funding: %ds remaining, %ds required",
			opp.SecondsToFunding, minSeconds)
	}

	result := c.executor.ExecuteEntry(ctx, opp, sizeUSD)
	if !result.Success {
		return nil, fmt.Errorf("entry failed: %s", result.ErrorMessage)
	}

	pos, err := c.positions.CreatePosition(ctx, opp, result, sizeUSD)
	if err != nil {
		return nil, err
	}
	for _, cb := range c.onOpened {
		cb(pos)
	}
	c.publishPositionUpdate(pos)
	c.publishTrade(pos.ID, result.LongResult)
	c.publishTrade(pos.ID, result.ShortResult)
	c.updateOpenPositionGauge(ctx)
	return pos, nil
}

// ForceScan runs one synchronous fetch+callback cycle. Requires RUNNING.
func (c *Coordinator) ForceScan(ctx context.Context) error {
	if c.State() != core.EngineRunning {
		return apperrors.ErrEngineNotRunning
	}
	c.scanner.ForceScan(ctx, c.onRatesUpdate)
	return nil
}

// ActivateKillSwitch halts trading. confirm must be true.
func (c *Coordinator) ActivateKillSwitch(ctx context.Context, reason string, confirm bool) error {
	if !confirm {
		return fmt.Errorf("kill switch activation requires confirmation")
	}
	c.risk.ActivateKillSwitch(ctx, reason)
	c.broadcastStatus()
	return nil
}

// DeactivateKillSwitch re-enables trading. Operator action only.
func (c *Coordinator) DeactivateKillSwitch() {
	c.risk.DeactivateKillSwitch()
	c.broadcastStatus()
}

// GetStatus snapshots the engine for the control plane.
func (c *Coordinator) GetStatus(ctx context.Context) Status {
	c.mu.Lock()
	state := c.state
	errMsg := c.errMsg
	lastScan := c.lastScan
	lastOpp := c.lastOpp
	c.mu.Unlock()

	connected := make([]string, 0, len(c.exchanges))
	pending := 0
	for name, ex := range c.exchanges {
		if ex.IsConnected() {
			connected = append(connected, name)
		}
		if state == core.EngineRunning {
			if orders, err := ex.GetOpenOrders(ctx, ""); err == nil {
				pending += len(orders)
			}
		}
	}

	openCount := 0
	if open, err := c.positions.GetOpenPositions(ctx); err == nil {
		openCount = len(open)
	}

	return Status{
		State:               state,
		SimulationMode:      c.cfg.Trading.SimulationMode,
		ConnectedExchanges:  connected,
		MonitoredSymbols:    c.cfg.Trading.Pairs,
		OpenPositions:       openCount,
		LastScanTime:        lastScan,
		LastOpportunityTime: lastOpp,
		PendingOrders:       pending,
		KillSwitchActive:    !c.risk.IsTradingEnabled(),
		ErrorMessage:        errMsg,
	}
}

// ReconcileState re-checks local positions against venue truth.
func (c *Coordinator) ReconcileState(ctx context.Context) ([]string, error) {
	return c.positions.ReconcileWithExchanges(ctx)
}

func (c *Coordinator) broadcastStatus() {
	c.mu.Lock()
	state := c.state
	errMsg := c.errMsg
	lastScan := c.lastScan
	c.mu.Unlock()

	connected := make([]string, 0, len(c.exchanges))
	for name, ex := range c.exchanges {
		if ex.IsConnected() {
			connected = append(connected, name)
		}
	}
	payload := map[string]interface{}{
		"status":              string(state),
		"connected_exchanges": connected,
	}
	if lastScan != nil {
		payload["last_scan"] = lastScan.Format(time.RFC3339)
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	c.bus.Publish(bus.EventEngineStatus, payload)
}

func (c *Coordinator) publishPositionUpdate(pos *core.Position) {
	payload := map[string]interface{}{
		"position_id":       pos.ID,
		"status":            string(pos.Status),
		"funding_collected": pos.FundingCollected.String(),
	}
	if pos.RealizedPnL != nil {
		payload["realized_pnl"] = pos.RealizedPnL.String()
	}
	c.bus.Publish(bus.EventPositionUpd, payload)
}

func (c *Coordinator) publishTrade(positionID string, leg *core.OrderResult) {
	if leg == nil {
		return
	}
	c.bus.Publish(bus.EventTradeExecuted, map[string]interface{}{
		"position_id": positionID,
		"exchange":    leg.Exchange,
		"side":        string(leg.Side),
		"price":       leg.FillPrice().String(),
		"size":        leg.FilledSize.String(),
		"fee":         leg.Fee.String(),
	})
}

func (c *Coordinator) updateOpenPositionGauge(ctx context.Context) {
	if open, err := c.positions.GetOpenPositions(ctx); err == nil {
		c.metrics.SetOpenPositions(int64(len(open)))
	}
}
