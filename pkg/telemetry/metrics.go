package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricScansTotal          = "fundarb_scans_total"
	MetricOpportunitiesTotal  = "fundarb_opportunities_total"
	MetricEntriesTotal        = "fundarb_entries_total"
	MetricExitsTotal          = "fundarb_exits_total"
	MetricEntryFailuresTotal  = "fundarb_entry_failures_total"
	MetricFundingCollected    = "fundarb_funding_collected_usd_total"
	MetricPnLRealizedTotal    = "fundarb_pnl_realized_usd_total"
	MetricFeesPaidTotal       = "fundarb_fees_paid_usd_total"
	MetricOpenPositions       = "fundarb_open_positions"
	MetricDailySpread         = "fundarb_daily_spread"
	MetricVenueLatency        = "fundarb_venue_latency_ms"
	MetricCircuitBreakerOpen  = "fundarb_circuit_breaker_open"
	MetricKillSwitchActive    = "fundarb_kill_switch_active"
	MetricLiquidationsTotal   = "fundarb_liquidations_total"
	MetricBusSubscribers      = "fundarb_bus_subscribers"
	MetricBusEventsTotal      = "fundarb_bus_events_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	ScansTotal         metric.Int64Counter
	OpportunitiesTotal metric.Int64Counter
	EntriesTotal       metric.Int64Counter
	ExitsTotal         metric.Int64Counter
	EntryFailuresTotal metric.Int64Counter
	FundingCollected   metric.Float64Counter
	PnLRealizedTotal   metric.Float64Counter
	FeesPaidTotal      metric.Float64Counter
	LiquidationsTotal  metric.Int64Counter
	BusEventsTotal     metric.Int64Counter
	VenueLatency       metric.Float64Histogram
	OpenPositions      metric.Int64ObservableGauge
	DailySpread        metric.Float64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge
	KillSwitchActive   metric.Int64ObservableGauge
	BusSubscribers     metric.Int64ObservableGauge

	// State for observable gauges
	mu             sync.RWMutex
	openPositions  int64
	dailySpreadMap map[string]float64
	cbOpenMap      map[string]int64
	killSwitch     int64
	busSubscribers int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			dailySpreadMap: make(map[string]float64),
			cbOpenMap:      make(map[string]int64),
		}
		// Instrument initialization happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.ScansTotal, err = meter.Int64Counter(MetricScansTotal, metric.WithDescription("Total funding-rate scan cycles"))
	if err != nil {
		return err
	}

	m.OpportunitiesTotal, err = meter.Int64Counter(MetricOpportunitiesTotal, metric.WithDescription("Total opportunities surfaced by the detector"))
	if err != nil {
		return err
	}

	m.EntriesTotal, err = meter.Int64Counter(MetricEntriesTotal, metric.WithDescription("Total two-leg entries executed"))
	if err != nil {
		return err
	}

	m.ExitsTotal, err = meter.Int64Counter(MetricExitsTotal, metric.WithDescription("Total two-leg exits executed"))
	if err != nil {
		return err
	}

	m.EntryFailuresTotal, err = meter.Int64Counter(MetricEntryFailuresTotal, metric.WithDescription("Total failed entry attempts"))
	if err != nil {
		return err
	}

	m.FundingCollected, err = meter.Float64Counter(MetricFundingCollected, metric.WithDescription("Cumulative funding collected in USD"))
	if err != nil {
		return err
	}

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss in USD"))
	if err != nil {
		return err
	}

	m.FeesPaidTotal, err = meter.Float64Counter(MetricFeesPaidTotal, metric.WithDescription("Cumulative trading fees in USD"))
	if err != nil {
		return err
	}

	m.LiquidationsTotal, err = meter.Int64Counter(MetricLiquidationsTotal, metric.WithDescription("Total liquidations detected"))
	if err != nil {
		return err
	}

	m.BusEventsTotal, err = meter.Int64Counter(MetricBusEventsTotal, metric.WithDescription("Total events broadcast on the bus"))
	if err != nil {
		return err
	}

	m.VenueLatency, err = meter.Float64Histogram(MetricVenueLatency, metric.WithDescription("Latency of venue API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Number of currently open hedge positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.DailySpread, err = meter.Float64ObservableGauge(MetricDailySpread, metric.WithDescription("Latest daily-normalized funding spread per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.dailySpreadMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state per venue (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("exchange", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.KillSwitchActive, err = meter.Int64ObservableGauge(MetricKillSwitchActive, metric.WithDescription("Kill switch state (1=active, 0=inactive)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.killSwitch)
			return nil
		}))
	if err != nil {
		return err
	}

	m.BusSubscribers, err = meter.Int64ObservableGauge(MetricBusSubscribers, metric.WithDescription("Number of connected bus subscribers"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.busSubscribers)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenPositions(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = count
}

func (m *MetricsHolder) SetDailySpread(symbol string, spread float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailySpreadMap[symbol] = spread
}

func (m *MetricsHolder) SetCircuitBreakerOpen(exchange string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[exchange] = val
}

func (m *MetricsHolder) SetKillSwitchActive(active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitch = val
}

func (m *MetricsHolder) SetBusSubscribers(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busSubscribers = count
}
