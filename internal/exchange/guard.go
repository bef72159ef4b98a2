// Package exchange wraps venue adapters with resilience policies: retry with
// exponential backoff, a per-venue circuit breaker, and request rate limiting.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundarb/internal/core"
	apperrors "fundarb/pkg/errors"
	"fundarb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"
)

// GuardConfig tunes the resilience pipeline.
type GuardConfig struct {
	BreakerThreshold int
	BreakerReset     time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	MaxRetries       int
	RequestsPerSec   int
}

// DefaultGuardConfig returns the production policy values.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		BreakerThreshold: 5,
		BreakerReset:     60 * time.Second,
		RetryBaseDelay:   1 * time.Second,
		RetryMaxDelay:    8 * time.Second,
		MaxRetries:       2, // 3 attempts total
		RequestsPerSec:   10,
	}
}

// Guard decorates a core.IExchange with a resilience pipeline. All calls go
// through retry + circuit breaker; rate-limit errors are retried but never
// trip the breaker.
type Guard struct {
	inner    core.IExchange
	breaker  circuitbreaker.CircuitBreaker[any]
	pipeline failsafe.Executor[any]
	limiter  *rate.Limiter
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

// NewGuard wraps a venue adapter with the default policies.
func NewGuard(inner core.IExchange, logger core.ILogger) *Guard {
	return NewGuardWithConfig(inner, DefaultGuardConfig(), logger)
}

// NewGuardWithConfig wraps a venue adapter with explicit policy values.
func NewGuardWithConfig(inner core.IExchange, cfg GuardConfig, logger core.ILogger) *Guard {
	name := inner.GetName()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			// Rate limiting is venue pushback, not venue failure
			return err != nil && !errors.Is(err, apperrors.ErrRateLimitExceeded)
		}).
		WithFailureThreshold(uint(cfg.BreakerThreshold)).
		WithDelay(cfg.BreakerReset).
		WithSuccessThreshold(1).
		Build()

	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, circuitbreaker.ErrOpen)
		}).
		WithBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	return &Guard{
		inner:    inner,
		breaker:  breaker,
		pipeline: failsafe.With[any](retryPolicy, breaker),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestsPerSec),
		logger:   logger.WithField("component", "exchange_guard").WithField("exchange", name),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// IsBreakerOpen reports whether the venue circuit breaker is currently open.
func (g *Guard) IsBreakerOpen() bool {
	return g.breaker.State() == circuitbreaker.OpenState
}

// execute runs fn through the pipeline, translating breaker-open into the
// shared sentinel and recording call latency.
func (g *Guard) execute(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := g.pipeline.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return fn(ctx)
	})
	elapsed := float64(time.Since(start).Milliseconds())
	if g.metrics.VenueLatency != nil {
		g.metrics.VenueLatency.Record(ctx, elapsed)
	}
	g.metrics.SetCircuitBreakerOpen(g.inner.GetName(), g.IsBreakerOpen())

	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			g.logger.Warn("Call rejected, circuit breaker open", "op", op)
			return nil, fmt.Errorf("%s: %w", g.inner.GetName(), apperrors.ErrCircuitBreakerOpen)
		}
		g.logger.Warn("Venue call failed", "op", op, "error", err)
		return nil, err
	}
	return result, nil
}

// core.IExchange implementation

func (g *Guard) GetName() string   { return g.inner.GetName() }
func (g *Guard) IsConnected() bool { return g.inner.IsConnected() }
func (g *Guard) IsTestnet() bool   { return g.inner.IsTestnet() }

func (g *Guard) Connect(ctx context.Context) error {
	_, err := g.execute(ctx, "Connect", func(ctx context.Context) (any, error) {
		return nil, g.inner.Connect(ctx)
	})
	return err
}

func (g *Guard) Disconnect(ctx context.Context) error {
	return g.inner.Disconnect(ctx)
}

func (g *Guard) GetFundingRate(ctx context.Context, symbol string) (*core.FundingRate, error) {
	result, err := g.execute(ctx, "GetFundingRate", func(ctx context.Context) (any, error) {
		return g.inner.GetFundingRate(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return result.(*core.FundingRate), nil
}

func (g *Guard) GetFundingRates(ctx context.Context, symbols []string) (map[string]*core.FundingRate, error) {
	result, err := g.execute(ctx, "GetFundingRates", func(ctx context.Context) (any, error) {
		return g.inner.GetFundingRates(ctx, symbols)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]*core.FundingRate), nil
}

func (g *Guard) GetOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBook, error) {
	result, err := g.execute(ctx, "GetOrderBook", func(ctx context.Context) (any, error) {
		return g.inner.GetOrderBook(ctx, symbol, depth)
	})
	if err != nil {
		return nil, err
	}
	return result.(*core.OrderBook), nil
}

func (g *Guard) PlaceOrder(ctx context.Context, order *core.Order) (*core.OrderResult, error) {
	result, err := g.execute(ctx, "PlaceOrder", func(ctx context.Context) (any, error) {
		return g.inner.PlaceOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	return result.(*core.OrderResult), nil
}

func (g *Guard) CancelOrder(ctx context.Context, orderID, symbol string) error {
	_, err := g.execute(ctx, "CancelOrder", func(ctx context.Context) (any, error) {
		return nil, g.inner.CancelOrder(ctx, orderID, symbol)
	})
	return err
}

func (g *Guard) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	result, err := g.execute(ctx, "CancelAllOrders", func(ctx context.Context) (any, error) {
		count, err := g.inner.CancelAllOrders(ctx, symbol)
		return count, err
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (g *Guard) GetOrder(ctx context.Context, orderID, symbol string) (*core.OrderResult, error) {
	result, err := g.execute(ctx, "GetOrder", func(ctx context.Context) (any, error) {
		return g.inner.GetOrder(ctx, orderID, symbol)
	})
	if err != nil {
		return nil, err
	}
	return result.(*core.OrderResult), nil
}

func (g *Guard) GetOpenOrders(ctx context.Context, symbol string) ([]*core.OrderResult, error) {
	result, err := g.execute(ctx, "GetOpenOrders", func(ctx context.Context) (any, error) {
		return g.inner.GetOpenOrders(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*core.OrderResult), nil
}

func (g *Guard) GetPositions(ctx context.Context) ([]*core.VenuePosition, error) {
	result, err := g.execute(ctx, "GetPositions", func(ctx context.Context) (any, error) {
		return g.inner.GetPositions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*core.VenuePosition), nil
}

func (g *Guard) GetPosition(ctx context.Context, symbol string) (*core.VenuePosition, error) {
	result, err := g.execute(ctx, "GetPosition", func(ctx context.Context) (any, error) {
		pos, err := g.inner.GetPosition(ctx, symbol)
		return pos, err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	pos, _ := result.(*core.VenuePosition)
	return pos, nil
}

func (g *Guard) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := g.execute(ctx, "SetLeverage", func(ctx context.Context) (any, error) {
		return nil, g.inner.SetLeverage(ctx, symbol, leverage)
	})
	return err
}

func (g *Guard) GetBalance(ctx context.Context, currency string) (*core.Balance, error) {
	result, err := g.execute(ctx, "GetBalance", func(ctx context.Context) (any, error) {
		return g.inner.GetBalance(ctx, currency)
	})
	if err != nil {
		return nil, err
	}
	return result.(*core.Balance), nil
}

func (g *Guard) GetFeeTier(ctx context.Context) (*core.FeeTier, error) {
	result, err := g.execute(ctx, "GetFeeTier", func(ctx context.Context) (any, error) {
		return g.inner.GetFeeTier(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*core.FeeTier), nil
}
