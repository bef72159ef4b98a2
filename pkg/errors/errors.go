package apperrors

import "errors"

// Standardized venue errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
)

// Engine errors
var (
	ErrPositionNotFound       = errors.New("position not found")
	ErrPositionNotOpen        = errors.New("position not open")
	ErrDuplicateOpenPosition  = errors.New("open position already exists for pair")
	ErrInvalidExecutionResult = errors.New("invalid execution result")
	ErrMissingRateData        = errors.New("missing rate data")
	ErrEmptyOrderBook         = errors.New("orderbook missing price data")
	ErrEngineNotRunning       = errors.New("engine not running")
	ErrKillSwitchActive       = errors.New("kill switch is active")
	ErrReconciliationFailed   = errors.New("reconciliation found issues")
)
