// Package mock provides a scriptable IExchange implementation for tests and
// simulation mode.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundarb/internal/core"

	"github.com/shopspring/decimal"
)

// FillBehavior controls how placed limit orders resolve.
type FillBehavior int

const (
	// FillImmediately marks limit orders FILLED in the PlaceOrder response.
	FillImmediately FillBehavior = iota
	// FillOnPoll returns OPEN from PlaceOrder; the order becomes FILLED on
	// the configured GetOrder poll.
	FillOnPoll
	// NeverFill keeps the order OPEN until cancelled.
	NeverFill
)

// Exchange implements core.IExchange with scriptable state.
type Exchange struct {
	name    string
	testnet bool

	mu             sync.RWMutex
	connected      bool
	fundingRates   map[string]*core.FundingRate
	orderBooks     map[string]*core.OrderBook
	positions      map[string]*core.VenuePosition
	balances       map[string]*core.Balance
	feeTier        *core.FeeTier
	orders         map[string]*core.OrderResult
	pollsUntilFill map[string]int
	orderIDCounter int64

	fillBehavior FillBehavior
	fillPolls    int

	// Error injection, keyed by method name
	errs map[string]error

	// Recorded calls for assertions
	placedOrders    []*core.Order
	cancelledOrders []string
	cancelAllCalls  int
	leverageCalls   map[string]int
}

// NewExchange creates a mock venue.
func NewExchange(name string) *Exchange {
	return &Exchange{
		name:           name,
		connected:      true,
		fundingRates:   make(map[string]*core.FundingRate),
		orderBooks:     make(map[string]*core.OrderBook),
		positions:      make(map[string]*core.VenuePosition),
		balances:       make(map[string]*core.Balance),
		orders:         make(map[string]*core.OrderResult),
		pollsUntilFill: make(map[string]int),
		errs:           make(map[string]error),
		leverageCalls:  make(map[string]int),
		orderIDCounter: 1000,
		feeTier: &core.FeeTier{
			Exchange:  name,
			Tier:      "regular",
			MakerFee:  decimal.NewFromFloat(0.0002),
			TakerFee:  decimal.NewFromFloat(0.0004),
			Timestamp: time.Now().UTC(),
		},
	}
}

// Scripting helpers

func (m *Exchange) SetFundingRate(rate *core.FundingRate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate.Exchange = m.name
	m.fundingRates[rate.Symbol] = rate
}

func (m *Exchange) SetOrderBook(book *core.OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book.Exchange = m.name
	m.orderBooks[book.Symbol] = book
}

func (m *Exchange) SetPosition(pos *core.VenuePosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos.Exchange = m.name
	m.positions[pos.Symbol] = pos
}

func (m *Exchange) RemovePosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

func (m *Exchange) SetBalance(bal *core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[bal.Currency] = bal
}

func (m *Exchange) SetFeeTier(tier *core.FeeTier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeTier = tier
}

// SetFillBehavior controls limit order resolution. polls applies to
// FillOnPoll: the order fills on the polls-th GetOrder call.
func (m *Exchange) SetFillBehavior(b FillBehavior, polls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillBehavior = b
	m.fillPolls = polls
}

// FailWith injects an error for a method name ("PlaceOrder", "GetOrderBook", ...).
func (m *Exchange) FailWith(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = err
}

// ClearFailure removes an injected error.
func (m *Exchange) ClearFailure(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errs, method)
}

// PlacedOrders returns a copy of all recorded order requests.
func (m *Exchange) PlacedOrders() []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Order, len(m.placedOrders))
	copy(out, m.placedOrders)
	return out
}

// CancelledOrders returns the IDs of cancelled orders.
func (m *Exchange) CancelledOrders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.cancelledOrders))
	copy(out, m.cancelledOrders)
	return out
}

// CancelAllCalls returns how many times CancelAllOrders was invoked.
func (m *Exchange) CancelAllCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelAllCalls
}

// LeverageFor returns the last leverage set for a symbol.
func (m *Exchange) LeverageFor(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leverageCalls[symbol]
}

func (m *Exchange) injected(method string) error {
	if err, ok := m.errs[method]; ok {
		return err
	}
	return nil
}

// core.IExchange implementation

func (m *Exchange) GetName() string { return m.name }

func (m *Exchange) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Exchange) IsTestnet() bool { return m.testnet }

func (m *Exchange) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("Connect"); err != nil {
		return err
	}
	m.connected = true
	return nil
}

func (m *Exchange) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *Exchange) GetFundingRate(ctx context.Context, symbol string) (*core.FundingRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetFundingRate"); err != nil {
		return nil, err
	}
	rate, ok := m.fundingRates[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: no funding rate for %s", m.name, symbol)
	}
	return rate, nil
}

func (m *Exchange) GetFundingRates(ctx context.Context, symbols []string) (map[string]*core.FundingRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetFundingRates"); err != nil {
		return nil, err
	}
	out := make(map[string]*core.FundingRate)
	for _, s := range symbols {
		if rate, ok := m.fundingRates[s]; ok {
			out[s] = rate
		}
	}
	return out, nil
}

func (m *Exchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetOrderBook"); err != nil {
		return nil, err
	}
	book, ok := m.orderBooks[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: no orderbook for %s", m.name, symbol)
	}
	return book, nil
}

func (m *Exchange) PlaceOrder(ctx context.Context, order *core.Order) (*core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("PlaceOrder"); err != nil {
		return nil, err
	}

	m.placedOrders = append(m.placedOrders, order)
	m.orderIDCounter++
	id := fmt.Sprintf("%s-%d", m.name, m.orderIDCounter)

	status := core.OrderStatusFilled
	filled := order.Size
	if order.Type == core.OrderTypeLimit {
		switch m.fillBehavior {
		case FillOnPoll:
			status = core.OrderStatusOpen
			filled = decimal.Zero
			m.pollsUntilFill[id] = m.fillPolls
		case NeverFill:
			status = core.OrderStatusOpen
			filled = decimal.Zero
		}
	}

	var avg *decimal.Decimal
	if status == core.OrderStatusFilled {
		price := m.fillPriceLocked(order)
		avg = &price
	}

	fee := decimal.Zero
	if status == core.OrderStatusFilled && avg != nil {
		fee = order.Size.Mul(*avg).Mul(m.feeTier.TakerFee)
	}

	result := &core.OrderResult{
		OrderID:       id,
		ClientOrderID: order.ClientOrderID,
		Exchange:      m.name,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Status:        status,
		Size:          order.Size,
		FilledSize:    filled,
		Price:         order.Price,
		AveragePrice:  avg,
		Fee:           fee,
		FeeCurrency:   "USDT",
		Timestamp:     time.Now().UTC(),
	}
	m.orders[id] = result
	return result, nil
}

// fillPriceLocked resolves a fill price from the order or book mid.
func (m *Exchange) fillPriceLocked(order *core.Order) decimal.Decimal {
	if order.Price != nil {
		return *order.Price
	}
	if book, ok := m.orderBooks[order.Symbol]; ok {
		if mid, ok := book.MidPrice(); ok {
			return mid
		}
	}
	return decimal.Zero
}

func (m *Exchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CancelOrder"); err != nil {
		return err
	}
	m.cancelledOrders = append(m.cancelledOrders, orderID)
	if order, ok := m.orders[orderID]; ok && order.IsOpen() {
		order.Status = core.OrderStatusCancelled
	}
	return nil
}

func (m *Exchange) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAllCalls++
	if err := m.injected("CancelAllOrders"); err != nil {
		return 0, err
	}
	count := 0
	for _, order := range m.orders {
		if order.IsOpen() && (symbol == "" || order.Symbol == symbol) {
			order.Status = core.OrderStatusCancelled
			count++
		}
	}
	return count, nil
}

func (m *Exchange) GetOrder(ctx context.Context, orderID, symbol string) (*core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("GetOrder"); err != nil {
		return nil, err
	}
	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%s: order %s not found", m.name, orderID)
	}

	if order.IsOpen() && m.fillBehavior == FillOnPoll {
		m.pollsUntilFill[orderID]--
		if m.pollsUntilFill[orderID] <= 0 {
			order.Status = core.OrderStatusFilled
			order.FilledSize = order.Size
			if order.AveragePrice == nil && order.Price != nil {
				order.AveragePrice = order.Price
			}
			if order.AveragePrice != nil {
				order.Fee = order.Size.Mul(*order.AveragePrice).Mul(m.feeTier.TakerFee)
			}
		}
	}
	return order, nil
}

func (m *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.OrderResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetOpenOrders"); err != nil {
		return nil, err
	}
	var out []*core.OrderResult
	for _, order := range m.orders {
		if order.IsOpen() && (symbol == "" || order.Symbol == symbol) {
			out = append(out, order)
		}
	}
	return out, nil
}

func (m *Exchange) GetPositions(ctx context.Context) ([]*core.VenuePosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetPositions"); err != nil {
		return nil, err
	}
	out := make([]*core.VenuePosition, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (m *Exchange) GetPosition(ctx context.Context, symbol string) (*core.VenuePosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetPosition"); err != nil {
		return nil, err
	}
	return m.positions[symbol], nil
}

func (m *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("SetLeverage"); err != nil {
		return err
	}
	m.leverageCalls[symbol] = leverage
	return nil
}

func (m *Exchange) GetBalance(ctx context.Context, currency string) (*core.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetBalance"); err != nil {
		return nil, err
	}
	if bal, ok := m.balances[currency]; ok {
		return bal, nil
	}
	return &core.Balance{
		Currency: currency,
		Total:    decimal.NewFromInt(100000),
		Free:     decimal.NewFromInt(100000),
		Used:     decimal.Zero,
	}, nil
}

func (m *Exchange) GetFeeTier(ctx context.Context) (*core.FeeTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetFeeTier"); err != nil {
		return nil, err
	}
	return m.feeTier, nil
}
