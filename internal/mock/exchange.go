package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// OrderState is the lifecycle state of a paper order
type OrderState string

const (
	OrderNew       OrderState = "NEW"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELED"
)

// Order is an order held by the paper exchange
type Order struct {
	ID    int64
	Spec  core.OrderSpec
	State OrderState
}

// MockExchange is an in-memory futures exchange implementing core.ExchangeGateway.
// Limit orders fill when the ticker crosses their price, conditional orders trigger on the
// ticker, market orders fill at the ticker.
type MockExchange struct {
	mu sync.RWMutex

	balance        decimal.Decimal
	tickers        map[string]decimal.Decimal
	positions      map[string]*core.Position
	orders         map[int64]*Order
	clientOrderMap map[string]int64
	orderIDCounter int64
	trades         []core.Trade
	delisted       map[string]bool
	marginModes    map[string]core.MarginMode
	leverage       map[string]int
	failures       map[string][]error
	now            func() time.Time
}

func NewMockExchange(balance decimal.Decimal) *MockExchange {
	return &MockExchange{
		balance:        balance,
		tickers:        make(map[string]decimal.Decimal),
		positions:      make(map[string]*core.Position),
		orders:         make(map[int64]*Order),
		clientOrderMap: make(map[string]int64),
		orderIDCounter: 1000,
		delisted:       make(map[string]bool),
		marginModes:    make(map[string]core.MarginMode),
		leverage:       make(map[string]int),
		failures:       make(map[string][]error),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used to stamp trades
func (m *MockExchange) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetTicker moves the market price and fills or triggers the orders it crosses
func (m *MockExchange) SetTicker(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[symbol] = price
	m.matchLocked(symbol)
}

// Delist makes margin changes for the symbol fail with ErrInvalidSymbol
func (m *MockExchange) Delist(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delisted[symbol] = true
}

// FailNext queues errors returned by the next calls of method, one per call
func (m *MockExchange) FailNext(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], errs...)
}

// SetPosition overrides the position of a symbol
func (m *MockExchange) SetPosition(symbol string, amount, entryPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = &core.Position{Symbol: symbol, Amount: amount, EntryPrice: entryPrice}
}

// FillOpenOrders fills every resting limit order of the symbol at its own price
func (m *MockExchange) FillOpenOrders(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, o := range m.sortedOrdersLocked(symbol) {
		if o.State == OrderNew && o.Spec.Type == core.OrderTypeLimit {
			m.fillLocked(o, o.Spec.Price, o.Spec.Quantity)
			n++
		}
	}
	return n
}

// CloseExternally closes the position at price as if a TP/SL order had triggered
func (m *MockExchange) CloseExternally(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.positions[symbol]
	if !pos.IsOpen() {
		return
	}
	m.orderIDCounter++
	o := &Order{ID: m.orderIDCounter, State: OrderNew, Spec: core.OrderSpec{
		Symbol:   symbol,
		Side:     closingSide(pos),
		Type:     core.OrderTypeMarket,
		Quantity: pos.Amount.Abs(),
	}}
	m.orders[o.ID] = o
	m.fillLocked(o, price, o.Spec.Quantity)
	m.cancelAllLocked(symbol)
}

// Orders returns the orders of a symbol in placement order
func (m *MockExchange) Orders(symbol string) []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Order
	for _, o := range m.sortedOrdersLocked(symbol) {
		out = append(out, *o)
	}
	return out
}

// MarginMode returns the margin mode last set for the symbol
func (m *MockExchange) MarginMode(symbol string) core.MarginMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marginModes[symbol]
}

// Leverage returns the leverage last set for the symbol
func (m *MockExchange) Leverage(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leverage[symbol]
}

func (m *MockExchange) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("GetPosition"); err != nil {
		return nil, err
	}

	if pos, ok := m.positions[symbol]; ok {
		cp := *pos
		return &cp, nil
	}
	return &core.Position{Symbol: symbol, Amount: decimal.Zero, EntryPrice: decimal.Zero}, nil
}

func (m *MockExchange) SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("SetMarginMode"); err != nil {
		return err
	}
	if m.delisted[symbol] {
		return fmt.Errorf("%s: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	m.marginModes[symbol] = mode
	return nil
}

func (m *MockExchange) GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("GetTicker"); err != nil {
		return decimal.Zero, err
	}
	price, ok := m.tickers[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no ticker for %s: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	return price, nil
}

func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("SetLeverage"); err != nil {
		return err
	}
	m.leverage[symbol] = leverage
	return nil
}

func (m *MockExchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("GetBalance"); err != nil {
		return decimal.Zero, err
	}
	return m.balance, nil
}

// PlaceOrder places an order. Like Binance, a client order id is rejected with
// ErrDuplicateOrder only while the order carrying it is still open; once that order is filled or
// cancelled the id is accepted again as a new order.
func (m *MockExchange) PlaceOrder(ctx context.Context, spec core.OrderSpec) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("PlaceOrder"); err != nil {
		return 0, err
	}

	if spec.ClientOrderID != "" {
		if existingID, exists := m.clientOrderMap[spec.ClientOrderID]; exists && m.orders[existingID].State == OrderNew {
			return 0, fmt.Errorf("client order id %s: %w", spec.ClientOrderID, apperrors.ErrDuplicateOrder)
		}
	}

	m.orderIDCounter++
	o := &Order{ID: m.orderIDCounter, Spec: spec, State: OrderNew}
	m.orders[o.ID] = o
	if spec.ClientOrderID != "" {
		m.clientOrderMap[spec.ClientOrderID] = o.ID
	}

	if spec.Type == core.OrderTypeMarket {
		price, ok := m.tickers[spec.Symbol]
		if !ok {
			price = m.positionLocked(spec.Symbol).EntryPrice
		}
		m.fillLocked(o, price, spec.Quantity)
		return o.ID, nil
	}
	m.matchLocked(spec.Symbol)
	return o.ID, nil
}

// GetOrder returns the latest order placed with clientOrderID, in any state
func (m *MockExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*core.ExchangeOrder, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("GetOrder"); err != nil {
		return nil, false, err
	}

	id, ok := m.clientOrderMap[clientOrderID]
	if !ok || m.orders[id].Spec.Symbol != symbol {
		return nil, false, nil
	}
	o := m.orders[id]
	return &core.ExchangeOrder{OrderID: o.ID, ClientOrderID: clientOrderID, Status: string(o.State)}, true, nil
}

func (m *MockExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("CancelAllOrders"); err != nil {
		return err
	}
	m.cancelAllLocked(symbol)
	return nil
}

func (m *MockExchange) ListTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]core.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("ListTrades"); err != nil {
		return nil, err
	}

	var out []core.Trade
	for _, t := range m.trades {
		if t.Symbol == symbol && !t.Time.Before(since) {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MockExchange) failLocked(method string) error {
	queue := m.failures[method]
	if len(queue) == 0 {
		return nil
	}
	m.failures[method] = queue[1:]
	return queue[0]
}

func (m *MockExchange) positionLocked(symbol string) *core.Position {
	pos, ok := m.positions[symbol]
	if !ok {
		pos = &core.Position{Symbol: symbol, Amount: decimal.Zero, EntryPrice: decimal.Zero}
		m.positions[symbol] = pos
	}
	return pos
}

func (m *MockExchange) sortedOrdersLocked(symbol string) []*Order {
	var out []*Order
	for _, o := range m.orders {
		if o.Spec.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MockExchange) cancelAllLocked(symbol string) {
	for _, o := range m.orders {
		if o.Spec.Symbol == symbol && o.State == OrderNew {
			o.State = OrderCancelled
		}
	}
}

// matchLocked fills resting orders crossed by the current ticker
func (m *MockExchange) matchLocked(symbol string) {
	price, ok := m.tickers[symbol]
	if !ok {
		return
	}

	for _, o := range m.sortedOrdersLocked(symbol) {
		if o.State != OrderNew {
			continue
		}
		switch o.Spec.Type {
		case core.OrderTypeLimit:
			buyCrossed := o.Spec.Side == core.SideBuy && !price.GreaterThan(o.Spec.Price)
			sellCrossed := o.Spec.Side == core.SideSell && !price.LessThan(o.Spec.Price)
			if buyCrossed || sellCrossed {
				m.fillLocked(o, o.Spec.Price, o.Spec.Quantity)
			}
		case core.OrderTypeTakeProfitMarket, core.OrderTypeStopMarket:
			if m.triggeredLocked(o, price) {
				pos := m.positionLocked(symbol)
				if pos.IsOpen() {
					m.fillLocked(o, price, pos.Amount.Abs())
					m.cancelAllLocked(symbol)
				} else {
					o.State = OrderCancelled
				}
			}
		}
	}
}

func (m *MockExchange) triggeredLocked(o *Order, price decimal.Decimal) bool {
	// SELL closes a long: take profit above, stop below. BUY closes a short: mirrored.
	above := !price.LessThan(o.Spec.StopPrice)
	below := !price.GreaterThan(o.Spec.StopPrice)
	takeProfit := o.Spec.Type == core.OrderTypeTakeProfitMarket
	if o.Spec.Side == core.SideSell {
		return (takeProfit && above) || (!takeProfit && below)
	}
	return (takeProfit && below) || (!takeProfit && above)
}

// fillLocked executes qty of o at price, updating the position and recording the trade
func (m *MockExchange) fillLocked(o *Order, price, qty decimal.Decimal) {
	o.State = OrderFilled
	pos := m.positionLocked(o.Spec.Symbol)

	signed := qty
	if o.Spec.Side == core.SideSell {
		signed = qty.Neg()
	}

	pnl := decimal.Zero
	sameDirection := pos.Amount.IsZero() || pos.Amount.Sign() == signed.Sign()
	if sameDirection {
		total := pos.Amount.Add(signed)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Amount.Abs()).Add(price.Mul(qty)).Div(total.Abs())
		pos.Amount = total
	} else {
		closed := decimal.Min(qty, pos.Amount.Abs())
		pnl = price.Sub(pos.EntryPrice).Mul(closed)
		if pos.Amount.IsNegative() {
			pnl = pnl.Neg()
		}
		pos.Amount = pos.Amount.Add(signed)
		if pos.Amount.IsZero() {
			pos.EntryPrice = decimal.Zero
		} else if pos.Amount.Sign() == signed.Sign() {
			pos.EntryPrice = price
		}
		m.balance = m.balance.Add(pnl)
	}

	m.trades = append(m.trades, core.Trade{
		Symbol:      o.Spec.Symbol,
		OrderID:     o.ID,
		Side:        o.Spec.Side,
		Price:       price,
		Quantity:    qty,
		RealizedPnL: pnl,
		Time:        m.now(),
	})
}

func closingSide(pos *core.Position) core.Side {
	if pos.Amount.IsNegative() {
		return core.SideBuy
	}
	return core.SideSell
}
