package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a signal
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ParseDirection normalizes a direction string
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case Long:
		return Long, nil
	case Short:
		return Short, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// EntrySide is the order side that opens a position in this direction
func (d Direction) EntrySide() Side {
	if d == Short {
		return SideSell
	}
	return SideBuy
}

// ExitSide is the order side that closes a position in this direction
func (d Direction) ExitSide() Side {
	if d == Short {
		return SideBuy
	}
	return SideSell
}

// Signal is an immutable trade signal read from the SignalSource
type Signal struct {
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	StopLossPrice decimal.Decimal `json:"stop_loss_price"`
}

// Validate checks that the signal is usable
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal: empty symbol")
	}
	if s.Direction != Long && s.Direction != Short {
		return fmt.Errorf("signal %s: unknown direction %q", s.Symbol, s.Direction)
	}
	if !s.CurrentPrice.IsPositive() {
		return fmt.Errorf("signal %s: current price must be positive", s.Symbol)
	}
	if !s.TargetPrice.IsPositive() || !s.StopLossPrice.IsPositive() {
		return fmt.Errorf("signal %s: target and stop-loss prices must be positive", s.Symbol)
	}
	return nil
}

// ExitType is how a trade ended
type ExitType string

const (
	ExitTakeProfit  ExitType = "TP"
	ExitStopLoss    ExitType = "SL"
	ExitTPSLUnknown ExitType = "TP/SL"
	ExitLevel2      ExitType = "Level2"
	ExitLevel0      ExitType = "Level0"
	ExitTime        ExitType = "TimeExit"
	ExitNone        ExitType = ""
)

const (
	defaultPricePrec    = 2
	defaultQuantityPrec = 2
)

// TradeContext is the workflow-local state of one trade, rebuilt by replay
type TradeContext struct {
	Symbol         string          `json:"symbol"`
	Direction      Direction       `json:"direction"`
	SignalPrice    decimal.Decimal `json:"signal_price"`
	TargetPrice    decimal.Decimal `json:"target_price"`
	StopLossPrice  decimal.Decimal `json:"stop_loss_price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Precision      Precision       `json:"precision"`
	OrderRecordID  int64           `json:"order_record_id"`
	EntryTime      time.Time       `json:"entry_time"`
	ExitType       ExitType        `json:"exit_type,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Precision is the number of decimals accepted by the exchange for a symbol
type Precision struct {
	PriceDecimals    int32 `json:"price_decimals"`
	QuantityDecimals int32 `json:"quantity_decimals"`
}

// DefaultPrecision is used when the registry does not know the symbol
func DefaultPrecision() Precision {
	return Precision{PriceDecimals: defaultPricePrec, QuantityDecimals: defaultQuantityPrec}
}

// Side is an order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the exchange order type
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// MarginMode is the futures margin mode
type MarginMode string

const (
	MarginIsolated MarginMode = "ISOLATED"
	MarginCrossed  MarginMode = "CROSSED"
)

// OrderSpec describes an order to place
type OrderSpec struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit orders
	StopPrice     decimal.Decimal // conditional orders
	Precision     Precision
	ClosePosition bool
	ReduceOnly    bool
	ClientOrderID string
}

// ExchangeOrder is an order as the exchange reports it. Status is the exchange's own state
// string (NEW, FILLED, CANCELED, EXPIRED, ...).
type ExchangeOrder struct {
	OrderID       int64
	ClientOrderID string
	Status        string
}

// Position is the open futures position of a symbol. Amount is signed.
type Position struct {
	Symbol     string
	Amount     decimal.Decimal
	EntryPrice decimal.Decimal
}

// IsOpen reports whether any quantity is held
func (p *Position) IsOpen() bool {
	return p != nil && !p.Amount.IsZero()
}

// Trade is an executed account trade
type Trade struct {
	Symbol      string
	OrderID     int64
	Side        Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	RealizedPnL decimal.Decimal
	Time        time.Time
}

// OrderStatus is the status of an order record
type OrderStatus string

const (
	OrderStatusAttempted  OrderStatus = "Attempted"
	OrderStatusFilled     OrderStatus = "Filled"
	OrderStatusCancelled  OrderStatus = "Cancelled"
	OrderStatusProfitLoss OrderStatus = "Profit/Loss"
)

// OrderAttempt is the initial order record of a trade
type OrderAttempt struct {
	IdempotencyKey string
	Symbol         string
	Direction      Direction
	SignalPrice    decimal.Decimal
	Quantity       decimal.Decimal
	TargetPrice    decimal.Decimal
	StopLossPrice  decimal.Decimal
	EntryTime      time.Time
}

// OrderUpdate carries the fields to change on an order record. Zero values are left untouched.
type OrderUpdate struct {
	Status        OrderStatus
	StatusMessage string
	ExitType      ExitType
	ExitPrice     *decimal.Decimal
	ProfitLoss    *decimal.Decimal
	EntryTime     *time.Time
	ExitTime      *time.Time
}

// AlertCategory selects the configuration switch that can suppress an alert
type AlertCategory string

const (
	AlertSystemError    AlertCategory = "SystemError"
	AlertTradeEntry     AlertCategory = "TradeEntry"
	AlertTradeCancelled AlertCategory = "TradeCancelled"
	AlertTradeClosed    AlertCategory = "TradeClosed"
)
