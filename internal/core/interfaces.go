// Package core defines the domain types and the external collaborator interfaces of the trader
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SignalSource lists the trading signals that are currently active
type SignalSource interface {
	// ListActiveSignals fails with apperrors.ErrSourceUnavailable when the source cannot be read
	ListActiveSignals(ctx context.Context) ([]Signal, error)
}

// ExchangeGateway defines the futures exchange operations the trade workload needs
type ExchangeGateway interface {
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	// SetMarginMode fails with apperrors.ErrInvalidSymbol when the symbol is delisted
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error
	GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, spec OrderSpec) (int64, error)
	// GetOrder looks an order up by client order id in any state; ok=false when it was never placed
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*ExchangeOrder, bool, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	// ListTrades returns account trades ordered by time; a zero since and limit mean unbounded
	ListTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Trade, error)
}

// OrderRepository persists one row per attempted trade
type OrderRepository interface {
	// InsertAttempt is idempotent on attempt.IdempotencyKey and returns the existing id on conflict
	InsertAttempt(ctx context.Context, attempt OrderAttempt) (int64, error)
	// FindAttempt returns a nil attempt when no row carries the key
	FindAttempt(ctx context.Context, idempotencyKey string) (int64, *OrderAttempt, error)
	UpdateStatus(ctx context.Context, orderID int64, update OrderUpdate) error
}

// InstrumentRegistry holds per-symbol metadata
type InstrumentRegistry interface {
	Deactivate(ctx context.Context, symbol, reason string) error
	// GetPrecision returns ok=false when the symbol is unknown
	GetPrecision(ctx context.Context, symbol string) (Precision, bool, error)
}

// MarketDataSource exposes the latest computed indicators for a symbol
type MarketDataSource interface {
	// LatestZScore returns ok=false when no candle has been ingested yet
	LatestZScore(ctx context.Context, symbol string) (float64, bool, error)
}

// AlertSink delivers operator notifications. Delivery is fire-and-forget.
type AlertSink interface {
	Notify(ctx context.Context, subject, body string, category AlertCategory)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
