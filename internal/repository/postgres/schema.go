package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS CoinInfoTable (
		CoinID SERIAL PRIMARY KEY,
		CoinSymbol VARCHAR(20) NOT NULL UNIQUE,
		PricePrecision INT NULL,
		QuantityPrecision INT NULL,
		IsActive BOOLEAN NOT NULL DEFAULT TRUE,
		DeactivationReason VARCHAR(200),
		CreatedAt TIMESTAMPTZ NOT NULL DEFAULT now(),
		UpdatedAt TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS FourHour (
		RecordID SERIAL PRIMARY KEY,
		CoinSymbol VARCHAR(20) NOT NULL,
		OpenPrice DOUBLE PRECISION,
		ClosePrice DOUBLE PRECISION,
		HighPrice DOUBLE PRECISION,
		LowPrice DOUBLE PRECISION,
		CoinVolume DOUBLE PRECISION,
		PriceDateTime TIMESTAMPTZ NOT NULL,
		RSI DOUBLE PRECISION,
		ATR DOUBLE PRECISION,
		AverageVolume DOUBLE PRECISION,
		ADX DOUBLE PRECISION,
		Zscore DOUBLE PRECISION,
		CreatedDateTime TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS FourHour_Symbol_Time ON FourHour (CoinSymbol, PriceDateTime DESC)`,
	`CREATE TABLE IF NOT EXISTS SignalsTable (
		SignalID SERIAL PRIMARY KEY,
		CoinSymbol VARCHAR(20) NOT NULL,
		PriceDateTime TIMESTAMPTZ NOT NULL,
		Zscore DOUBLE PRECISION,
		RSI DOUBLE PRECISION,
		ADX DOUBLE PRECISION,
		Direction VARCHAR(10) NOT NULL,
		CurrentPrice NUMERIC NOT NULL,
		TargetPrice NUMERIC NOT NULL,
		StopLossPrice NUMERIC NOT NULL,
		CreatedDateTime TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT UC_Signal UNIQUE (CoinSymbol, PriceDateTime)
	)`,
	`CREATE TABLE IF NOT EXISTS OrderBook (
		OrderID BIGSERIAL PRIMARY KEY,
		IdempotencyKey VARCHAR(200) UNIQUE,
		CoinSymbol VARCHAR(20) NOT NULL,
		TradeDirection VARCHAR(10) NOT NULL,
		SignalPrice NUMERIC,
		Quantity NUMERIC,
		TargetPrice NUMERIC,
		StopLossPrice NUMERIC,
		Status VARCHAR(20) NOT NULL,
		StatusMessage TEXT,
		ExitType VARCHAR(20),
		ExitPrice NUMERIC,
		ProfitLoss NUMERIC,
		EntryTime TIMESTAMPTZ,
		ExitTime TIMESTAMPTZ,
		TradeTimestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		UpdatedTimestamp TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the tables that do not exist yet
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.RunInTx(ctx, func(ctx context.Context, tx Querier) error {
		for _, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
		return nil
	})
}
