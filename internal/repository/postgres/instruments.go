package postgres

import (
	"context"
	"errors"
	"fmt"

	"signal_trader/internal/core"

	"github.com/jackc/pgx/v5"
)

// Deactivate marks the symbol inactive so ingestion and signal generation skip it
func (s *Store) Deactivate(ctx context.Context, symbol, reason string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE CoinInfoTable SET IsActive = FALSE, DeactivationReason = $2, UpdatedAt = now()
WHERE CoinSymbol = $1`, symbol, truncate(reason, 200))
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn("Deactivated unknown symbol", "symbol", symbol)
	}
	return nil
}

// GetPrecision returns the exchange precision of symbol. Missing columns fall back to the
// default precision.
func (s *Store) GetPrecision(ctx context.Context, symbol string) (core.Precision, bool, error) {
	var price, quantity *int32
	err := s.pool.QueryRow(ctx,
		`SELECT PricePrecision, QuantityPrecision FROM CoinInfoTable WHERE CoinSymbol = $1`, symbol,
	).Scan(&price, &quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Precision{}, false, nil
	}
	if err != nil {
		return core.Precision{}, false, fmt.Errorf("get precision %s: %w", symbol, err)
	}

	p := core.DefaultPrecision()
	if price != nil {
		p.PriceDecimals = *price
	}
	if quantity != nil {
		p.QuantityDecimals = *quantity
	}
	return p, true, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
