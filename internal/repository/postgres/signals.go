package postgres

import (
	"context"
	"errors"
	"fmt"

	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"

	"github.com/jackc/pgx/v5"
)

// The active batch is the latest candle's signals for symbols that are still tradable
const activeSignalsSQL = `
SELECT s.CoinSymbol, s.Direction, s.CurrentPrice, s.TargetPrice, s.StopLossPrice
FROM SignalsTable s
LEFT JOIN CoinInfoTable c ON c.CoinSymbol = s.CoinSymbol
WHERE s.PriceDateTime = (SELECT MAX(PriceDateTime) FROM SignalsTable)
  AND COALESCE(c.IsActive, TRUE)
ORDER BY s.SignalID`

// ListActiveSignals reads the latest signal batch
func (s *Store) ListActiveSignals(ctx context.Context) ([]core.Signal, error) {
	rows, err := s.pool.Query(ctx, activeSignalsSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSourceUnavailable, err)
	}

	signals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.Signal, error) {
		var sig core.Signal
		var direction string
		err := row.Scan(&sig.Symbol, &direction, &sig.CurrentPrice, &sig.TargetPrice, &sig.StopLossPrice)
		if err != nil {
			return sig, err
		}
		// unknown directions are kept so the caller's validation can report them
		if d, perr := core.ParseDirection(direction); perr == nil {
			sig.Direction = d
		} else {
			sig.Direction = core.Direction(direction)
		}
		return sig, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSourceUnavailable, err)
	}
	return signals, nil
}

// LatestZScore returns the z-score of the most recent candle of symbol
func (s *Store) LatestZScore(ctx context.Context, symbol string) (float64, bool, error) {
	var z *float64
	err := s.pool.QueryRow(ctx, `
SELECT Zscore FROM FourHour WHERE CoinSymbol = $1
ORDER BY PriceDateTime DESC LIMIT 1`, symbol).Scan(&z)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest zscore %s: %w", symbol, err)
	}
	if z == nil {
		return 0, false, nil
	}
	return *z, true, nil
}
