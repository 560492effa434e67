package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"signal_trader/internal/core"

	"github.com/jackc/pgx/v5"
)

const insertAttemptSQL = `
INSERT INTO OrderBook (IdempotencyKey, CoinSymbol, TradeDirection, SignalPrice, Quantity, TargetPrice, StopLossPrice, Status, EntryTime)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (IdempotencyKey) DO UPDATE SET IdempotencyKey = EXCLUDED.IdempotencyKey
RETURNING OrderID`

const findAttemptSQL = `
SELECT OrderID, IdempotencyKey, CoinSymbol, TradeDirection, SignalPrice, Quantity, TargetPrice, StopLossPrice, EntryTime
FROM OrderBook
WHERE IdempotencyKey = $1`

// InsertAttempt stores a new trade row with status Attempted. A second insert with the same
// idempotency key returns the id of the first row.
func (s *Store) InsertAttempt(ctx context.Context, attempt core.OrderAttempt) (int64, error) {
	var key any
	if attempt.IdempotencyKey != "" {
		key = attempt.IdempotencyKey
	}
	var entry any
	if !attempt.EntryTime.IsZero() {
		entry = attempt.EntryTime.UTC()
	}

	var id int64
	err := s.pool.QueryRow(ctx, insertAttemptSQL,
		key,
		attempt.Symbol,
		string(attempt.Direction),
		attempt.SignalPrice,
		attempt.Quantity,
		attempt.TargetPrice,
		attempt.StopLossPrice,
		string(core.OrderStatusAttempted),
		entry,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order attempt %s: %w", attempt.Symbol, err)
	}
	return id, nil
}

// FindAttempt looks a trade row up by idempotency key
func (s *Store) FindAttempt(ctx context.Context, idempotencyKey string) (int64, *core.OrderAttempt, error) {
	var (
		id        int64
		attempt   core.OrderAttempt
		direction string
		entry     *time.Time
	)
	err := s.pool.QueryRow(ctx, findAttemptSQL, idempotencyKey).Scan(
		&id,
		&attempt.IdempotencyKey,
		&attempt.Symbol,
		&direction,
		&attempt.SignalPrice,
		&attempt.Quantity,
		&attempt.TargetPrice,
		&attempt.StopLossPrice,
		&entry,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("find order attempt %q: %w", idempotencyKey, err)
	}

	attempt.Direction = core.Direction(direction)
	if entry != nil {
		attempt.EntryTime = entry.UTC()
	}
	return id, &attempt, nil
}

// UpdateStatus writes the non-zero fields of update to the row
func (s *Store) UpdateStatus(ctx context.Context, orderID int64, update core.OrderUpdate) error {
	query, args := buildStatusUpdate(orderID, update)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update order %d: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update order %d: no such row", orderID)
	}
	return nil
}

func buildStatusUpdate(orderID int64, update core.OrderUpdate) (string, []any) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != "" {
		add("Status", string(update.Status))
	}
	if update.StatusMessage != "" {
		add("StatusMessage", update.StatusMessage)
	}
	if update.ExitType != core.ExitNone {
		add("ExitType", string(update.ExitType))
	}
	if update.ExitPrice != nil {
		add("ExitPrice", *update.ExitPrice)
	}
	if update.ProfitLoss != nil {
		add("ProfitLoss", *update.ProfitLoss)
	}
	if update.EntryTime != nil {
		add("EntryTime", update.EntryTime.UTC())
	}
	if update.ExitTime != nil {
		add("ExitTime", update.ExitTime.UTC())
	}
	sets = append(sets, "UpdatedTimestamp = now()")

	args = append(args, orderID)
	query := fmt.Sprintf("UPDATE OrderBook SET %s WHERE OrderID = $%d", strings.Join(sets, ", "), len(args))
	return query, args
}
