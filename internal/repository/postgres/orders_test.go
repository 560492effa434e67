package postgres

import (
	"testing"
	"time"

	"signal_trader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBuildStatusUpdate(t *testing.T) {
	exit := decimal.RequireFromString("101.5")
	pnl := decimal.RequireFromString("-20")
	entry := time.Date(2026, 1, 31, 20, 15, 0, 0, time.FixedZone("CET", 3600))
	exitTime := time.Date(2026, 2, 1, 0, 15, 0, 0, time.UTC)

	tests := []struct {
		name      string
		update    core.OrderUpdate
		wantQuery string
		wantArgs  []any
	}{
		{
			name:      "status only",
			update:    core.OrderUpdate{Status: core.OrderStatusFilled},
			wantQuery: "UPDATE OrderBook SET Status = $1, UpdatedTimestamp = now() WHERE OrderID = $2",
			wantArgs:  []any{"Filled", int64(7)},
		},
		{
			name:      "status with message",
			update:    core.OrderUpdate{Status: core.OrderStatusCancelled, StatusMessage: "Entry timed out"},
			wantQuery: "UPDATE OrderBook SET Status = $1, StatusMessage = $2, UpdatedTimestamp = now() WHERE OrderID = $3",
			wantArgs:  []any{"Cancelled", "Entry timed out", int64(7)},
		},
		{
			name: "final report",
			update: core.OrderUpdate{
				Status:     core.OrderStatusProfitLoss,
				ExitType:   core.ExitLevel2,
				ExitPrice:  &exit,
				ProfitLoss: &pnl,
				EntryTime:  &entry,
				ExitTime:   &exitTime,
			},
			wantQuery: "UPDATE OrderBook SET Status = $1, ExitType = $2, ExitPrice = $3, ProfitLoss = $4, " +
				"EntryTime = $5, ExitTime = $6, UpdatedTimestamp = now() WHERE OrderID = $7",
			wantArgs: []any{"Profit/Loss", "Level2", exit, pnl, entry.UTC(), exitTime, int64(7)},
		},
		{
			name:      "empty update only touches the timestamp",
			update:    core.OrderUpdate{},
			wantQuery: "UPDATE OrderBook SET UpdatedTimestamp = now() WHERE OrderID = $1",
			wantArgs:  []any{int64(7)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildStatusUpdate(7, tt.update)
			assert.Equal(t, tt.wantQuery, query)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "äö", truncate("äöü", 2))
}
