// Package workflow holds the durable trade workload: a fan-out over active signals and one
// lifecycle instance per traded symbol.
package workflow

import (
	"fmt"
	"time"

	"signal_trader/pkg/retry"

	"github.com/shopspring/decimal"
)

// Workflow names
const (
	SignalFanOutWorkflow   = "SignalFanOut"
	TradeLifecycleWorkflow = "TradeLifecycle"
)

// Activity names
const (
	GetSignalsActivity           = "GetSignalsActivity"
	PrepareTradeActivity         = "PrepareTradeActivity"
	CheckPositionActivity        = "CheckPositionActivity"
	CancelTradeActivity          = "CancelTradeActivity"
	FinalizeTradeEntryActivity   = "FinalizeTradeEntryActivity"
	MonitorStatusActivity        = "MonitorStatusActivity"
	DetectTPSLExitActivity       = "DetectTPSLExitActivity"
	ClosePositionActivity        = "ClosePositionActivity"
	UpdateOrderBookFinalActivity = "UpdateOrderBookFinalActivity"
)

// Settings are the trading parameters. They are fixed when the workflows are registered, so
// every replay of an instance sees the same values.
type Settings struct {
	EntryWait   time.Duration
	EntryChecks int

	MonitorHours  []int
	MonitorMinute int
	MaxHold       time.Duration

	// Z-score thresholds for LONG trades; SHORT trades use the mirrored signs
	Level2ZScore float64
	Level0ZScore float64

	MaxSlippage     decimal.Decimal
	Leverage        int
	Allocation      decimal.Decimal
	LimitOffset     decimal.Decimal
	RecentTrades    int
	ActivityRetry   retry.Policy
	DeactivateNotes string
}

// DefaultSettings returns the production trading parameters
func DefaultSettings() Settings {
	return Settings{
		EntryWait:       3 * time.Minute,
		EntryChecks:     2,
		MonitorHours:    []int{0, 4, 8, 12, 16, 20},
		MonitorMinute:   15,
		MaxHold:         12 * time.Hour,
		Level2ZScore:    -2.0,
		Level0ZScore:    -0.25,
		MaxSlippage:     decimal.NewFromFloat(0.01),
		Leverage:        5,
		Allocation:      decimal.NewFromFloat(0.1),
		LimitOffset:     decimal.NewFromFloat(0.01),
		RecentTrades:    2,
		ActivityRetry:   retry.DefaultPolicy,
		DeactivateNotes: "Delisted / Invalid Symbol detected during trade setup",
	}
}

// Validate checks the settings
func (s Settings) Validate() error {
	if s.EntryWait <= 0 {
		return fmt.Errorf("entry wait must be positive")
	}
	if s.EntryChecks < 1 {
		return fmt.Errorf("entry checks must be at least 1")
	}
	if len(s.MonitorHours) == 0 {
		return fmt.Errorf("monitor hours must not be empty")
	}
	for _, h := range s.MonitorHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("monitor hour %d out of range", h)
		}
	}
	if s.MonitorMinute < 0 || s.MonitorMinute > 59 {
		return fmt.Errorf("monitor minute %d out of range", s.MonitorMinute)
	}
	if s.MaxHold <= 0 {
		return fmt.Errorf("max hold must be positive")
	}
	if s.Level2ZScore >= s.Level0ZScore {
		return fmt.Errorf("level2 z-score (%v) must be below level0 z-score (%v)", s.Level2ZScore, s.Level0ZScore)
	}
	if !s.MaxSlippage.IsPositive() {
		return fmt.Errorf("max slippage must be positive")
	}
	if s.Leverage < 1 || s.Leverage > 125 {
		return fmt.Errorf("leverage %d out of range", s.Leverage)
	}
	if !s.Allocation.IsPositive() || s.Allocation.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("allocation must be in (0, 1]")
	}
	if s.LimitOffset.IsNegative() || s.LimitOffset.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("limit offset must be in [0, 1)")
	}
	if s.RecentTrades < 1 {
		return fmt.Errorf("recent trades must be at least 1")
	}
	return s.ActivityRetry.Validate()
}
