package workflow

import (
	"sort"
	"time"

	"signal_trader/internal/core"
)

// MonitorStatus is what one monitoring wake observes
type MonitorStatus struct {
	IsOpen bool    `json:"is_open"`
	ZScore float64 `json:"zscore"`
}

// ExitDecision is the outcome of one monitoring wake
type ExitDecision struct {
	Type core.ExitType
	// External means the position was closed on the exchange; the exit type is still unknown
	External bool
}

// Exit reports whether the trade ends on this wake
func (d ExitDecision) Exit() bool {
	return d.External || d.Type != core.ExitNone
}

// EvaluateExit applies the exit rules in priority order: external close, then the z-score
// bands with Level2 before Level0, then the holding time limit.
func (s Settings) EvaluateExit(direction core.Direction, status MonitorStatus, held time.Duration) ExitDecision {
	if !status.IsOpen {
		return ExitDecision{External: true}
	}

	z := status.ZScore
	if direction == core.Short {
		z = -z
	}
	switch {
	case z < s.Level2ZScore:
		return ExitDecision{Type: core.ExitLevel2}
	case z > s.Level0ZScore:
		return ExitDecision{Type: core.ExitLevel0}
	}

	if held >= s.MaxHold {
		return ExitDecision{Type: core.ExitTime}
	}
	return ExitDecision{}
}

// NextMonitorCheck returns the first configured check instant strictly after now, in UTC
func (s Settings) NextMonitorCheck(now time.Time) time.Time {
	now = now.UTC()
	hours := append([]int(nil), s.MonitorHours...)
	sort.Ints(hours)

	for day := 0; day <= 1; day++ {
		for _, h := range hours {
			// time.Date normalizes day overflow into the next month and year
			at := time.Date(now.Year(), now.Month(), now.Day()+day, h, s.MonitorMinute, 0, 0, time.UTC)
			if at.After(now) {
				return at
			}
		}
	}
	return time.Date(now.Year(), now.Month(), now.Day()+1, hours[0], s.MonitorMinute, 0, 0, time.UTC)
}

// NextMonitorCheck uses the default schedule: minute 15 of every fourth hour
func NextMonitorCheck(now time.Time) time.Time {
	return DefaultSettings().NextMonitorCheck(now)
}
