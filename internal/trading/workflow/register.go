package workflow

import (
	"fmt"

	"signal_trader/internal/durable"
)

// Register adds the trade workflows and activities to reg
func Register(reg *durable.Registry, settings Settings, acts *Activities) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid trading settings: %w", err)
	}

	wf := NewTradeWorkflows(settings)
	workflows := map[string]durable.WorkflowFunc{
		SignalFanOutWorkflow:   wf.SignalFanOut,
		TradeLifecycleWorkflow: wf.TradeLifecycle,
	}
	for name, fn := range workflows {
		if err := reg.AddWorkflow(name, fn); err != nil {
			return err
		}
	}

	activities := map[string]durable.ActivityFunc{
		GetSignalsActivity:           acts.GetSignals,
		PrepareTradeActivity:         acts.PrepareTrade,
		CheckPositionActivity:        acts.CheckPosition,
		CancelTradeActivity:          acts.CancelTrade,
		FinalizeTradeEntryActivity:   acts.FinalizeTradeEntry,
		MonitorStatusActivity:        acts.MonitorStatus,
		DetectTPSLExitActivity:       acts.DetectTPSLExit,
		ClosePositionActivity:        acts.ClosePosition,
		UpdateOrderBookFinalActivity: acts.UpdateOrderBookFinal,
	}
	for name, fn := range activities {
		if err := reg.AddActivity(name, fn); err != nil {
			return err
		}
	}
	return nil
}
