package workflow

import (
	"errors"
	"fmt"

	"signal_trader/internal/core"
	"signal_trader/internal/durable"
)

// TradeWorkflows holds the orchestration code of the trade workload
type TradeWorkflows struct {
	settings Settings
}

func NewTradeWorkflows(settings Settings) *TradeWorkflows {
	return &TradeWorkflows{settings: settings}
}

// SignalFanOut starts one TradeLifecycle per active signal and waits for all of them
func (w *TradeWorkflows) SignalFanOut(ctx *durable.Context) (any, error) {
	log := ctx.Logger()

	var signals []core.Signal
	err := ctx.CallActivity(GetSignalsActivity, nil, durable.WithRetry(w.settings.ActivityRetry)).Await(&signals)
	if err != nil {
		log.Warn("Signal source unavailable, treating as empty", "error", err)
		return "No signals found.", nil
	}

	signals = dedupeSignals(signals, log)
	if len(signals) == 0 {
		return "No signals found.", nil
	}

	tasks := make([]*durable.Task, len(signals))
	for i, sig := range signals {
		tasks[i] = ctx.CallSubOrchestration(TradeLifecycleWorkflow, sig)
	}
	if err := ctx.WhenAll(tasks...).Await(nil); err != nil {
		log.Warn("A trade lifecycle did not complete", "error", err)
	}

	return fmt.Sprintf("Processed %d signals.", len(signals)), nil
}

// dedupeSignals keeps the first valid signal per symbol
func dedupeSignals(signals []core.Signal, log core.ILogger) []core.Signal {
	seen := make(map[string]bool, len(signals))
	out := make([]core.Signal, 0, len(signals))
	for _, sig := range signals {
		if err := sig.Validate(); err != nil {
			log.Warn("Dropping invalid signal", "error", err)
			continue
		}
		if seen[sig.Symbol] {
			log.Warn("Dropping duplicate signal", "symbol", sig.Symbol)
			continue
		}
		seen[sig.Symbol] = true
		out = append(out, sig)
	}
	return out
}

// TradeLifecycle drives one trade from entry orders to the final report
func (w *TradeWorkflows) TradeLifecycle(ctx *durable.Context) (any, error) {
	var sig core.Signal
	if err := ctx.GetInput(&sig); err != nil {
		return nil, err
	}
	symbol := sig.Symbol
	retry := durable.WithRetry(w.settings.ActivityRetry)
	log := ctx.Logger().WithField("symbol", symbol)

	// Preparing
	var prepared PrepareResult
	if err := ctx.CallActivity(PrepareTradeActivity, sig, retry).Await(&prepared); err != nil {
		var tf *durable.TaskFailedError
		if errors.As(err, &tf) {
			return fmt.Sprintf("Trade skipped for %s: %s", symbol, tf.Message), nil
		}
		return nil, err
	}
	if !prepared.Placed {
		return fmt.Sprintf("Trade skipped for %s: %s", symbol, prepared.Reason), nil
	}
	trade := prepared.Trade

	// EntryWait
	filled := false
	for check := 0; check < w.settings.EntryChecks && !filled; check++ {
		if err := ctx.CreateTimer(ctx.Now().Add(w.settings.EntryWait)).Await(nil); err != nil {
			return nil, err
		}
		if err := ctx.CallActivity(CheckPositionActivity, symbol, retry).Await(&filled); err != nil {
			log.Warn("Position check failed, counting as not filled", "error", err)
			filled = false
		}
	}
	if !filled {
		if err := ctx.CallActivity(CancelTradeActivity, trade, retry).Await(nil); err != nil {
			log.Error("Failed to cancel entry orders", "error", err)
		}
		return fmt.Sprintf("Entry timed out for %s.", symbol), nil
	}

	// Finalizing
	if err := ctx.CallActivity(FinalizeTradeEntryActivity, trade, retry).Await(nil); err != nil {
		log.Error("Failed to attach TP/SL orders", "error", err)
	}

	// Monitoring
	filledAt := ctx.Now()
	for trade.ExitType == core.ExitNone {
		if err := ctx.CreateTimer(w.settings.NextMonitorCheck(ctx.Now())).Await(nil); err != nil {
			return nil, err
		}

		var status MonitorStatus
		if err := ctx.CallActivity(MonitorStatusActivity, symbol, retry).Await(&status); err != nil {
			log.Warn("Monitor status unavailable, skipping this check", "error", err)
			continue
		}

		decision := w.settings.EvaluateExit(trade.Direction, status, ctx.Now().Sub(filledAt))
		switch {
		case decision.External:
			exit := core.ExitTPSLUnknown
			if err := ctx.CallActivity(DetectTPSLExitActivity, symbol, retry).Await(&exit); err != nil {
				log.Warn("Could not classify external exit", "error", err)
				exit = core.ExitTPSLUnknown
			}
			trade.ExitType = exit
		case decision.Exit():
			trade.ExitType = decision.Type
			if err := ctx.CallActivity(ClosePositionActivity, trade, retry).Await(nil); err != nil {
				// still open; the next check decides again
				log.Error("Failed to close position", "exit_type", decision.Type, "error", err)
				trade.ExitType = core.ExitNone
			}
		}
	}
	log.Info("Trade exited", "exit_type", trade.ExitType)

	// Reporting
	var final FinalResult
	if err := ctx.CallActivity(UpdateOrderBookFinalActivity, trade, retry).Await(&final); err != nil {
		return nil, fmt.Errorf("report %s exit %s: %w", symbol, trade.ExitType, err)
	}
	return fmt.Sprintf("Completed %s with %s. P/L: %s", symbol, trade.ExitType, final.PnL), nil
}
