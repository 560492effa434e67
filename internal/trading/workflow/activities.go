package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/durable"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PrepareResult is the outcome of PrepareTradeActivity. A skipped trade carries the reason.
type PrepareResult struct {
	Placed bool              `json:"placed"`
	Reason string            `json:"reason,omitempty"`
	Trade  core.TradeContext `json:"trade"`
}

// FinalResult is the realized outcome of a closed trade
type FinalResult struct {
	PnL       decimal.Decimal `json:"pnl"`
	ExitPrice decimal.Decimal `json:"exit_price"`
}

// Dependencies are the collaborators the activities talk to
type Dependencies struct {
	Signals     core.SignalSource
	Exchange    core.ExchangeGateway
	Orders      core.OrderRepository
	Instruments core.InstrumentRegistry
	Market      core.MarketDataSource
	Alerts      core.AlertSink
	Logger      core.ILogger
	// Now defaults to the wall clock in UTC
	Now func() time.Time
}

// Activities implements the side effects of the trade workload
type Activities struct {
	deps     Dependencies
	settings Settings
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	now      func() time.Time
}

func NewActivities(deps Dependencies, settings Settings) *Activities {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Activities{
		deps:     deps,
		settings: settings,
		logger:   deps.Logger.WithField("component", "trade_activities"),
		metrics:  telemetry.GetGlobalMetrics(),
		now:      now,
	}
}

// GetSignals lists the active signals
func (a *Activities) GetSignals(ctx context.Context, _ durable.Payload) (any, error) {
	signals, err := a.deps.Signals.ListActiveSignals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active signals: %w", err)
	}
	return signals, nil
}

// PrepareTrade checks the market and places the two entry limit orders.
// Every write is keyed by the call's idempotency key, so a retried attempt continues where the
// previous one stopped instead of opening a second trade.
func (a *Activities) PrepareTrade(ctx context.Context, input durable.Payload) (any, error) {
	var sig core.Signal
	if err := input.Decode(&sig); err != nil {
		return nil, durable.NonRetryable(fmt.Errorf("decode signal: %w", err))
	}
	info, _ := durable.GetActivityInfo(ctx)
	key := info.IdempotencyKey()

	res, err := a.prepare(ctx, sig, key)
	if err != nil {
		if info.IsLastAttempt() || !durable.IsRetryable(err) {
			a.deps.Alerts.Notify(ctx, "Error in PrepareTradeActivity: "+sig.Symbol, err.Error(), core.AlertSystemError)
		}
		return nil, err
	}
	return res, nil
}

func (a *Activities) prepare(ctx context.Context, sig core.Signal, key string) (*PrepareResult, error) {
	ex := a.deps.Exchange
	symbol := sig.Symbol
	log := a.logger.WithField("symbol", symbol)

	orderID, existing, err := a.deps.Orders.FindAttempt(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find order attempt: %w", err)
	}

	var trade core.TradeContext
	if existing != nil {
		// an earlier attempt of this call got as far as the order row
		precision, err := a.precision(ctx, symbol)
		if err != nil {
			return nil, err
		}
		trade = tradeContext(sig, existing.Quantity, precision, orderID, existing.EntryTime, key)
		log.Info("Resuming trade preparation", "order_record_id", orderID)
	} else {
		pos, err := ex.GetPosition(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("get position: %w", err)
		}
		if pos.IsOpen() {
			return skipped("Position already open for " + symbol), nil
		}

		if err := ex.SetMarginMode(ctx, symbol, core.MarginIsolated); err != nil {
			if errors.Is(err, apperrors.ErrInvalidSymbol) || errors.Is(err, apperrors.ErrDelisted) {
				log.Error("Symbol appears to be delisted, deactivating", "error", err)
				if err := a.deps.Instruments.Deactivate(ctx, symbol, a.settings.DeactivateNotes); err != nil {
					return nil, fmt.Errorf("deactivate %s: %w", symbol, err)
				}
				return skipped("Delisted symbol"), nil
			}
			log.Warn("Failed to set margin mode", "error", err)
		}

		market, err := ex.GetTicker(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("get ticker: %w", err)
		}
		if slippage := market.Sub(sig.CurrentPrice).Div(sig.CurrentPrice); slippage.Abs().GreaterThan(a.settings.MaxSlippage) {
			log.Info("Slippage check failed", "signal_price", sig.CurrentPrice, "market_price", market, "slippage", slippage)
			return skipped("Slippage Check Failed"), nil
		}

		precision, err := a.precision(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if err := ex.SetLeverage(ctx, symbol, a.settings.Leverage); err != nil {
			return nil, fmt.Errorf("set leverage: %w", err)
		}
		balance, err := ex.GetBalance(ctx)
		if err != nil {
			return nil, fmt.Errorf("get balance: %w", err)
		}

		half := balance.Mul(a.settings.Allocation).
			Mul(decimal.NewFromInt(int64(a.settings.Leverage))).
			Div(sig.CurrentPrice).
			Div(decimal.NewFromInt(2)).
			RoundFloor(precision.QuantityDecimals)
		if !half.IsPositive() {
			return skipped("Quantity below exchange precision"), nil
		}

		entryTime := a.now()
		orderID, err = a.deps.Orders.InsertAttempt(ctx, core.OrderAttempt{
			IdempotencyKey: key,
			Symbol:         symbol,
			Direction:      sig.Direction,
			SignalPrice:    sig.CurrentPrice,
			Quantity:       half.Mul(decimal.NewFromInt(2)),
			TargetPrice:    sig.TargetPrice,
			StopLossPrice:  sig.StopLossPrice,
			EntryTime:      entryTime,
		})
		if err != nil {
			return nil, fmt.Errorf("insert order attempt: %w", err)
		}
		trade = tradeContext(sig, half.Mul(decimal.NewFromInt(2)), precision, orderID, entryTime, key)
	}

	half := trade.Quantity.Div(decimal.NewFromInt(2)).RoundFloor(trade.Precision.QuantityDecimals)
	second := decimal.NewFromInt(1).Sub(a.settings.LimitOffset)
	if sig.Direction == core.Short {
		second = decimal.NewFromInt(1).Add(a.settings.LimitOffset)
	}
	prices := []decimal.Decimal{sig.CurrentPrice, sig.CurrentPrice.Mul(second)}

	// orders are only placed after the row exists, so a fresh row has none to look up
	resumed := existing != nil
	for i, price := range prices {
		err := a.placeOnce(ctx, core.OrderSpec{
			Symbol:        symbol,
			Side:          sig.Direction.EntrySide(),
			Type:          core.OrderTypeLimit,
			Quantity:      half,
			Price:         price.Round(trade.Precision.PriceDecimals),
			Precision:     trade.Precision,
			ClientOrderID: clientOrderID(key, fmt.Sprintf("entry-%d", i+1)),
		}, resumed)
		if err != nil {
			return nil, fmt.Errorf("place entry order %d: %w", i+1, err)
		}
	}

	log.Info("Entry orders placed",
		"direction", sig.Direction,
		"quantity", trade.Quantity,
		"order_record_id", trade.OrderRecordID)
	return &PrepareResult{Placed: true, Trade: trade}, nil
}

// placeOnce places spec unless an order with its client id already exists on the exchange.
// The exchange only rejects a reused client id while that order is open, so a filled or
// cancelled order must be found by lookup before placing again.
func (a *Activities) placeOnce(ctx context.Context, spec core.OrderSpec, lookup bool) error {
	if lookup {
		o, ok, err := a.deps.Exchange.GetOrder(ctx, spec.Symbol, spec.ClientOrderID)
		if err != nil {
			return fmt.Errorf("look up order %s: %w", spec.ClientOrderID, err)
		}
		if ok {
			a.logger.Info("Order already placed",
				"symbol", spec.Symbol,
				"client_order_id", spec.ClientOrderID,
				"order_id", o.OrderID,
				"status", o.Status)
			return nil
		}
	}
	_, err := a.deps.Exchange.PlaceOrder(ctx, spec)
	if errors.Is(err, apperrors.ErrDuplicateOrder) {
		return nil
	}
	return err
}

func (a *Activities) precision(ctx context.Context, symbol string) (core.Precision, error) {
	p, ok, err := a.deps.Instruments.GetPrecision(ctx, symbol)
	if err != nil {
		return core.Precision{}, fmt.Errorf("get precision: %w", err)
	}
	if !ok {
		return core.DefaultPrecision(), nil
	}
	return p, nil
}

// CheckPosition reports whether the entry orders have opened a position
func (a *Activities) CheckPosition(ctx context.Context, input durable.Payload) (any, error) {
	var symbol string
	if err := input.Decode(&symbol); err != nil {
		return nil, durable.NonRetryable(err)
	}
	pos, err := a.deps.Exchange.GetPosition(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return pos.IsOpen(), nil
}

// CancelTrade cancels the unfilled entry orders
func (a *Activities) CancelTrade(ctx context.Context, input durable.Payload) (any, error) {
	var trade core.TradeContext
	if err := input.Decode(&trade); err != nil {
		return nil, durable.NonRetryable(err)
	}
	if err := a.deps.Exchange.CancelAllOrders(ctx, trade.Symbol); err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}
	if err := a.deps.Orders.UpdateStatus(ctx, trade.OrderRecordID, core.OrderUpdate{Status: core.OrderStatusCancelled}); err != nil {
		return nil, fmt.Errorf("update order record: %w", err)
	}
	a.deps.Alerts.Notify(ctx, "Trade Cancelled: "+trade.Symbol, "Entry orders were not filled.", core.AlertTradeCancelled)
	return nil, nil
}

// FinalizeTradeEntry attaches the take-profit and stop-loss orders to the open position
func (a *Activities) FinalizeTradeEntry(ctx context.Context, input durable.Payload) (any, error) {
	var trade core.TradeContext
	if err := input.Decode(&trade); err != nil {
		return nil, durable.NonRetryable(err)
	}

	exits := []struct {
		tag   string
		typ   core.OrderType
		price decimal.Decimal
	}{
		{"tp", core.OrderTypeTakeProfitMarket, trade.TargetPrice},
		{"sl", core.OrderTypeStopMarket, trade.StopLossPrice},
	}
	for _, x := range exits {
		err := a.placeOnce(ctx, core.OrderSpec{
			Symbol:        trade.Symbol,
			Side:          trade.Direction.ExitSide(),
			Type:          x.typ,
			StopPrice:     x.price.Round(trade.Precision.PriceDecimals),
			Precision:     trade.Precision,
			ClosePosition: true,
			ClientOrderID: clientOrderID(trade.IdempotencyKey, x.tag),
		}, true)
		if err != nil {
			return nil, fmt.Errorf("place %s order: %w", x.tag, err)
		}
	}

	if err := a.deps.Orders.UpdateStatus(ctx, trade.OrderRecordID, core.OrderUpdate{Status: core.OrderStatusFilled}); err != nil {
		return nil, fmt.Errorf("update order record: %w", err)
	}
	a.deps.Alerts.Notify(ctx, "Trade Entry: "+trade.Symbol,
		fmt.Sprintf("Position is open for %s. TP/SL set.", trade.Symbol), core.AlertTradeEntry)
	return nil, nil
}

// MonitorStatus reads the position state and the latest z-score. A missing z-score reads as 0.
func (a *Activities) MonitorStatus(ctx context.Context, input durable.Payload) (any, error) {
	var symbol string
	if err := input.Decode(&symbol); err != nil {
		return nil, durable.NonRetryable(err)
	}

	z, ok, err := a.deps.Market.LatestZScore(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("latest z-score: %w", err)
	}
	if !ok {
		a.logger.Warn("No z-score available", "symbol", symbol)
	}

	pos, err := a.deps.Exchange.GetPosition(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return MonitorStatus{IsOpen: pos.IsOpen(), ZScore: z}, nil
}

// DetectTPSLExit classifies an external close by the sign of the most recent realized P&L
func (a *Activities) DetectTPSLExit(ctx context.Context, input durable.Payload) (any, error) {
	var symbol string
	if err := input.Decode(&symbol); err != nil {
		return nil, durable.NonRetryable(err)
	}
	trades, err := a.deps.Exchange.ListTrades(ctx, symbol, time.Time{}, a.settings.RecentTrades)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	if len(trades) == 0 {
		return core.ExitTPSLUnknown, nil
	}
	if realizedPnL(trades).IsPositive() {
		return core.ExitTakeProfit, nil
	}
	return core.ExitStopLoss, nil
}

// ClosePosition cancels the remaining orders and market-closes any residual position
func (a *Activities) ClosePosition(ctx context.Context, input durable.Payload) (any, error) {
	var trade core.TradeContext
	if err := input.Decode(&trade); err != nil {
		return nil, durable.NonRetryable(err)
	}
	ex := a.deps.Exchange

	if err := ex.CancelAllOrders(ctx, trade.Symbol); err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}
	pos, err := ex.GetPosition(ctx, trade.Symbol)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	if !pos.IsOpen() {
		return true, nil
	}

	side := core.SideSell
	if pos.Amount.IsNegative() {
		side = core.SideBuy
	}
	err = a.placeOnce(ctx, core.OrderSpec{
		Symbol:        trade.Symbol,
		Side:          side,
		Type:          core.OrderTypeMarket,
		Quantity:      pos.Amount.Abs(),
		Precision:     trade.Precision,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID(trade.IdempotencyKey, "close"),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("place close order: %w", err)
	}
	return true, nil
}

// UpdateOrderBookFinal computes the realized P&L since entry and closes the order record
func (a *Activities) UpdateOrderBookFinal(ctx context.Context, input durable.Payload) (any, error) {
	var trade core.TradeContext
	if err := input.Decode(&trade); err != nil {
		return nil, durable.NonRetryable(err)
	}

	trades, err := a.deps.Exchange.ListTrades(ctx, trade.Symbol, trade.EntryTime, 0)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	res := FinalResult{PnL: realizedPnL(trades), ExitPrice: decimal.Zero}
	if len(trades) > 0 {
		res.ExitPrice = trades[len(trades)-1].Price
	}

	entry, exit := trade.EntryTime, a.now()
	err = a.deps.Orders.UpdateStatus(ctx, trade.OrderRecordID, core.OrderUpdate{
		Status:     core.OrderStatusProfitLoss,
		ExitType:   trade.ExitType,
		ExitPrice:  &res.ExitPrice,
		ProfitLoss: &res.PnL,
		EntryTime:  &entry,
		ExitTime:   &exit,
	})
	if err != nil {
		return nil, fmt.Errorf("update order record: %w", err)
	}

	a.metrics.RecordTradeClosed(ctx, trade.Symbol, string(trade.ExitType), res.PnL.InexactFloat64())
	a.deps.Alerts.Notify(ctx, "Trade Closed: "+trade.Symbol,
		fmt.Sprintf("Exit Type: %s\nProfit/Loss: %s\nExit Price: %s", trade.ExitType, res.PnL, res.ExitPrice),
		core.AlertTradeClosed)
	return res, nil
}

func skipped(reason string) *PrepareResult {
	return &PrepareResult{Reason: reason}
}

func tradeContext(sig core.Signal, qty decimal.Decimal, p core.Precision, orderID int64, entry time.Time, key string) core.TradeContext {
	return core.TradeContext{
		Symbol:         sig.Symbol,
		Direction:      sig.Direction,
		SignalPrice:    sig.CurrentPrice,
		TargetPrice:    sig.TargetPrice,
		StopLossPrice:  sig.StopLossPrice,
		Quantity:       qty,
		Precision:      p,
		OrderRecordID:  orderID,
		EntryTime:      entry.UTC(),
		IdempotencyKey: key,
	}
}

func realizedPnL(trades []core.Trade) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.RealizedPnL)
	}
	return sum
}

// clientOrderID derives a stable exchange client order id (32 hex chars) from the call key
func clientOrderID(key, leg string) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(key+"/"+leg))
	return strings.ReplaceAll(id.String(), "-", "")
}
