// Package binance implements core.ExchangeGateway on Binance USD-M futures
package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/telemetry"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Binance API error codes the gateway translates
const (
	codeDisconnected       = -1001
	codeTooManyRequests    = -1003
	codeTimeout            = -1007
	codeInvalidSymbol      = -1121
	codeUnknownOrder       = -2013
	codeInsufficientMargin = -2019
	codeInvalidClientID    = -4015
	codeNoMarginChange     = -4046
	codeDuplicateClientID  = -4116
)

// Gateway talks to Binance futures through go-binance. Every call waits on the rate limiter and
// runs through a retry policy and circuit breaker that only handle transient errors.
type Gateway struct {
	client     *futures.Client
	limiter    *rate.Limiter
	pipeline   failsafe.Executor[any]
	quoteAsset string
	logger     core.ILogger
	tracer     trace.Tracer
}

// NewGateway creates a gateway from the exchange configuration
func NewGateway(cfg config.ExchangeConfig, logger core.ILogger) *Gateway {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(cfg.APIKey.Reveal(), cfg.SecretKey.Reveal())
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return newGateway(client, cfg, logger)
}

func newGateway(client *futures.Client, cfg config.ExchangeConfig, logger core.ILogger) *Gateway {
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return errors.Is(err, apperrors.ErrTransientGateway)
		}).
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		ReturnLastFailure().
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return errors.Is(err, apperrors.ErrTransientGateway)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		Build()

	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	return &Gateway{
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		pipeline:   failsafe.With[any](retryPolicy, breaker),
		quoteAsset: quote,
		logger:     logger.WithField("component", "binance_gateway"),
		tracer:     telemetry.GetTracer("binance-gateway"),
	}
}

// call runs fn under the limiter and the resilience pipeline and maps its error
func call[T any](ctx context.Context, g *Gateway, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := g.tracer.Start(ctx, "binance "+op, trace.WithAttributes(attribute.String("op", op)))
	defer span.End()

	res, err := g.pipeline.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		out, err := fn(ctx)
		if err != nil {
			if exec.Attempts() > 1 {
				g.logger.Warn("Binance call failed again", "op", op, "attempt", exec.Attempts(), "error", err)
			}
			return nil, mapError(err)
		}
		return out, nil
	})

	var zero T
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return zero, fmt.Errorf("%s: %w: circuit open", op, apperrors.ErrTransientGateway)
		}
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	if res == nil {
		return zero, nil
	}
	return res.(T), nil
}

// mapError translates go-binance errors into apperrors sentinels. The original error stays in
// the chain for logging.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeInvalidSymbol:
			return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, apiErr.Message)
		case codeDuplicateClientID:
			return fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, apiErr.Message)
		case codeInvalidClientID:
			return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrder, apiErr.Message)
		case codeUnknownOrder:
			return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Message)
		case codeInsufficientMargin:
			return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message)
		case 0, codeDisconnected, codeTooManyRequests, codeTimeout:
			// code 0 is an error page without a Binance payload
			return fmt.Errorf("%w: %s", apperrors.ErrTransientGateway, apiErr.Message)
		}
		return fmt.Errorf("%w: binance error %d: %s", apperrors.ErrOrderRejected, apiErr.Code, apiErr.Message)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrTransientGateway, err)
	}

	// go-binance reports non-JSON responses (gateway errors, 5xx pages) as plain errors
	return fmt.Errorf("%w: %v", apperrors.ErrTransientGateway, err)
}

func (g *Gateway) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	risks, err := call(ctx, g, "get position", func(ctx context.Context) ([]*futures.PositionRisk, error) {
		return g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	pos := &core.Position{Symbol: symbol, Amount: decimal.Zero, EntryPrice: decimal.Zero}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amount, err := parseDecimal(r.PositionAmt)
		if err != nil {
			return nil, err
		}
		entry, err := parseDecimal(r.EntryPrice)
		if err != nil {
			return nil, err
		}
		// hedge mode reports one row per side
		pos.Amount = pos.Amount.Add(amount)
		if !amount.IsZero() {
			pos.EntryPrice = entry
		}
	}
	return pos, nil
}

func (g *Gateway) SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode) error {
	marginType := futures.MarginTypeIsolated
	if mode == core.MarginCrossed {
		marginType = futures.MarginTypeCrossed
	}

	_, err := call(ctx, g, "set margin mode", func(ctx context.Context) (any, error) {
		err := g.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(marginType).Do(ctx)
		if isCode(err, codeNoMarginChange) {
			return nil, nil
		}
		return nil, err
	})
	return err
}

func (g *Gateway) GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := call(ctx, g, "get ticker", func(ctx context.Context) ([]*futures.SymbolPrice, error) {
		return g.client.NewListPricesService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseDecimal(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("get ticker %s: %w", symbol, apperrors.ErrInvalidSymbol)
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := call(ctx, g, "set leverage", func(ctx context.Context) (*futures.SymbolLeverage, error) {
		return g.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	})
	return err
}

// GetBalance returns the available balance of the quote asset
func (g *Gateway) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	balances, err := call(ctx, g, "get balance", func(ctx context.Context) ([]*futures.Balance, error) {
		return g.client.NewGetBalanceService().Do(ctx)
	})
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range balances {
		if b.Asset == g.quoteAsset {
			return parseDecimal(b.AvailableBalance)
		}
	}
	return decimal.Zero, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, spec core.OrderSpec) (int64, error) {
	resp, err := call(ctx, g, "place order", func(ctx context.Context) (*futures.CreateOrderResponse, error) {
		return g.orderService(spec).Do(ctx)
	})
	if err != nil {
		return 0, err
	}
	g.logger.Info("Order placed",
		"symbol", spec.Symbol,
		"side", spec.Side,
		"type", spec.Type,
		"order_id", resp.OrderID,
		"client_order_id", spec.ClientOrderID)
	return resp.OrderID, nil
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, clientOrderID string) (*core.ExchangeOrder, bool, error) {
	o, err := call(ctx, g, "get order", func(ctx context.Context) (*futures.Order, error) {
		return g.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	})
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &core.ExchangeOrder{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Status:        string(o.Status),
	}, true, nil
}

func (g *Gateway) orderService(spec core.OrderSpec) *futures.CreateOrderService {
	svc := g.client.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(futures.SideType(spec.Side)).
		Type(futures.OrderType(spec.Type))

	switch spec.Type {
	case core.OrderTypeLimit:
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(spec.Quantity.StringFixed(spec.Precision.QuantityDecimals)).
			Price(spec.Price.StringFixed(spec.Precision.PriceDecimals))
	case core.OrderTypeMarket:
		svc = svc.Quantity(spec.Quantity.StringFixed(spec.Precision.QuantityDecimals))
	case core.OrderTypeStopMarket, core.OrderTypeTakeProfitMarket:
		svc = svc.StopPrice(spec.StopPrice.StringFixed(spec.Precision.PriceDecimals))
		if !spec.ClosePosition {
			svc = svc.Quantity(spec.Quantity.StringFixed(spec.Precision.QuantityDecimals))
		}
	}
	if spec.ClosePosition {
		svc = svc.ClosePosition(true)
	}
	if spec.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if spec.ClientOrderID != "" {
		svc = svc.NewClientOrderID(spec.ClientOrderID)
	}
	return svc
}

// Ping checks connectivity for the health endpoint
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := call(ctx, g, "ping", func(ctx context.Context) (any, error) {
		return nil, g.client.NewPingService().Do(ctx)
	})
	return err
}

func (g *Gateway) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := call(ctx, g, "cancel all orders", func(ctx context.Context) (any, error) {
		return nil, g.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	})
	return err
}

func (g *Gateway) ListTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]core.Trade, error) {
	raw, err := call(ctx, g, "list trades", func(ctx context.Context) ([]*futures.AccountTrade, error) {
		svc := g.client.NewListAccountTradeService().Symbol(symbol)
		if !since.IsZero() {
			svc = svc.StartTime(since.UnixMilli())
		}
		if limit > 0 {
			svc = svc.Limit(limit)
		}
		return svc.Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	return convertTrades(raw)
}

func convertTrades(raw []*futures.AccountTrade) ([]core.Trade, error) {
	trades := make([]core.Trade, 0, len(raw))
	for _, t := range raw {
		price, err := parseDecimal(t.Price)
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimal(t.Quantity)
		if err != nil {
			return nil, err
		}
		pnl, err := parseDecimal(t.RealizedPnl)
		if err != nil {
			return nil, err
		}
		trades = append(trades, core.Trade{
			Symbol:      t.Symbol,
			OrderID:     t.OrderID,
			Side:        core.Side(t.Side),
			Price:       price,
			Quantity:    qty,
			RealizedPnL: pnl,
			Time:        time.UnixMilli(t.Time).UTC(),
		})
	}
	return trades, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

func isCode(err error, code int64) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
