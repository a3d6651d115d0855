// Package engine holds the position-sizing and compounding core: it turns
// an inbound trade signal into an exchange order sized by the
// percentage-of-capital rule, and advances the compounding state after the
// fill.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/infra"
	"relaybot/internal/queue"
	"relaybot/internal/service"
	"relaybot/pkg/quant"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Conservative fallbacks used when the exchange filter lookup fails. A
// possibly-imprecise order is preferred over no order; this is a documented
// risk, not a correctness guarantee.
var (
	fallbackStepSize = decimal.RequireFromString("0.00001")
	fallbackTickSize = decimal.RequireFromString("0.000001")

	hundred      = decimal.NewFromInt(100)
	fullPercent  = decimal.RequireFromString("99.9")
	safetyMargin = decimal.RequireFromString("0.999")
)

// Config carries the operator-tunable sizing parameters.
type Config struct {
	MinNotional      decimal.Decimal // skip trades at or below this quote amount
	DustFactor       decimal.Decimal // see ApplySellFill
	SlippagePercent  decimal.Decimal // limit price adjustment when the signal has no price
	DefaultOrderType string          // used when neither the signal nor the settings name one
}

// Engine executes signals against the gateway and owns the capital /
// cost-basis fields of the shared cache.
type Engine struct {
	gateway domain.ExchangeGateway
	store   domain.SettingsStore
	cache   *service.CapitalCache
	writer  *queue.Writer
	cfg     Config
	logger  *slog.Logger
}

// New creates an engine around the shared cache and write queue.
func New(gateway domain.ExchangeGateway, store domain.SettingsStore, cache *service.CapitalCache, writer *queue.Writer, cfg Config) *Engine {
	if cfg.MinNotional.IsZero() {
		cfg.MinNotional = decimal.NewFromInt(10)
	}
	if cfg.DustFactor.IsZero() {
		cfg.DustFactor = decimal.RequireFromString("0.01")
	}
	if cfg.DefaultOrderType == "" {
		cfg.DefaultOrderType = domain.OrderTypeMarket
	}
	return &Engine{
		gateway: gateway,
		store:   store,
		cache:   cache,
		writer:  writer,
		cfg:     cfg,
		logger:  slog.Default().With("module", "engine"),
	}
}

// HandleSignal runs one signal end to end: size, execute, compound, enqueue
// persistence. A *domain.SizingRejected error is the normal "Skipped"
// outcome; persistence failures never surface here.
func (e *Engine) HandleSignal(ctx context.Context, sig *domain.TradeSignal) (*domain.OrderResult, error) {
	base, quote, err := domain.SplitSymbol(sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol %q: %w", sig.Symbol, err)
	}

	result, err := e.executeSafe(ctx, sig, base, quote)
	if err != nil {
		if rej, ok := asSizingRejected(err); ok {
			infra.GlobalMetrics.RecordOrderSkipped()
			e.enqueueLog(domain.TradeLogRow{
				Time:   time.Now(),
				Symbol: sig.Symbol,
				Side:   sig.Side,
				Status: domain.LogStatusSkipped,
				Reason: rej.Reason,
			})
			return nil, err
		}

		infra.GlobalMetrics.RecordGatewayError()
		e.enqueueLog(domain.TradeLogRow{
			Time:   time.Now(),
			Symbol: sig.Symbol,
			Side:   sig.Side,
			Status: domain.LogStatusError,
			Reason: err.Error(),
		})
		return nil, err
	}

	infra.GlobalMetrics.RecordOrderPlaced()
	return result, nil
}

// executeSafe converts a panic on the request path into an error, so the
// caller still gets a response and HandleSignal still logs an error row.
func (e *Engine) executeSafe(ctx context.Context, sig *domain.TradeSignal, base, quote string) (result *domain.OrderResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("signal execution panicked: %v", rec)
		}
	}()
	return e.execute(ctx, sig, base, quote)
}

func (e *Engine) execute(ctx context.Context, sig *domain.TradeSignal, base, quote string) (*domain.OrderResult, error) {
	snap, err := e.cache.EnsureLoaded(ctx, e.store)
	if err != nil {
		// Cold cache and the store is down: proceed on whatever the cache
		// holds rather than refusing the trade.
		e.logger.Warn("cache fallback read failed", slog.Any("error", err))
	}

	// Signal hint wins, then the operator's stored preference, then config.
	orderType := sig.OrderType
	if orderType == "" {
		orderType = snap.PreferredOrderType
	}
	if orderType == "" {
		orderType = e.cfg.DefaultOrderType
	}

	// One order per symbol: clear anything still resting before placing.
	if err := e.gateway.CancelOpenOrders(ctx, sig.Symbol); err != nil {
		e.logger.Warn("cancel open orders failed, continuing",
			slog.String("symbol", sig.Symbol), slog.Any("error", err))
	}

	switch sig.Side {
	case domain.SideBuy:
		return e.executeBuy(ctx, sig, snap, quote, orderType)
	case domain.SideSell:
		return e.executeSell(ctx, sig, base, orderType)
	default:
		return nil, fmt.Errorf("unknown side %q", sig.Side)
	}
}

// executeBuy sizes a buy from effective capital and places it.
func (e *Engine) executeBuy(ctx context.Context, sig *domain.TradeSignal, snap domain.CapitalSnapshot, quote, orderType string) (*domain.OrderResult, error) {
	walletFree, err := e.gateway.FreeBalance(ctx, quote)
	if err != nil {
		// Unknown wallet balance: size from the capital cap alone.
		e.logger.Warn("quote balance lookup failed, sizing from capital cap",
			slog.Any("error", err))
		walletFree = snap.Capital
	}

	effectiveCap := decimal.Min(snap.Capital, walletFree)

	percent := snap.ReinvestPercent
	if sig.HasPercent {
		percent = sig.Percent
	}

	// Near-100% buys keep a sliver of margin so balance precision at the
	// exchange cannot reject the order.
	multiplier := percent.Div(hundred)
	if percent.GreaterThanOrEqual(fullPercent) {
		multiplier = safetyMargin
	}

	amount := effectiveCap.Mul(multiplier).Truncate(2)
	if amount.LessThanOrEqual(e.cfg.MinNotional) {
		return nil, &domain.SizingRejected{
			Reason: fmt.Sprintf("amount %s at or below minimum notional %s", amount, e.cfg.MinNotional),
		}
	}

	req := domain.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          domain.SideBuy,
		Type:          orderType,
		ClientOrderID: newClientOrderID(),
	}

	if orderType == domain.OrderTypeLimit {
		price, err := e.limitPrice(ctx, sig, domain.SideBuy)
		if err != nil {
			return nil, err
		}
		qty, err := e.quantizeToStep(ctx, sig.Symbol, amount.Div(price))
		if err != nil {
			return nil, err
		}
		if qty.IsZero() {
			return nil, &domain.SizingRejected{Reason: "quantity quantized to zero"}
		}
		req.Quantity = qty
		req.Price = price
		req.TimeInForce = timeInForceOrDefault(sig.TimeInForce)
	} else {
		req.QuoteAmount = amount
	}

	result, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	e.applyBuyResult(sig, result)
	return result, nil
}

// executeSell sizes a sell from the held base balance and places it.
func (e *Engine) executeSell(ctx context.Context, sig *domain.TradeSignal, base, orderType string) (*domain.OrderResult, error) {
	free, err := e.gateway.FreeBalance(ctx, base)
	if err != nil {
		return nil, err
	}
	if free.IsZero() {
		return nil, &domain.SizingRejected{Reason: fmt.Sprintf("no free %s balance to sell", base)}
	}

	// Full balance is the canonical sell; percent and absolute quantity are
	// accepted overrides.
	qty := free
	if sig.HasPercent {
		qty = decimal.Min(free.Mul(sig.Percent).Div(hundred), free)
	} else if sig.Quantity.IsPositive() {
		qty = decimal.Min(sig.Quantity, free)
	}

	qty, qErr := e.quantizeToStep(ctx, sig.Symbol, qty)
	if qErr != nil {
		return nil, qErr
	}
	if qty.IsZero() {
		return nil, &domain.SizingRejected{Reason: "sell quantity quantized to zero"}
	}

	req := domain.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          domain.SideSell,
		Type:          orderType,
		Quantity:      qty,
		ClientOrderID: newClientOrderID(),
	}

	if orderType == domain.OrderTypeLimit {
		price, err := e.limitPrice(ctx, sig, domain.SideSell)
		if err != nil {
			return nil, err
		}
		req.Price = price
		req.TimeInForce = timeInForceOrDefault(sig.TimeInForce)
	}

	result, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	e.applySellResult(ctx, sig, base, result)
	return result, nil
}

// applyBuyResult advances the compounding state for a buy fill and queues
// the durable writes.
func (e *Engine) applyBuyResult(sig *domain.TradeSignal, result *domain.OrderResult) {
	executedQuote := result.CumulativeQuoteQty
	if executedQuote.IsZero() {
		// Resting limit order: nothing filled yet, nothing to attribute.
		e.enqueueLog(logRowFromResult(sig, result, decimal.Zero))
		return
	}

	snap := e.cache.Snapshot()
	pos := ApplyBuyFill(Position{Capital: snap.Capital, CostBasis: snap.CostBasis}, executedQuote)

	e.cache.SetPosition(pos.Capital, pos.CostBasis)
	e.writer.Enqueue(queue.StateUpdate{Capital: pos.Capital, CostBasis: pos.CostBasis})
	e.enqueueLog(logRowFromResult(sig, result, decimal.Zero))

	e.logger.Info("buy fill applied",
		slog.String("symbol", sig.Symbol),
		slog.String("quote_value", executedQuote.String()),
		slog.String("cost_basis", pos.CostBasis.String()),
	)
}

// applySellResult realizes P/L for a sell fill and queues the durable
// writes.
func (e *Engine) applySellResult(ctx context.Context, sig *domain.TradeSignal, base string, result *domain.OrderResult) {
	executedQty := result.ExecutedQty
	executedQuote := result.CumulativeQuoteQty
	if executedQty.IsZero() {
		e.enqueueLog(logRowFromResult(sig, result, decimal.Zero))
		return
	}

	remaining, err := e.gateway.FreeBalance(ctx, base)
	if err != nil {
		// Unknown remainder: assume a full exit, which zeroes the basis via
		// the dust path rather than leaving stale cost attached to nothing.
		e.logger.Warn("post-fill balance lookup failed, assuming full exit",
			slog.Any("error", err))
		remaining = decimal.Zero
	}

	snap := e.cache.Snapshot()
	pos, profit := ApplySellFill(
		Position{Capital: snap.Capital, CostBasis: snap.CostBasis},
		executedQuote, executedQty, remaining, e.cfg.DustFactor,
	)

	e.cache.SetPosition(pos.Capital, pos.CostBasis)
	e.writer.Enqueue(queue.StateUpdate{Capital: pos.Capital, CostBasis: pos.CostBasis})
	e.enqueueLog(logRowFromResult(sig, result, profit))

	e.logger.Info("sell fill applied",
		slog.String("symbol", sig.Symbol),
		slog.String("profit", profit.String()),
		slog.String("capital", pos.Capital.String()),
	)
}

// limitPrice resolves the limit price: signal-supplied, else the live price
// adjusted by the configured slippage, quantized to the tick size.
func (e *Engine) limitPrice(ctx context.Context, sig *domain.TradeSignal, side string) (decimal.Decimal, error) {
	price := sig.LimitPrice
	if price.IsZero() {
		live, err := e.gateway.Price(ctx, sig.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
		slip := e.cfg.SlippagePercent.Div(hundred)
		if side == domain.SideBuy {
			price = live.Mul(decimal.NewFromInt(1).Add(slip))
		} else {
			price = live.Mul(decimal.NewFromInt(1).Sub(slip))
		}
	}

	tick, err := e.gateway.TickSize(ctx, sig.Symbol)
	if err != nil {
		e.logger.Warn("tick size lookup failed, using fallback",
			slog.String("symbol", sig.Symbol), slog.Any("error", err))
		tick = fallbackTickSize
	}

	quantized, qErr := quant.Quantize(price, tick)
	if qErr != nil {
		return decimal.Zero, qErr
	}
	// A price below the tick floors to zero and would divide the sizing by
	// zero further down.
	if !quantized.IsPositive() {
		return decimal.Zero, &domain.SizingRejected{
			Reason: fmt.Sprintf("limit price %s quantized to zero at tick size %s", price, tick),
		}
	}
	return quantized, nil
}

// quantizeToStep floors qty to the symbol's lot step, falling back to the
// conservative default step when the filter lookup fails.
func (e *Engine) quantizeToStep(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	step, err := e.gateway.StepSize(ctx, symbol)
	if err != nil {
		e.logger.Warn("step size lookup failed, using fallback",
			slog.String("symbol", symbol), slog.Any("error", err))
		step = fallbackStepSize
	}
	return quant.Quantize(qty, step)
}

// CapitalStatus is the control-surface snapshot of the sizing inputs.
type CapitalStatus struct {
	WalletBalance string `json:"wallet_balance"`
	DedicatedCap  string `json:"dedicated_cap"`
	ReinvestPct   string `json:"reinvest_pct"`
	EffectiveCap  string `json:"effective_cap"`
	CostBasis     string `json:"cost_basis"`
	LastPrice     string `json:"last_price"`
}

// Status assembles the capital status for the control surface. The wallet
// balance comes from the gateway; a lookup failure reports zero rather than
// failing the whole snapshot.
func (e *Engine) Status(ctx context.Context, quote string) CapitalStatus {
	snap := e.cache.Snapshot()

	wallet, err := e.gateway.FreeBalance(ctx, quote)
	if err != nil {
		e.logger.Warn("wallet balance lookup failed", slog.Any("error", err))
		wallet = decimal.Zero
	}

	lastPrice, _ := e.cache.LastPrice()

	return CapitalStatus{
		WalletBalance: wallet.String(),
		DedicatedCap:  snap.Capital.String(),
		ReinvestPct:   snap.ReinvestPercent.String(),
		EffectiveCap:  decimal.Min(snap.Capital, wallet).String(),
		CostBasis:     snap.CostBasis.String(),
		LastPrice:     lastPrice.String(),
	}
}

func (e *Engine) enqueueLog(row domain.TradeLogRow) {
	e.writer.Enqueue(queue.LogRow{Row: row})
}

func logRowFromResult(sig *domain.TradeSignal, result *domain.OrderResult, profit decimal.Decimal) domain.TradeLogRow {
	return domain.TradeLogRow{
		Time:        time.Now(),
		Symbol:      result.Symbol,
		Side:        result.Side,
		Type:        result.Type,
		ExecutedQty: result.ExecutedQty,
		AvgPrice:    result.AvgFillPrice(),
		QuoteTotal:  result.CumulativeQuoteQty,
		Profit:      profit,
		Status:      result.Status,
		Reason:      sig.Reason,
	}
}

func asSizingRejected(err error) (*domain.SizingRejected, bool) {
	var rej *domain.SizingRejected
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func newClientOrderID() string {
	return "relay-" + uuid.NewString()
}

func timeInForceOrDefault(tif string) string {
	if tif == "" {
		return "GTC"
	}
	return tif
}
