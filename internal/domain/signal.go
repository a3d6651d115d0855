package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"
)

// TradeSignal is one inbound webhook request, normalized. It lives for a
// single request; only its effects (order, log row, state update) persist.
type TradeSignal struct {
	Symbol      string          // normalized, e.g. "BTCUSDT"
	Side        string          // SideBuy or SideSell
	Percent     decimal.Decimal // percent of effective capital (BUY) or holdings (SELL)
	HasPercent  bool            // distinguishes "0%" from "not supplied"
	Quantity    decimal.Decimal // absolute base quantity override (SELL), zero if unset
	OrderType   string          // explicit type hint, "" falls back to the cached preference
	LimitPrice  decimal.Decimal // zero for market orders
	TimeInForce string          // e.g. "GTC", limit orders only
	Reason      string          // free text carried into the trade log
}

// OrderRequest is what the engine hands to the exchange gateway. Exactly one
// of Quantity or QuoteAmount is set.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal // base asset quantity
	QuoteAmount   decimal.Decimal // quote asset spend (market buy)
	Price         decimal.Decimal // limit orders only
	TimeInForce   string
	ClientOrderID string
}

// Fill is a single execution within an order.
type Fill struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// OrderResult is the exchange's view of a placed order.
type OrderResult struct {
	Symbol             string          `json:"symbol"`
	OrderID            int64           `json:"orderId"`
	ClientOrderID      string          `json:"clientOrderId"`
	Side               string          `json:"side"`
	Type               string          `json:"type"`
	Status             string          `json:"status"`
	Price              decimal.Decimal `json:"price"`
	OrigQty            decimal.Decimal `json:"origQty"`
	ExecutedQty        decimal.Decimal `json:"executedQty"`
	CumulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Fills              []Fill          `json:"fills,omitempty"`
	TransactTime       int64           `json:"transactTime,omitempty"`
}

// AvgFillPrice derives the volume-weighted fill price. Falls back to the
// order's quoted price when no fills are reported (limit orders resting on
// the book).
func (r *OrderResult) AvgFillPrice() decimal.Decimal {
	totalQty := decimal.Zero
	totalQuote := decimal.Zero
	for _, f := range r.Fills {
		totalQty = totalQty.Add(f.Qty)
		totalQuote = totalQuote.Add(f.Price.Mul(f.Qty))
	}
	if totalQty.IsPositive() {
		return totalQuote.Div(totalQty)
	}
	if r.ExecutedQty.IsPositive() && r.CumulativeQuoteQty.IsPositive() {
		return r.CumulativeQuoteQty.Div(r.ExecutedQty)
	}
	return r.Price
}

// TradeLogRow is one append-only line of trade history.
type TradeLogRow struct {
	Time        time.Time
	Symbol      string
	Side        string
	Type        string
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
	QuoteTotal  decimal.Decimal
	Profit      decimal.Decimal // realized P/L, SELL fills only
	Status      string          // "FILLED", "Skipped", "Error"
	Reason      string
}

const (
	LogStatusFilled  = "FILLED"
	LogStatusSkipped = "Skipped"
	LogStatusError   = "Error"
)
