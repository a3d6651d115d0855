package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeGateway is the capability the trade path consumes. Implementations
// report transport and rejection failures as *GatewayError; callers treat a
// failed step/tick/balance lookup as "assume unknown, apply fallback
// default" rather than aborting the trade.
type ExchangeGateway interface {
	FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	StepSize(ctx context.Context, symbol string) (decimal.Decimal, error)
	TickSize(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOpenOrders(ctx context.Context, symbol string) error
}

// ExchangeInspector covers the read-only calls the control surface proxies.
type ExchangeInspector interface {
	AccountBalances(ctx context.Context) ([]AssetBalance, error)
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	MyTrades(ctx context.Context, symbol string, limit int) ([]AccountTrade, error)
	ServerTime(ctx context.Context) (time.Time, error)
}

// Exchange is the full client surface.
type Exchange interface {
	ExchangeGateway
	ExchangeInspector
}

// SettingsStore is the cell-addressed operator panel plus an append-only
// trade log. Missing cells come back absent from the map, never as errors;
// callers substitute their defaults.
type SettingsStore interface {
	GetCells(ctx context.Context, keys []string) (map[string]string, error)
	SetCells(ctx context.Context, cells map[string]string) error
	AppendTradeLog(ctx context.Context, row TradeLogRow) error
}

// AssetBalance is one line of the exchange account snapshot.
type AssetBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// OpenOrder is a resting order as reported by the exchange.
type OpenOrder struct {
	Symbol      string          `json:"symbol"`
	OrderID     int64           `json:"orderId"`
	Side        string          `json:"side"`
	Type        string          `json:"type"`
	Price       decimal.Decimal `json:"price"`
	OrigQty     decimal.Decimal `json:"origQty"`
	ExecutedQty decimal.Decimal `json:"executedQty"`
	Status      string          `json:"status"`
	Time        int64           `json:"time"`
}

// AccountTrade is one historical account trade.
type AccountTrade struct {
	Symbol   string          `json:"symbol"`
	ID       int64           `json:"id"`
	OrderID  int64           `json:"orderId"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	QuoteQty decimal.Decimal `json:"quoteQty"`
	IsBuyer  bool            `json:"isBuyer"`
	Time     int64           `json:"time"`
}
