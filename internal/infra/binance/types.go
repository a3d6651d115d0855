package binance

import "github.com/shopspring/decimal"

// apiError is the error envelope Binance returns on non-2xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Cancelling open orders on a symbol that has none fails with this code.
// The relay treats it as the desired state.
const codeUnknownOrder = -2011

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type tickerPriceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type accountResponse struct {
	Balances []accountBalance `json:"balances"`
}

type accountBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// exchangeInfoResponse carries the subset of /api/v3/exchangeInfo the relay
// needs: the LOT_SIZE and PRICE_FILTER steps per symbol.
type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol  string         `json:"symbol"`
	Filters []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string          `json:"filterType"`
	StepSize   decimal.Decimal `json:"stepSize"`
	TickSize   decimal.Decimal `json:"tickSize"`
	MinQty     decimal.Decimal `json:"minQty"`
	MinPrice   decimal.Decimal `json:"minPrice"`
}

const (
	filterLotSize     = "LOT_SIZE"
	filterPriceFilter = "PRICE_FILTER"
)

// symbolFilters is the cached pair of quantization steps for one symbol.
type symbolFilters struct {
	stepSize decimal.Decimal
	tickSize decimal.Decimal
}
