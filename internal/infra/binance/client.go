// Package binance is the boundary layer to the Binance spot REST and
// websocket APIs. All quantities cross it as decimal strings; nothing here
// does float arithmetic.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/infra"

	"github.com/shopspring/decimal"
)

const (
	BaseURLMainnet = "https://api.binance.com"
	BaseURLTestnet = "https://testnet.binance.vision"
)

// Client is the Binance spot REST client. It implements domain.Exchange.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	retry      infra.RetryPolicy
	logger     *slog.Logger

	filterMu sync.RWMutex
	filters  map[string]symbolFilters
}

// NewClient creates a client from the loaded configuration.
func NewClient(cfg *infra.Config) *Client {
	baseURL := cfg.Binance.RestURL
	if baseURL == "" {
		baseURL = BaseURLMainnet
		if cfg.Binance.Testnet {
			baseURL = BaseURLTestnet
		}
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer:  NewSigner(cfg.Binance.APIKey, cfg.Binance.SecretKey),
		retry:   infra.DefaultRetryPolicy,
		logger:  slog.Default().With("module", "binance_client"),
		filters: make(map[string]symbolFilters),
	}
}

// ServerTime fetches the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp serverTimeResponse
	if err := c.get(ctx, "/api/v3/time", nil, false, &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.ServerTime), nil
}

// Price fetches the latest traded price for a symbol.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp tickerPriceResponse
	if err := c.get(ctx, "/api/v3/ticker/price", params, false, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Price, nil
}

// FreeBalance returns the free (unlocked) amount of one asset.
func (c *Client) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := c.AccountBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free, nil
		}
	}
	return decimal.Zero, nil
}

// AccountBalances returns the non-zero account balances.
func (c *Client) AccountBalances(ctx context.Context) ([]domain.AssetBalance, error) {
	params := url.Values{}
	params.Set("omitZeroBalances", "true")

	var resp accountResponse
	if err := c.get(ctx, "/api/v3/account", params, true, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.AssetBalance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		out = append(out, domain.AssetBalance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	return out, nil
}

// StepSize returns the LOT_SIZE quantization step for a symbol.
func (c *Client) StepSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f, err := c.symbolFilters(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return f.stepSize, nil
}

// TickSize returns the PRICE_FILTER quantization step for a symbol.
func (c *Client) TickSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f, err := c.symbolFilters(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return f.tickSize, nil
}

// symbolFilters returns the cached quantization steps, fetching exchangeInfo
// on the first request per symbol. Filters change rarely enough that the
// cache is never invalidated within a process lifetime.
func (c *Client) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	c.filterMu.RLock()
	f, ok := c.filters[symbol]
	c.filterMu.RUnlock()
	if ok {
		return f, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)

	var resp exchangeInfoResponse
	if err := c.get(ctx, "/api/v3/exchangeInfo", params, false, &resp); err != nil {
		return symbolFilters{}, err
	}
	if len(resp.Symbols) == 0 {
		return symbolFilters{}, domain.NewGatewayRejection("exchange_info",
			fmt.Errorf("symbol %s not found", symbol))
	}

	for _, filter := range resp.Symbols[0].Filters {
		switch filter.FilterType {
		case filterLotSize:
			f.stepSize = filter.StepSize
		case filterPriceFilter:
			f.tickSize = filter.TickSize
		}
	}
	if f.stepSize.IsZero() || f.tickSize.IsZero() {
		return symbolFilters{}, domain.NewGatewayRejection("exchange_info",
			fmt.Errorf("symbol %s missing lot or price filter", symbol))
	}

	c.filterMu.Lock()
	c.filters[symbol] = f
	c.filterMu.Unlock()

	return f, nil
}

// PlaceOrder submits a spot order. Market buys carry quoteOrderQty so the
// exchange does the price conversion; everything else carries quantity.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("newOrderRespType", "FULL")
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	if req.QuoteAmount.IsPositive() {
		params.Set("quoteOrderQty", req.QuoteAmount.String())
	} else {
		params.Set("quantity", req.Quantity.String())
	}

	if req.Type == domain.OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", req.TimeInForce)
	}

	var result domain.OrderResult
	if err := c.signedCall(ctx, http.MethodPost, "/api/v3/order", params, &result); err != nil {
		return nil, err
	}

	c.logger.Info("order placed",
		slog.String("symbol", result.Symbol),
		slog.String("side", result.Side),
		slog.String("status", result.Status),
		slog.Int64("order_id", result.OrderID),
	)
	return &result, nil
}

// CancelOpenOrders cancels every resting order on the symbol. A "no open
// orders" rejection is the desired end state, not an error.
func (c *Client) CancelOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)

	var cancelled []json.RawMessage
	err := c.signedCall(ctx, http.MethodDelete, "/api/v3/openOrders", params, &cancelled)
	if err != nil {
		if hasAPICode(err, codeUnknownOrder) {
			return nil
		}
		return err
	}

	if len(cancelled) > 0 {
		c.logger.Info("open orders cancelled",
			slog.String("symbol", symbol),
			slog.Int("count", len(cancelled)),
		)
	}
	return nil
}

// OpenOrders lists the resting orders for a symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var orders []domain.OpenOrder
	if err := c.get(ctx, "/api/v3/openOrders", params, true, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// MyTrades lists recent account trades for a symbol, newest last.
func (c *Client) MyTrades(ctx context.Context, symbol string, limit int) ([]domain.AccountTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}

	var trades []domain.AccountTrade
	if err := c.get(ctx, "/api/v3/myTrades", params, true, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// get performs a GET request, signed or public, decoding into out.
// Transient failures are retried; rejections abort immediately.
func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}

	return c.retry.Do(ctx, func() error {
		// Rebuilt each attempt so a signed query carries a fresh timestamp.
		var query string
		if signed {
			query = c.signer.SignParams(params)
		} else {
			query = params.Encode()
		}

		reqURL := c.baseURL + path
		if query != "" {
			reqURL += "?" + query
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return infra.Permanent(domain.NewGatewayError(path, err))
		}
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.signer.APIKey())
		}

		if err := c.do(req, path, out); err != nil {
			if domain.IsRetriable(err) {
				return err
			}
			return infra.Permanent(err)
		}
		return nil
	})
}

// signedCall performs a signed mutating request with the parameters in the
// query string, the way the spot API expects.
func (c *Client) signedCall(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	query := c.signer.SignParams(params)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return domain.NewGatewayError(path, err)
	}
	req.Header.Set("X-MBX-APIKEY", c.signer.APIKey())

	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewGatewayError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewGatewayError(op, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			wrapped := fmt.Errorf("code %d: %s", apiErr.Code, apiErr.Msg)
			if retriableStatus(resp.StatusCode) {
				return domain.NewGatewayError(op, wrapped)
			}
			return domain.NewGatewayRejection(op, wrapped)
		}
		wrapped := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if retriableStatus(resp.StatusCode) {
			return domain.NewGatewayError(op, wrapped)
		}
		return domain.NewGatewayRejection(op, wrapped)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.NewGatewayError(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// retriableStatus reports whether a retry could plausibly change the
// outcome: server errors and rate limiting, but not request rejections.
func retriableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == 418
}

// hasAPICode reports whether err is a GatewayError carrying the given
// Binance business code.
func hasAPICode(err error, code int) bool {
	var g *domain.GatewayError
	if !errors.As(err, &g) {
		return false
	}
	return strings.Contains(g.Err.Error(), fmt.Sprintf("code %d:", code))
}
