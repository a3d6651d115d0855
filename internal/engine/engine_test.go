package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/queue"
	"relaybot/internal/service"

	"github.com/shopspring/decimal"
)

// fakeGateway is a scriptable exchange double. afterFill, when set, replaces
// the balance map once an order is placed, so post-fill remainder lookups see
// the world after the trade.
type fakeGateway struct {
	balances   map[string]decimal.Decimal
	afterFill  map[string]decimal.Decimal
	price      decimal.Decimal
	stepSize   decimal.Decimal
	tickSize   decimal.Decimal
	stepErr    error
	placed     []domain.OrderRequest
	nextResult *domain.OrderResult
	placeErr   error
	placePanic bool
	cancels    []string
}

func (g *fakeGateway) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	b, ok := g.balances[asset]
	if !ok {
		return decimal.Zero, nil
	}
	return b, nil
}

func (g *fakeGateway) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.price, nil
}

func (g *fakeGateway) StepSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if g.stepErr != nil {
		return decimal.Zero, g.stepErr
	}
	return g.stepSize, nil
}

func (g *fakeGateway) TickSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.tickSize, nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	g.placed = append(g.placed, req)
	if g.placePanic {
		panic("gateway blew up")
	}
	if g.placeErr != nil {
		return nil, g.placeErr
	}
	if g.afterFill != nil {
		g.balances = g.afterFill
	}
	return g.nextResult, nil
}

func (g *fakeGateway) CancelOpenOrders(ctx context.Context, symbol string) error {
	g.cancels = append(g.cancels, symbol)
	return nil
}

// memStore collects durable writes for assertions.
type memStore struct {
	mu      sync.Mutex
	cells   map[string]string
	logRows []domain.TradeLogRow
}

func newMemStore() *memStore {
	return &memStore{cells: make(map[string]string)}
}

func (s *memStore) GetCells(ctx context.Context, keys []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := s.cells[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *memStore) SetCells(ctx context.Context, cells map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range cells {
		s.cells[k] = v
	}
	return nil
}

func (s *memStore) AppendTradeLog(ctx context.Context, row domain.TradeLogRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logRows = append(s.logRows, row)
	return nil
}

func (s *memStore) rows() []domain.TradeLogRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TradeLogRow(nil), s.logRows...)
}

func (s *memStore) cell(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cells[key]
}

type fixture struct {
	engine  *Engine
	gateway *fakeGateway
	store   *memStore
	cache   *service.CapitalCache
	writer  *queue.Writer
}

func newFixture(t *testing.T, gateway *fakeGateway) *fixture {
	t.Helper()

	store := newMemStore()
	cache := service.NewCapitalCache()
	writer := queue.NewWriter(store, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	writer.Start(ctx)
	t.Cleanup(func() {
		cancel()
		writer.Stop()
	})

	eng := New(gateway, store, cache, writer, Config{})
	return &fixture{engine: eng, gateway: gateway, store: store, cache: cache, writer: writer}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.writer.Depth() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("write queue did not drain, %d pending", f.writer.Depth())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleSignal_MarketBuy(t *testing.T) {
	gateway := &fakeGateway{
		balances: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1000)},
		stepSize: decimal.RequireFromString("0.00001"),
		nextResult: &domain.OrderResult{
			Symbol:             "BTCUSDT",
			Side:               domain.SideBuy,
			Type:               domain.OrderTypeMarket,
			Status:             "FILLED",
			ExecutedQty:        decimal.RequireFromString("0.00833"),
			CumulativeQuoteQty: decimal.NewFromInt(500),
			Fills: []domain.Fill{
				{Price: decimal.NewFromInt(60000), Qty: decimal.RequireFromString("0.00833")},
			},
		},
	}
	f := newFixture(t, gateway)
	f.cache.SetSettings(decimal.NewFromInt(1000), decimal.NewFromInt(50), "")

	result, err := f.engine.HandleSignal(context.Background(), &domain.TradeSignal{
		Symbol: "BTCUSDT",
		Side:   domain.SideBuy,
		Reason: "tv alert",
	})
	if err != nil {
		t.Fatalf("HandleSignal failed: %v", err)
	}
	if result.Status != "FILLED" {
		t.Errorf("Expected FILLED, got %s", result.Status)
	}

	// 1000 capital, 50% reinvest -> 500 quote spend.
	if len(gateway.placed) != 1 {
		t.Fatalf("Expected 1 order, got %d", len(gateway.placed))
	}
	req := gateway.placed[0]
	if !req.QuoteAmount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected quote amount 500, got %s", req.QuoteAmount)
	}
	if !req.Quantity.IsZero() {
		t.Errorf("Market buy must use quote amount, got quantity %s", req.Quantity)
	}

	// Open orders were cleared first.
	if len(gateway.cancels) != 1 || gateway.cancels[0] != "BTCUSDT" {
		t.Errorf("Expected cancel of BTCUSDT open orders, got %v", gateway.cancels)
	}

	// Cache updated synchronously: costBasis 500, capital unchanged.
	snap := f.cache.Snapshot()
	if !snap.CostBasis.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected cost basis 500, got %s", snap.CostBasis)
	}
	if !snap.Capital.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Expected capital 1000, got %s", snap.Capital)
	}

	// Durable writes flushed: state cells and one log row.
	f.drain(t)
	if got := f.store.cell(domain.CellCostBasis); got != "500" {
		t.Errorf("Expected persisted cost basis 500, got %q", got)
	}
	rows := f.store.rows()
	if len(rows) != 1 || rows[0].Status != "FILLED" {
		t.Fatalf("Expected 1 FILLED log row, got %+v", rows)
	}
	if rows[0].Reason != "tv alert" {
		t.Errorf("Log row should carry the signal reason, got %q", rows[0].Reason)
	}
}

func TestHandleSignal_BuyBelowMinNotionalSkips(t *testing.T) {
	gateway := &fakeGateway{
		balances: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(16)},
	}
	f := newFixture(t, gateway)
	f.cache.SetSettings(decimal.NewFromInt(16), decimal.NewFromInt(50), "")

	_, err := f.engine.HandleSignal(context.Background(), &domain.TradeSignal{
		Symbol: "BTCUSDT",
		Side:   domain.SideBuy,
	})

	var rej *domain.SizingRejected
	if !errors.As(err, &rej) {
		t.Fatalf("Expected SizingRejected, got %v", err)
	}

	// No order reached the gateway.
	if len(gateway.placed) != 0 {
		t.Errorf("Skipped trade must not place an order, got %d", len(gateway.placed))
	}

	// A log row with the skip reason is still persisted.
	f.drain(t)
	rows := f.store.rows()
	if len(rows) != 1 {
		t.Fatalf("Expected 1 skip log row, got %d", len(rows))
	}
	if rows[0].Status != domain.LogStatusSkipped {
		t.Errorf("Expected Skipped status, got %q", rows[0].Status)
	}
}

func TestHandleSignal_SellFullBalance(t *testing.T) {
	gateway := &fakeGateway{
		balances:  map[string]decimal.Decimal{"BTC": decimal.NewFromInt(100)},
		afterFill: map[string]decimal.Decimal{},
		stepSize:  decimal.RequireFromString("0.001"),
		nextResult: &domain.OrderResult{
			Symbol:             "BTCUSDT",
			Side:               domain.SideSell,
			Type:               domain.OrderTypeMarket,
			Status:             "FILLED",
			ExecutedQty:        decimal.NewFromInt(100),
			CumulativeQuoteQty: decimal.NewFromInt(600),
		},
	}
	f := newFixture(t, gateway)
	f.cache.SetSettings(decimal.NewFromInt(1000), decimal.NewFromInt(100), "")
	f.cache.SetPosition(decimal.NewFromInt(1000), decimal.NewFromInt(500))

	result, err := f.engine.HandleSignal(context.Background(), &domain.TradeSignal{
		Symbol: "BTCUSDT",
		Side:   domain.SideSell,
	})
	if err != nil {
		t.Fatalf("HandleSignal failed: %v", err)
	}
	if !result.ExecutedQty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected executed qty 100, got %s", result.ExecutedQty)
	}

	// Full exit: zero BTC remained after the fill, so the whole basis was
	// consumed. Profit 600-500=100, capital 1100, basis 0.
	snap := f.cache.Snapshot()
	if !snap.Capital.Equal(decimal.NewFromInt(1100)) {
		t.Errorf("Expected capital 1100, got %s", snap.Capital)
	}
	if !snap.CostBasis.IsZero() {
		t.Errorf("Expected cost basis 0, got %s", snap.CostBasis)
	}

	f.drain(t)
	rows := f.store.rows()
	if len(rows) != 1 {
		t.Fatalf("Expected 1 log row, got %d", len(rows))
	}
	if !rows[0].Profit.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected profit 100 on log row, got %s", rows[0].Profit)
	}
}

func TestHandleSignal_SellZeroBalanceSkips(t *testing.T) {
	gateway := &fakeGateway{
		balances: map[string]decimal.Decimal{},
	}
	f := newFixture(t, gateway)
	f.cache.SetSettings(decimal.NewFromInt(1000), decimal.NewFromInt(100), "")

	_, err := f.engine.HandleSignal(context.Background(), &domain.TradeSignal{
		Symbol: "BTCUSDT",
		Side:   domain.SideSell,
	})

	var rej *domain.SizingRejected
	if !errors.As(err, &rej) {
		t.Fatalf("Expected SizingRejected for zero balance, got %v", err)
	}
	if len(gateway.placed) != 0 {
		t.Errorf("Skipped trade must not place an order")
	}
}

func TestHandleSignal_PercentOverrideAndSafetyClamp(t *testing.T) {
	gateway := &fakeGateway{
		balances: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1000)},
		nextResult: &domain.OrderResult{
			Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket,
			Status:             "FILLED",
			CumulativeQuoteQty: decimal.NewFromInt(999),
		},
	}
	f := newFixture(t, gateway)
	f.cache.SetSettings(decimal.NewFromInt(1000), decimal.NewFromInt(50), "")

	pct := decimal.NewFromInt(100)
	_, err := f.engine.HandleSignal(context.Background(), &domain.TradeSignal{
		Symbol:     "BTCUSDT",
		Side:       domain.SideBuy,
		Percent:    pct,
		HasPercent: true,
	})
	if err != nil {
		t.Fatalf("HandleSignal failed: %v", err)
	}

	// 100% clamps to 99.9% of effective cap: 999, not 1000.
	req := gateway.placed[0]
	if !req.QuoteAmount.Equal(decimal.NewFromInt(999)) {
		t.Errorf("Expected clamped amount 999, got %s", req.QuoteAmount)
	}
}

func TestHandleSignal_LimitBuyDerivesQuantity(t *testing.T) {
	gateway := &fakeGateway{
		balances: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1000)},
		stepSize: decimal.RequireFromString("0.001"),
		tickSize: decimal.RequireFromString("0.01"),
		nextResult: &domain.OrderResult{
			Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
			Status:  "NEW",
			OrigQty: decimal.RequireFromString("2.5"),
		},
	}
	f := newFixture(t, gateway)
	f.cache.SetSettings(decimal.NewFromInt(1000), decimal.NewFromInt(50), "")

	_, err := f.engine.HandleSignal(context.Background(), &domain.TradeSignal{
		Symbol:     "BTCUSDT",
		Side:       domain.SideBuy,
		OrderType:  domain.OrderTypeLimit,
		LimitPrice: decimal.NewFromInt(200),
	})
	if err != nil {
		t.Fatalf("HandleSignal failed: %v", err)
	}

	req := gateway.placed[0]
	if req.Type != domain.OrderTypeLimit {
		t.Fatalf("Expected LIMIT order, got %s", req.Type)
	}
	// 500 quote / 200 price = 2.5, step 0.001.
	if !req.Quantity.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("Expected quantity 2.5, got %s", req.Quantity)
	}
	if !req.Price.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Expected price 200, got %s", req.Price)
	}
	if req.TimeInForce != "GTC" {
		t.Errorf("Expected default GTC, got %s", req.TimeInForce)
	}

	// A resting limit order has no fill yet: compounding state untouched.
	snap := f.cache.Snapshot()
	if !snap.CostBasis.IsZero() {
		t.Errorf("Unfilled limit order must not move cost basis, got %s", snap.CostBasis)
	}
}

func TestHandleSignal_LimitPriceBelowTickSkips(t *testing.T) {
	gateway := &fakeGateway{
		balances: map[string]decimal.Decimal{
			"USDT": decimal.NewFromInt(1000),
			"BTC":  decimal.NewFromInt(1),
		},
		stepSize: decimal.RequireFromString("0.001"),
		tickSize: decimal.RequireFromString("0.01"),
	}
	f := newFixture(t, gateway)
	f.cache.SetSettings(decimal.NewFromInt(1000), decimal.NewFromInt(50), "")

	for _, side := range []string{domain.SideBuy, domain.SideSell} {
		_, err := f.engine.HandleSignal(context.Background(), &domain.TradeSignal{
			Symbol:     "BTCUSDT",
			Side:       side,
			OrderType:  domain.OrderTypeLimit,
			LimitPrice: decimal.RequireFromString("0.001"), // floors to zero at tick 0.01
		})

		var rej *domain.SizingRejected
		if !errors.As(err, &rej) {
			t.Fatalf("%s: expected SizingRejected for sub-tick limit price, got %v", side, err)
		}
	}

	if len(gateway.placed) != 0 {
		t.Errorf("Sub-tick limit price must not reach the gateway, got %+v", gateway.placed)
	}

	f.drain(t)
	rows := f.store.rows()
	if len(rows) != 2 {
		t.Fatalf("Expected 2 skip log rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Status != domain.LogStatusSkipped {
			t.Errorf("Expected Skipped status, got %q", row.Status)
		}
	}
}

func TestHandleSignal_SellPercentAboveFullClampsToFree(t *testing.T) {
	gateway := &fakeGateway{
		balances: map[string]decimal.Decimal{"BTC": decimal.NewFromInt(2)},
		stepSize: decimal.RequireFromString("0.001"),
		nextResult: &domain.OrderResult{
			Symbol: "BTCUSDT", Side: domain.SideSell, Type: domain.OrderTypeMarket,
			Status:             "FILLED",
			ExecutedQty:        decimal.NewFromInt(2),
			CumulativeQuoteQty: decimal.NewFromInt(120000),
		},
	}
	f := newFixture(t, gateway)
	f.cache.SetSettings(decimal.NewFromInt(1000), decimal.NewFromInt(100), "")

	_, err := f.engine.HandleSignal(context.Background(), &domain.TradeSignal{
		Symbol:     "BTCUSDT",
		Side:       domain.SideSell,
		Percent:    decimal.NewFromInt(150),
		HasPercent: true,
	})
	if err != nil {
		t.Fatalf("HandleSignal failed: %v", err)
	}

	// 150% of a 2 BTC balance would oversize; the free balance is the cap.
	req := gateway.placed[0]
	if !req.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected quantity clamped to 2, got %s", req.Quantity)
	}
}

func TestHandleSignal_GatewayPanicBecomesErrorRow(t *testing.T) {
	gateway := &fakeGateway{
		balances:   map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1000)},
		placePanic: true,
	}
	f := newFixture(t, gateway)
	f.cache.SetSettings(decimal.NewFromInt(1000), decimal.NewFromInt(50), "")

	_, err := f.engine.HandleSignal(context.Background(), &domain.TradeSignal{
		Symbol: "BTCUSDT",
		Side:   domain.SideBuy,
	})
	if err == nil {
		t.Fatal("Expected an error from the panicking gateway")
	}

	f.drain(t)
	rows := f.store.rows()
	if len(rows) != 1 || rows[0].Status != domain.LogStatusError {
		t.Fatalf("Expected 1 Error log row, got %+v", rows)
	}
}

func TestHandleSignal_StepSizeFailureFallsBack(t *testing.T) {
	gateway := &fakeGateway{
		balances: map[string]decimal.Decimal{"BTC": decimal.RequireFromString("0.123456789")},
		stepErr:  domain.NewGatewayError("exchange_info", errors.New("timeout")),
		nextResult: &domain.OrderResult{
			Symbol: "BTCUSDT", Side: domain.SideSell, Type: domain.OrderTypeMarket,
			Status:             "FILLED",
			ExecutedQty:        decimal.RequireFromString("0.12345"),
			CumulativeQuoteQty: decimal.NewFromInt(7400),
		},
	}
	f := newFixture(t, gateway)
	f.cache.SetSettings(decimal.NewFromInt(10000), decimal.NewFromInt(100), "")

	_, err := f.engine.HandleSignal(context.Background(), &domain.TradeSignal{
		Symbol: "BTCUSDT",
		Side:   domain.SideSell,
	})
	if err != nil {
		t.Fatalf("Step size failure must not abort the trade: %v", err)
	}

	// Fallback step 0.00001 floors the quantity at 5 decimal places.
	req := gateway.placed[0]
	if !req.Quantity.Equal(decimal.RequireFromString("0.12345")) {
		t.Errorf("Expected fallback-quantized 0.12345, got %s", req.Quantity)
	}
}

func TestHandleSignal_GatewayFailureLogsErrorRow(t *testing.T) {
	gateway := &fakeGateway{
		balances: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1000)},
		placeErr: domain.NewGatewayRejection("place_order", errors.New("insufficient balance")),
	}
	f := newFixture(t, gateway)
	f.cache.SetSettings(decimal.NewFromInt(1000), decimal.NewFromInt(50), "")

	_, err := f.engine.HandleSignal(context.Background(), &domain.TradeSignal{
		Symbol: "BTCUSDT",
		Side:   domain.SideBuy,
	})
	if err == nil {
		t.Fatal("Expected gateway error")
	}

	f.drain(t)
	rows := f.store.rows()
	if len(rows) != 1 || rows[0].Status != domain.LogStatusError {
		t.Fatalf("Expected 1 Error log row, got %+v", rows)
	}
}
