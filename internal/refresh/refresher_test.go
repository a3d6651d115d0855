package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/service"

	"github.com/shopspring/decimal"
)

type fakeStore struct {
	mu         sync.Mutex
	cells      map[string]string
	written    []map[string]string
	setCellErr error
}

func newFakeStore(cells map[string]string) *fakeStore {
	return &fakeStore{cells: cells}
}

func (s *fakeStore) GetCells(ctx context.Context, keys []string) (map[string]string, error) {
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

func (s *fakeStore) SetCells(ctx context.Context, cells map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setCellErr != nil {
		return s.setCellErr
	}
	copied := make(map[string]string, len(cells))
	for k, v := range cells {
		s.cells[k] = v
		copied[k] = v
	}
	s.written = append(s.written, copied)
	return nil
}

func (s *fakeStore) AppendTradeLog(ctx context.Context, row domain.TradeLogRow) error {
	return nil
}

func (s *fakeStore) setCell(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells[key] = value
}

func (s *fakeStore) writes() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.written...)
}

type fakeGateway struct {
	balances map[string]decimal.Decimal
	price    decimal.Decimal
}

func (g *fakeGateway) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return g.balances[asset], nil
}

func (g *fakeGateway) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.price, nil
}

func (g *fakeGateway) StepSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.RequireFromString("0.001"), nil
}

func (g *fakeGateway) TickSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.RequireFromString("0.01"), nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	return nil, nil
}

func (g *fakeGateway) CancelOpenOrders(ctx context.Context, symbol string) error {
	return nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefresher_AppliesOperatorEdits(t *testing.T) {
	store := newFakeStore(map[string]string{
		domain.CellDedicatedCapital: "1000",
		domain.CellReinvestPercent:  "50",
		domain.CellOrderType:        "LIMIT",
	})
	cache := service.NewCapitalCache()
	r, err := NewRefresher(store, &fakeGateway{}, cache, "BTCUSDT", 10*time.Millisecond, 1000)
	if err != nil {
		t.Fatalf("NewRefresher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	// The startup refresh runs synchronously.
	snap := cache.Snapshot()
	if !snap.Capital.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Expected capital 1000, got %s", snap.Capital)
	}
	if !snap.ReinvestPercent.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected reinvest 50, got %s", snap.ReinvestPercent)
	}
	if snap.PreferredOrderType != domain.OrderTypeLimit {
		t.Errorf("Expected LIMIT, got %s", snap.PreferredOrderType)
	}

	// An operator edit is picked up on a later cycle.
	store.setCell(domain.CellReinvestPercent, "75")
	waitFor(t, func() bool {
		return cache.Snapshot().ReinvestPercent.Equal(decimal.NewFromInt(75))
	}, "edited reinvest percent never reached the cache")
}

func TestRefresher_NeverTouchesCostBasis(t *testing.T) {
	store := newFakeStore(map[string]string{
		domain.CellDedicatedCapital: "1000",
		domain.CellReinvestPercent:  "100",
		domain.CellCostBasis:        "999", // stale remote value
	})
	cache := service.NewCapitalCache()
	cache.SetPosition(decimal.NewFromInt(1000), decimal.NewFromInt(250))

	r, err := NewRefresher(store, &fakeGateway{}, cache, "BTCUSDT", 5*time.Millisecond, 1000)
	if err != nil {
		t.Fatalf("NewRefresher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	time.Sleep(50 * time.Millisecond)

	if got := cache.Snapshot().CostBasis; !got.Equal(decimal.NewFromInt(250)) {
		t.Errorf("Refresher clobbered the in-memory cost basis: got %s", got)
	}
}

func TestRefresher_EmptyCapitalLeavesCacheAlone(t *testing.T) {
	store := newFakeStore(map[string]string{})
	cache := service.NewCapitalCache()
	cache.SetSettings(decimal.NewFromInt(500), decimal.NewFromInt(80), "MARKET")

	r, err := NewRefresher(store, &fakeGateway{}, cache, "BTCUSDT", 5*time.Millisecond, 1000)
	if err != nil {
		t.Fatalf("NewRefresher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	time.Sleep(30 * time.Millisecond)

	snap := cache.Snapshot()
	if !snap.Capital.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Unconfigured store must not zero the cache, got capital %s", snap.Capital)
	}
}

func TestRefresher_PublishesTelemetry(t *testing.T) {
	store := newFakeStore(map[string]string{
		domain.CellDedicatedCapital: "1000",
	})
	gateway := &fakeGateway{
		balances: map[string]decimal.Decimal{
			"USDT": decimal.NewFromInt(900),
			"BTC":  decimal.RequireFromString("0.5"),
		},
		price: decimal.NewFromInt(60000),
	}
	cache := service.NewCapitalCache()

	r, err := NewRefresher(store, gateway, cache, "BTCUSDT", 5*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("NewRefresher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	waitFor(t, func() bool { return len(store.writes()) > 0 }, "telemetry was never published")

	w := store.writes()[0]
	if w[domain.CellWalletBalance] != "900" {
		t.Errorf("Expected wallet balance 900, got %q", w[domain.CellWalletBalance])
	}
	if w[domain.CellBaseBalance] != "0.5" {
		t.Errorf("Expected base balance 0.5, got %q", w[domain.CellBaseBalance])
	}
	if w[domain.CellLastPrice] != "60000" {
		t.Errorf("Expected last price 60000, got %q", w[domain.CellLastPrice])
	}
}

func TestRefresher_TelemetryFailureFeedsBackoff(t *testing.T) {
	store := newFakeStore(map[string]string{
		domain.CellDedicatedCapital: "1000",
	})
	store.setCellErr = errors.New("store down")

	r, err := NewRefresher(store, &fakeGateway{}, service.NewCapitalCache(), "BTCUSDT", time.Second, 2)
	if err != nil {
		t.Fatalf("NewRefresher failed: %v", err)
	}

	ctx := context.Background()

	// Off-telemetry cycles still succeed.
	if err := r.cycle(ctx, 1); err != nil {
		t.Fatalf("Settings-only cycle should succeed, got %v", err)
	}

	// A publish failure surfaces from the cycle, so the loop's failure streak
	// and backoff apply to it.
	if err := r.cycle(ctx, 2); err == nil {
		t.Fatal("Expected the telemetry cycle to report the store failure")
	}
}

func TestRefresher_PrefersStreamedPrice(t *testing.T) {
	store := newFakeStore(map[string]string{
		domain.CellDedicatedCapital: "1000",
	})
	gateway := &fakeGateway{
		balances: map[string]decimal.Decimal{},
		price:    decimal.NewFromInt(60000),
	}
	cache := service.NewCapitalCache()
	cache.SetLastPrice(decimal.NewFromInt(61234))

	r, err := NewRefresher(store, gateway, cache, "BTCUSDT", 5*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("NewRefresher failed: %v", err)
	}

	if got := r.referencePrice(context.Background()); !got.Equal(decimal.NewFromInt(61234)) {
		t.Errorf("Expected fresh streamed price 61234, got %s", got)
	}
}

func TestRefresher_RejectsBadSymbol(t *testing.T) {
	_, err := NewRefresher(newFakeStore(nil), &fakeGateway{}, service.NewCapitalCache(), "BTCEUR", time.Second, 4)
	if err == nil {
		t.Fatal("Expected error for unsupported quote asset")
	}
}
