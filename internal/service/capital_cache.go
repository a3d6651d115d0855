package service

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/domain"

	"github.com/shopspring/decimal"
)

// Defaults substituted for empty settings cells.
var (
	defaultReinvestPercent = decimal.NewFromInt(100)
)

// CapitalCache is the in-process mirror of the settings store, read
// synchronously by the trade path. The refresher owns ReinvestPercent and
// PreferredOrderType; the compounding engine owns Capital and CostBasis.
type CapitalCache struct {
	mu                 sync.RWMutex
	capital            decimal.Decimal
	costBasis          decimal.Decimal
	reinvestPercent    decimal.Decimal
	preferredOrderType string

	lastPrice   decimal.Decimal
	lastPriceAt time.Time

	// loadMu serializes the cold-start fallback so concurrent signals
	// trigger at most one blocking store read.
	loadMu sync.Mutex
}

// NewCapitalCache creates an empty cache. A zero capital value is the
// sentinel for "never yet populated" and triggers the synchronous store
// fallback on the next sizing read.
func NewCapitalCache() *CapitalCache {
	return &CapitalCache{
		reinvestPercent:    defaultReinvestPercent,
		preferredOrderType: domain.OrderTypeMarket,
	}
}

// Snapshot returns the current state without blocking on persistence.
func (c *CapitalCache) Snapshot() domain.CapitalSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return domain.CapitalSnapshot{
		Capital:            c.capital,
		CostBasis:          c.costBasis,
		ReinvestPercent:    c.reinvestPercent,
		PreferredOrderType: c.preferredOrderType,
	}
}

// SetSettings applies operator-configured values. Refresher only.
// Cost basis is deliberately not part of this write: once the engine owns
// it, a stale remote value must not clobber a fresher in-memory one.
func (c *CapitalCache) SetSettings(capital, reinvestPercent decimal.Decimal, orderType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capital = capital
	c.reinvestPercent = reinvestPercent
	if orderType != "" {
		c.preferredOrderType = orderType
	}
}

// SetPosition applies a post-fill compounding update. Engine only.
func (c *CapitalCache) SetPosition(capital, costBasis decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capital = capital
	c.costBasis = costBasis
}

// SetCostBasis seeds the recovered cost basis at process start.
func (c *CapitalCache) SetCostBasis(costBasis decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.costBasis = costBasis
}

// SetLastPrice records a live reference price from the stream worker.
func (c *CapitalCache) SetLastPrice(price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastPrice = price
	c.lastPriceAt = time.Now()
}

// LastPrice returns the live reference price and its age. Zero price means
// the stream has not delivered yet.
func (c *CapitalCache) LastPrice() (decimal.Decimal, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastPrice, c.lastPriceAt
}

// EnsureLoaded returns a snapshot, performing one blocking settings-store
// read first if the cache looks uninitialized (capital == 0). This is the
// single designed exception to the never-block-on-persistence rule for the
// trade path.
func (c *CapitalCache) EnsureLoaded(ctx context.Context, store domain.SettingsStore) (domain.CapitalSnapshot, error) {
	snap := c.Snapshot()
	if !snap.Capital.IsZero() {
		return snap, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	// Another signal may have finished the load while we waited.
	snap = c.Snapshot()
	if !snap.Capital.IsZero() {
		return snap, nil
	}

	cells, err := store.GetCells(ctx, []string{
		domain.CellDedicatedCapital,
		domain.CellReinvestPercent,
		domain.CellOrderType,
	})
	if err != nil {
		return snap, &domain.PersistenceError{Op: "get_cells", Err: err}
	}

	capital := parseCell(cells[domain.CellDedicatedCapital], decimal.Zero)
	percent := parseCell(cells[domain.CellReinvestPercent], defaultReinvestPercent)
	c.SetSettings(capital, percent, cells[domain.CellOrderType])

	return c.Snapshot(), nil
}

// parseCell parses a decimal cell, substituting def for empty or malformed
// values. Empty cells are never an error.
func parseCell(raw string, def decimal.Decimal) decimal.Decimal {
	if raw == "" {
		return def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return def
	}
	return d
}
