// Package refresh keeps the capital cache in sync with operator edits to the
// settings store, and periodically publishes telemetry (wallet balance,
// reference price) back to it.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/infra"
	"relaybot/internal/service"

	"github.com/shopspring/decimal"
)

// lastPriceMaxAge bounds how stale a streamed price may be before the
// telemetry pass falls back to a REST lookup.
const lastPriceMaxAge = 30 * time.Second

// Refresher polls the settings store on a fixed interval and copies the
// operator-owned cells into the cache. The cost basis cell is never read
// here: the engine owns it after startup, and a stale remote copy must not
// clobber a fresher in-memory one.
type Refresher struct {
	store   domain.SettingsStore
	gateway domain.ExchangeGateway
	cache   *service.CapitalCache
	logger  *slog.Logger

	symbol string
	base   string
	quote  string

	interval       time.Duration
	telemetryEvery int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefresher creates a refresher for one trading symbol. telemetryEvery
// controls how many refresh cycles pass between telemetry publishes.
func NewRefresher(store domain.SettingsStore, gateway domain.ExchangeGateway, cache *service.CapitalCache, symbol string, interval time.Duration, telemetryEvery int) (*Refresher, error) {
	base, quote, err := domain.SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if telemetryEvery <= 0 {
		telemetryEvery = 4
	}
	return &Refresher{
		store:          store,
		gateway:        gateway,
		cache:          cache,
		logger:         slog.Default().With("module", "refresher"),
		symbol:         symbol,
		base:           base,
		quote:          quote,
		interval:       interval,
		telemetryEvery: telemetryEvery,
	}, nil
}

// Start begins the refresh loop. The first read happens immediately so the
// cache is warm before the first webhook arrives.
func (r *Refresher) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	if err := r.refreshSettings(ctx); err != nil {
		r.logger.Warn("initial settings refresh failed", slog.Any("error", err))
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("refresher panic recovered", slog.Any("panic", rec))
			}
		}()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		iteration := 0
		failStreak := 0

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("refresher stopped")
				return
			case <-ticker.C:
				iteration++

				if err := r.cycle(ctx, iteration); err != nil {
					failStreak++
					delay := infra.CalculateBackoff(failStreak)
					r.logger.Warn("refresh cycle failed",
						slog.Int("streak", failStreak),
						slog.Duration("backoff", delay),
						slog.Any("error", err),
					)
					select {
					case <-ctx.Done():
						return
					case <-time.After(delay):
					}
					continue
				}
				failStreak = 0
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.wg.Wait()
	}
}

// cycle runs one pass of the loop. Failures in either phase surface to the
// caller so repeated failure of either one stretches the retry delay.
func (r *Refresher) cycle(ctx context.Context, iteration int) error {
	if err := r.refreshSettings(ctx); err != nil {
		return err
	}
	if iteration%r.telemetryEvery == 0 {
		return r.publishTelemetry(ctx)
	}
	return nil
}

// refreshSettings reads the operator cells and applies them to the cache.
func (r *Refresher) refreshSettings(ctx context.Context) error {
	cells, err := r.store.GetCells(ctx, []string{
		domain.CellDedicatedCapital,
		domain.CellReinvestPercent,
		domain.CellOrderType,
	})
	if err != nil {
		return &domain.PersistenceError{Op: "get_cells", Err: err}
	}

	capital, ok := parseDecimal(cells[domain.CellDedicatedCapital])
	if !ok {
		// An empty capital cell means the operator has not configured the
		// bot yet; leave the cache alone rather than zeroing it.
		return nil
	}

	percent, pok := parseDecimal(cells[domain.CellReinvestPercent])
	if !pok {
		percent = decimal.NewFromInt(100)
	}

	r.cache.SetSettings(capital, percent, cells[domain.CellOrderType])
	return nil
}

// publishTelemetry writes the wallet balance, base holdings, and a reference
// price to the store so the operator sees live figures next to the settings.
func (r *Refresher) publishTelemetry(ctx context.Context) error {
	cells := make(map[string]string)

	wallet, err := r.gateway.FreeBalance(ctx, r.quote)
	if err != nil {
		return err
	}
	cells[domain.CellWalletBalance] = wallet.String()

	held, err := r.gateway.FreeBalance(ctx, r.base)
	if err != nil {
		return err
	}
	cells[domain.CellBaseBalance] = held.String()

	price := r.referencePrice(ctx)
	if !price.IsZero() {
		cells[domain.CellLastPrice] = price.String()
	}

	if err := r.store.SetCells(ctx, cells); err != nil {
		return &domain.PersistenceError{Op: "set_cells", Err: err}
	}

	r.logger.Debug("telemetry published",
		slog.String("wallet", wallet.String()),
		slog.String("held", held.String()),
		slog.String("price", price.String()),
	)
	return nil
}

// referencePrice prefers the streamed price when it is fresh, falling back
// to a REST lookup. A zero return means no price is available at all.
func (r *Refresher) referencePrice(ctx context.Context) decimal.Decimal {
	streamed, at := r.cache.LastPrice()
	if !streamed.IsZero() && time.Since(at) <= lastPriceMaxAge {
		return streamed
	}

	live, err := r.gateway.Price(ctx, r.symbol)
	if err != nil {
		r.logger.Warn("reference price lookup failed", slog.Any("error", err))
		return streamed
	}
	return live
}

func parseDecimal(raw string) (decimal.Decimal, bool) {
	if raw == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
