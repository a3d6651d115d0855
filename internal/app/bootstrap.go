// Package app orchestrates process startup: configuration, logging, storage
// and the one-time state recovery read.
package app

import (
	"context"
	"log/slog"

	"relaybot/internal/domain"
	"relaybot/internal/infra"
	"relaybot/internal/infra/storage"
	"relaybot/internal/service"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Bootstrap holds the long-lived dependencies built during startup.
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage
	Cache   *service.CapitalCache
}

// NewBootstrap creates an empty Bootstrap instance.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration, wires logging, opens the settings store and
// recovers the persisted compounding state.
func (b *Bootstrap) Initialize(configPath string) error {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err == nil {
		slog.Info("environment loaded from .env")
	}

	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	store, err := storage.NewStorage(cfg.Store.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("settings store opened", slog.String("path", cfg.Store.Path))

	b.Cache = service.NewCapitalCache()
	b.recoverCostBasis(context.Background())

	return nil
}

// recoverCostBasis seeds the cache with the cost basis persisted by the last
// run. This read happens exactly once; afterwards the engine owns the value
// and the store copy only trails it.
func (b *Bootstrap) recoverCostBasis(ctx context.Context) {
	raw, err := b.Storage.GetCell(ctx, domain.CellCostBasis)
	if err != nil {
		slog.Warn("cost basis recovery failed, starting from zero", slog.Any("error", err))
		return
	}
	if raw == "" {
		return
	}

	basis, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Warn("persisted cost basis unparseable, starting from zero",
			slog.String("raw", raw))
		return
	}

	b.Cache.SetCostBasis(basis)
	slog.Info("cost basis recovered", slog.String("cost_basis", basis.String()))
}
