package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaybot/internal/app"
	"relaybot/internal/engine"
	"relaybot/internal/infra/binance"
	"relaybot/internal/queue"
	"relaybot/internal/refresh"
	"relaybot/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}
	cfg := bootstrap.Config

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Exchange client and the live price stream.
	client := binance.NewClient(cfg)

	stream := binance.NewStreamWorker(cfg.Binance.WSURL, cfg.App.Symbol, bootstrap.Cache)
	if err := stream.Connect(ctx); err != nil {
		slog.Error("price stream failed to start", slog.Any("error", err))
	}
	defer stream.Disconnect()

	// Durable write queue.
	writer := queue.NewWriter(bootstrap.Storage, cfg.QueueRetryDelay())
	writer.Start(ctx)
	defer writer.Stop()

	// Background settings refresher.
	refresher, err := refresh.NewRefresher(
		bootstrap.Storage, client, bootstrap.Cache,
		cfg.App.Symbol, cfg.RefreshInterval(), cfg.Refresh.TelemetryEvery,
	)
	if err != nil {
		slog.Error("refresher setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	refresher.Start(ctx)
	defer refresher.Stop()

	// Trade engine and HTTP surface.
	eng := engine.New(client, bootstrap.Storage, bootstrap.Cache, writer, engine.Config{
		MinNotional:      cfg.Trading.MinNotional,
		DustFactor:       cfg.Trading.DustFactor,
		SlippagePercent:  cfg.Trading.SlippagePercent,
		DefaultOrderType: cfg.Trading.DefaultOrderType,
	})

	srv := server.New(cfg.Server.Addr, cfg.Server.Passphrase, cfg.App.Symbol, eng, client, bootstrap.Storage, stream)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	slog.Info("relay operational",
		slog.String("app", cfg.App.Name),
		slog.String("symbol", cfg.App.Symbol),
		slog.String("addr", cfg.Server.Addr),
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			slog.Error("http server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", slog.Any("error", err))
	}
}
