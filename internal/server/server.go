// Package server exposes the relay's HTTP surface: the TradingView webhook,
// the command endpoint the operator CLI talks to, and a liveness probe.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/engine"
	"relaybot/internal/infra/storage"
)

// TradeHistory is the slice of the settings store the command endpoint reads
// for the local trade log.
type TradeHistory interface {
	RecentTrades(ctx context.Context, limit int) ([]storage.TradeLog, error)
}

// StreamStatus reports the price-stream health for debug_memory. May be nil
// when no stream is running.
type StreamStatus interface {
	Connected() bool
}

// Server wires the handlers to one http.Server.
type Server struct {
	engine     *engine.Engine
	exchange   domain.Exchange
	history    TradeHistory
	stream     StreamStatus
	passphrase string
	symbol     string // monitored symbol, used by get_capital_status

	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the server. addr is the listen address, passphrase guards both
// the webhook and the command endpoint.
func New(addr, passphrase, symbol string, eng *engine.Engine, exchange domain.Exchange, history TradeHistory, stream StreamStatus) *Server {
	s := &Server{
		engine:     eng,
		exchange:   exchange,
		history:    history,
		stream:     stream,
		passphrase: passphrase,
		symbol:     symbol,
		logger:     slog.Default().With("module", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/cli", s.handleCLI)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleRoot is the liveness probe hosting platforms poll.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte("Relay bot is running"))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
