package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/infra"
)

// cliRequest is the command envelope the operator tool sends.
type cliRequest struct {
	Passphrase string            `json:"passphrase"`
	Method     string            `json:"method"`
	Params     map[string]string `json:"params"`
}

// handleCLI dispatches allow-listed read and maintenance commands. Anything
// outside the list is rejected; the exchange API is never exposed raw.
func (s *Server) handleCLI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req cliRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !s.authorized(req.Passphrase) {
		authErr := &domain.AuthError{Remote: r.RemoteAddr}
		s.logger.Warn("command rejected", slog.Any("error", authErr), slog.String("remote", authErr.Remote))
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	out, err := s.dispatchCommand(r, &req)
	if err != nil {
		if err == domain.ErrUnknownCommand {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown method %q", req.Method))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) dispatchCommand(r *http.Request, req *cliRequest) (interface{}, error) {
	ctx := r.Context()
	symbol := req.Params["symbol"]

	switch req.Method {
	case "account", "balance":
		balances, err := s.exchange.AccountBalances(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"balances": balances}, nil

	case "ticker_price":
		price, err := s.exchange.Price(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return map[string]string{"symbol": symbol, "price": price.String()}, nil

	case "get_open_orders":
		return s.exchange.OpenOrders(ctx, symbol)

	case "my_trades":
		limit := 0
		if raw := req.Params["limit"]; raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid limit %q", raw)
			}
			limit = n
		}
		return s.exchange.MyTrades(ctx, symbol, limit)

	case "cancel_open_orders":
		if err := s.exchange.CancelOpenOrders(ctx, symbol); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok", "symbol": symbol}, nil

	case "time":
		t, err := s.exchange.ServerTime(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"serverTime": t.UnixMilli()}, nil

	case "get_capital_status":
		_, quote, err := domain.SplitSymbol(s.symbol)
		if err != nil {
			return nil, err
		}
		return s.engine.Status(ctx, quote), nil

	case "trade_log":
		limit := 20
		if raw := req.Params["limit"]; raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid limit %q", raw)
			}
			limit = n
		}
		return s.history.RecentTrades(ctx, limit)

	case "debug_memory":
		return s.memorySnapshot(), nil

	default:
		return nil, domain.ErrUnknownCommand
	}
}

// memorySnapshot assembles the process health figures the operator tool
// prints for debug_memory.
func (s *Server) memorySnapshot() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	streamConnected := false
	if s.stream != nil {
		streamConnected = s.stream.Connected()
	}

	metrics := infra.GlobalMetrics.Snapshot()
	return map[string]interface{}{
		"goroutines":       runtime.NumGoroutine(),
		"heap_alloc_bytes": m.HeapAlloc,
		"heap_sys_bytes":   m.HeapSys,
		"num_gc":           m.NumGC,
		"stream_connected": streamConnected,
		"uptime_check":     time.Now().Format(time.RFC3339),
		"metrics":          metrics,
	}
}

// decodeJSONBody decodes a bounded request body, rejecting trailing data.
func decodeJSONBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}
