package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relaybot/internal/infra"
	"relaybot/internal/service"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	WSURLMainnet = "wss://stream.binance.com:9443"
	WSURLTestnet = "wss://stream.testnet.binance.vision"

	maxStreamRetries = 10
	readTimeout      = 3 * time.Minute // miniTicker emits at least once a second
)

// miniTickerEvent is the per-symbol rolling-window ticker payload.
type miniTickerEvent struct {
	EventType string          `json:"e"` // 24hrMiniTicker
	Symbol    string          `json:"s"`
	Close     decimal.Decimal `json:"c"`
	EventTime int64           `json:"E"`
}

// StreamWorker maintains the miniTicker websocket connection for one symbol
// and feeds close prices into the capital cache. Prices are advisory; a
// dropped connection degrades the telemetry, never the trade path.
type StreamWorker struct {
	wsURL  string
	symbol string
	cache  *service.CapitalCache
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamWorker creates a worker for one symbol. wsURL may be empty to use
// the mainnet endpoint.
func NewStreamWorker(wsURL, symbol string, cache *service.CapitalCache) *StreamWorker {
	if wsURL == "" {
		wsURL = WSURLMainnet
	}
	return &StreamWorker{
		wsURL:  wsURL,
		symbol: symbol,
		cache:  cache,
		logger: slog.Default().With("module", "binance_stream"),
	}
}

// Connect starts the connection loop.
func (w *StreamWorker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *StreamWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.logger.Warn("stream connection failed",
				slog.Any("error", err), slog.Int("retry", retryCount))
			delay := infra.CalculateBackoff(retryCount)
			retryCount++
			if retryCount > maxStreamRetries {
				retryCount = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		} else {
			retryCount = 0
			w.readLoop(ctx)
		}
	}
}

func (w *StreamWorker) connect(ctx context.Context) error {
	// Raw single-stream endpoint, no subscribe message needed.
	streamURL := fmt.Sprintf("%s/ws/%s@miniTicker", w.wsURL, strings.ToLower(w.symbol))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	// The server pings periodically; answering keeps the connection alive.
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	w.logger.Info("price stream connected", slog.String("symbol", w.symbol))
	return nil
}

func (w *StreamWorker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.closeConnection()
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			w.logger.Warn("stream read failed, reconnecting", slog.Any("error", err))
			w.closeConnection()
			return
		}
		w.handleMessage(msg)
	}
}

func (w *StreamWorker) handleMessage(msg []byte) {
	var ev miniTickerEvent
	if json.Unmarshal(msg, &ev) != nil || ev.EventType != "24hrMiniTicker" {
		return
	}
	if ev.Close.IsZero() {
		return
	}
	w.cache.SetLastPrice(ev.Close)
}

func (w *StreamWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

// Connected reports whether the stream is currently up.
func (w *StreamWorker) Connected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// Disconnect stops the worker and closes the connection.
func (w *StreamWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
