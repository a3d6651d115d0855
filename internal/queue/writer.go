// Package queue implements the durable write queue: every persistent
// mutation (trade log rows, compounding state) flows through one FIFO
// drained by a single consumer goroutine, so durable writes are totally
// ordered by enqueue time and spreadsheet-grade write latency never touches
// the trade path.
//
// Entries live in memory only. A crash before flush loses the pending
// writes; this is an accepted limitation, the settings store itself is the
// durability floor.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/infra"

	"github.com/shopspring/decimal"
)

// PendingWrite is one durable mutation waiting to be flushed.
type PendingWrite interface {
	pendingWrite()
}

// LogRow is a trade history line for the append-only log.
type LogRow struct {
	Row domain.TradeLogRow
}

func (LogRow) pendingWrite() {}

// StateUpdate mirrors the in-memory compounding state to the store.
type StateUpdate struct {
	Capital   decimal.Decimal
	CostBasis decimal.Decimal
}

func (StateUpdate) pendingWrite() {}

// Writer drains pending writes to the settings store in arrival order.
// The head entry is retried until the store accepts it; the consumer never
// drops, reorders, or advances past a failing head. At-least-once, in-order.
type Writer struct {
	store      domain.SettingsStore
	retryDelay time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	entries []PendingWrite
	notify  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a writer. retryDelay is the pause before re-attempting
// a failed head entry.
func NewWriter(store domain.SettingsStore, retryDelay time.Duration) *Writer {
	return &Writer{
		store:      store,
		retryDelay: retryDelay,
		logger:     slog.Default().With("module", "write_queue"),
		notify:     make(chan struct{}, 1),
	}
}

// Enqueue appends an entry. Never blocks, always succeeds; the queue is
// unbounded in memory.
func (w *Writer) Enqueue(entry PendingWrite) {
	w.mu.Lock()
	w.entries = append(w.entries, entry)
	depth := len(w.entries)
	w.mu.Unlock()

	infra.GlobalMetrics.SetQueueDepth(int64(depth))

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Depth returns the number of entries not yet confirmed durable.
func (w *Writer) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Start launches the single consumer goroutine.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop cancels the consumer and waits for it to exit. Entries still queued
// are lost, per the memory-only contract.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
	}
}

// run is the consumer loop. MUST be the only goroutine touching the head.
func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("write queue consumer started")

	for {
		entry, ok := w.peek()
		if !ok {
			select {
			case <-ctx.Done():
				w.logger.Info("write queue consumer stopping", slog.Int("pending", w.Depth()))
				return
			case <-w.notify:
				continue
			}
		}

		if err := w.persist(ctx, entry); err != nil {
			infra.GlobalMetrics.RecordPersistRetry()
			w.logger.Warn("durable write failed, will retry head",
				slog.Any("error", err),
				slog.Int("pending", w.Depth()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryDelay):
			}
			continue // same head, no pop
		}

		w.pop()
		infra.GlobalMetrics.RecordRowPersisted()
	}
}

func (w *Writer) peek() (PendingWrite, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) == 0 {
		return nil, false
	}
	return w.entries[0], true
}

func (w *Writer) pop() {
	w.mu.Lock()
	w.entries = w.entries[1:]
	depth := len(w.entries)
	w.mu.Unlock()

	infra.GlobalMetrics.SetQueueDepth(int64(depth))
}

func (w *Writer) persist(ctx context.Context, entry PendingWrite) error {
	switch e := entry.(type) {
	case StateUpdate:
		err := w.store.SetCells(ctx, map[string]string{
			domain.CellDedicatedCapital: e.Capital.String(),
			domain.CellCostBasis:        e.CostBasis.String(),
		})
		if err != nil {
			return &domain.PersistenceError{Op: "set_cells", Err: err}
		}
		return nil
	case LogRow:
		if err := w.store.AppendTradeLog(ctx, e.Row); err != nil {
			return &domain.PersistenceError{Op: "append_trade_log", Err: err}
		}
		return nil
	default:
		// Unknown entry kinds are popped rather than wedging the queue.
		w.logger.Error("unknown pending write type", slog.Any("entry", entry))
		return nil
	}
}
