package infra

import (
	"sync/atomic"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	signalsReceived atomic.Uint64
	ordersPlaced    atomic.Uint64
	ordersSkipped   atomic.Uint64
	gatewayErrors   atomic.Uint64
	persistRetries  atomic.Uint64
	rowsPersisted   atomic.Uint64

	// Gauges
	queueDepth atomic.Int64
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordSignal records an inbound webhook signal.
func (m *Metrics) RecordSignal() {
	m.signalsReceived.Add(1)
}

// RecordOrderPlaced records a successfully placed order.
func (m *Metrics) RecordOrderPlaced() {
	m.ordersPlaced.Add(1)
}

// RecordOrderSkipped records a sizing rejection.
func (m *Metrics) RecordOrderSkipped() {
	m.ordersSkipped.Add(1)
}

// RecordGatewayError records a failed exchange call.
func (m *Metrics) RecordGatewayError() {
	m.gatewayErrors.Add(1)
}

// RecordPersistRetry records a write-queue retry after a store failure.
func (m *Metrics) RecordPersistRetry() {
	m.persistRetries.Add(1)
}

// RecordRowPersisted records a confirmed durable write.
func (m *Metrics) RecordRowPersisted() {
	m.rowsPersisted.Add(1)
}

// SetQueueDepth sets the current pending-write count.
func (m *Metrics) SetQueueDepth(depth int64) {
	m.queueDepth.Store(depth)
}

// MetricsSnapshot is a point-in-time copy for the debug surface.
type MetricsSnapshot struct {
	SignalsReceived uint64 `json:"signals_received"`
	OrdersPlaced    uint64 `json:"orders_placed"`
	OrdersSkipped   uint64 `json:"orders_skipped"`
	GatewayErrors   uint64 `json:"gateway_errors"`
	PersistRetries  uint64 `json:"persist_retries"`
	RowsPersisted   uint64 `json:"rows_persisted"`
	QueueDepth      int64  `json:"queue_depth"`
}

// Snapshot returns current metric values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		SignalsReceived: m.signalsReceived.Load(),
		OrdersPlaced:    m.ordersPlaced.Load(),
		OrdersSkipped:   m.ordersSkipped.Load(),
		GatewayErrors:   m.gatewayErrors.Load(),
		PersistRetries:  m.persistRetries.Load(),
		RowsPersisted:   m.rowsPersisted.Load(),
		QueueDepth:      m.queueDepth.Load(),
	}
}
