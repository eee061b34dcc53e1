package obs

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters and latency stats for the engine.
type Metrics struct {
	iterations   uint64
	ordersPlaced uint64
	ordersFailed uint64
	liquidations uint64
	queueDrops   uint64

	denialMu sync.Mutex
	denials  map[string]uint64

	iterationLatency LatencyStats
	orderLatency     LatencyStats
	gatewayLatency   LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Iterations   uint64
	OrdersPlaced uint64
	OrdersFailed uint64
	Liquidations uint64
	QueueDrops   uint64
	Denials      map[string]uint64

	IterationLatency LatencySnapshot
	OrderLatency     LatencySnapshot
	GatewayLatency   LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{denials: make(map[string]uint64)}
}

// IncIteration counts one completed trading iteration.
func (m *Metrics) IncIteration() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.iterations, 1)
}

// IncOrderPlaced counts a confirmed order placement.
func (m *Metrics) IncOrderPlaced() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersPlaced, 1)
}

// IncOrderFailed counts a terminally failed placement.
func (m *Metrics) IncOrderFailed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersFailed, 1)
}

// IncLiquidation counts an emergency liquidation attempt.
func (m *Metrics) IncLiquidation() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.liquidations, 1)
}

// IncQueueDrop records an event dropped from the outbound queue.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncDenial counts an admission or risk denial by reason.
func (m *Metrics) IncDenial(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.denialMu.Lock()
	m.denials[reason]++
	m.denialMu.Unlock()
}

// ObserveIteration measures one full loop iteration.
func (m *Metrics) ObserveIteration(d time.Duration) {
	if m == nil {
		return
	}
	m.iterationLatency.Observe(d)
}

// ObserveOrder measures the admission-to-confirmation order path.
func (m *Metrics) ObserveOrder(d time.Duration) {
	if m == nil {
		return
	}
	m.orderLatency.Observe(d)
}

// ObserveGateway measures a single exchange call.
func (m *Metrics) ObserveGateway(d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	denials := make(map[string]uint64)
	m.denialMu.Lock()
	for reason, count := range m.denials {
		denials[reason] = count
	}
	m.denialMu.Unlock()

	return Snapshot{
		Iterations:       atomic.LoadUint64(&m.iterations),
		OrdersPlaced:     atomic.LoadUint64(&m.ordersPlaced),
		OrdersFailed:     atomic.LoadUint64(&m.ordersFailed),
		Liquidations:     atomic.LoadUint64(&m.liquidations),
		QueueDrops:       atomic.LoadUint64(&m.queueDrops),
		Denials:          denials,
		IterationLatency: m.iterationLatency.Snapshot(),
		OrderLatency:     m.orderLatency.Snapshot(),
		GatewayLatency:   m.gatewayLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
