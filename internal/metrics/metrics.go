package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known metric names used across the engine.
const (
	ScansAccepted          = "scans_accepted"
	ScansDenied            = "scans_denied"
	ScansDuplicate         = "scans_duplicate"
	OperationsEnqueued     = "operations_enqueued"
	OperationsConfirmed    = "operations_confirmed"
	OperationsFailed       = "operations_failed"
	OperationsRetried      = "operations_retried"
	DiscrepanciesFound     = "discrepancies_found"
	DiscrepanciesHealed    = "discrepancies_healed"
	DiscrepanciesEscalated = "discrepancies_escalated"
	OpenDiscrepancies      = "open_discrepancies"
	DispatchLatency        = "dispatch_latency"
	ReconcileLatency       = "reconcile_latency"
)

// TimerSnapshot captures timing information for one timer.
type TimerSnapshot struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// Snapshot is a point-in-time view of all collected metrics.
type Snapshot struct {
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Counters      map[string]int64         `json:"counters"`
	Gauges        map[string]int64         `json:"gauges"`
	Timers        map[string]TimerSnapshot `json:"timers"`
}

type timer struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

// Metrics is the in-process metrics collector.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]*int64
	gauges    map[string]*int64
	timers    map[string]*timer
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]*int64),
		gauges:    make(map[string]*int64),
		timers:    make(map[string]*timer),
		startTime: time.Now(),
	}
}

// IncrementCounter adds delta to a named counter.
func (m *Metrics) IncrementCounter(name string, delta int64) {
	atomic.AddInt64(m.counter(name), delta)
}

// SetGauge sets a named gauge to value.
func (m *Metrics) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.gauge(name), value)
}

// RecordTimer records one duration sample for the named timer.
func (m *Metrics) RecordTimer(name string, d time.Duration) {
	ms := d.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[name]
	if !ok {
		t = &timer{minTimeMs: ms, maxTimeMs: ms}
		m.timers[name] = t
	}
	t.count++
	t.totalTimeMs += ms
	if ms < t.minTimeMs {
		t.minTimeMs = ms
	}
	if ms > t.maxTimeMs {
		t.maxTimeMs = ms
	}
}

// Snapshot returns a copy of all current metric values.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Counters:      make(map[string]int64, len(m.counters)),
		Gauges:        make(map[string]int64, len(m.gauges)),
		Timers:        make(map[string]TimerSnapshot, len(m.timers)),
	}
	for name, v := range m.counters {
		s.Counters[name] = atomic.LoadInt64(v)
	}
	for name, v := range m.gauges {
		s.Gauges[name] = atomic.LoadInt64(v)
	}
	for name, t := range m.timers {
		snap := TimerSnapshot{
			Count:       t.count,
			TotalTimeMs: t.totalTimeMs,
			MinTimeMs:   t.minTimeMs,
			MaxTimeMs:   t.maxTimeMs,
		}
		if t.count > 0 {
			snap.AverageTimeMs = float64(t.totalTimeMs) / float64(t.count)
		}
		s.Timers[name] = snap
	}
	return s
}

// CounterValue returns the current value of a counter.
func (m *Metrics) CounterValue(name string) int64 {
	return atomic.LoadInt64(m.counter(name))
}

func (m *Metrics) counter(name string) *int64 {
	m.mu.RLock()
	v, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.counters[name]; ok {
		return v
	}
	v = new(int64)
	m.counters[name] = v
	return v
}

func (m *Metrics) gauge(name string) *int64 {
	m.mu.RLock()
	v, ok := m.gauges[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.gauges[name]; ok {
		return v
	}
	v = new(int64)
	m.gauges[name] = v
	return v
}
