package observability

import (
	"sync"
	"time"
)

// MethodSnapshot summarizes calls to one operation.
type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is the JSON document served on /metrics.
type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
	Counters        map[string]int64          `json:"counters"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics aggregates per-operation latency and named saga counters.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	counters       map[string]int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

// CallSpan tracks one in-flight call started with Metrics.Start.
type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

// Counter names recorded by the purchase orchestrator.
const (
	CounterTransitions      = "saga.transitions"
	CounterDuplicates       = "saga.duplicates"
	CounterConflicts        = "saga.conflicts"
	CounterCompensations    = "saga.compensations"
	CounterCommandsSent     = "saga.commands_sent"
	CounterDispatchFailures = "saga.dispatch_failures"
	CounterNotifyFailures   = "saga.notify_failures"
	CounterStalled          = "saga.stalled"
	CounterBreakerOpened    = "dispatch.breaker_opened"
	CounterDeadLettered     = "messaging.dead_lettered"
)

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		methods:  make(map[string]*methodStats),
		counters: make(map[string]int64),
	}
}

// Add increments a named counter by n.
func (m *Metrics) Add(name string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
}

// Inc increments a named counter by one.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// Snapshot copies the current counters. Latencies are reported in fractional milliseconds.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.start).Seconds()),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: m.rateLimitWait.Milliseconds(),
		Methods:         make(map[string]MethodSnapshot, len(m.methods)),
		Counters:        make(map[string]int64, len(m.counters)),
	}
	for name, val := range m.counters {
		snap.Counters[name] = val
	}
	for method, stats := range m.methods {
		ms := stats.snapshot()
		snap.Methods[method] = ms
		snap.TotalRequests += ms.Count
		snap.TotalErrors += ms.Errors
		snap.InFlight += ms.InFlight
	}
	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}
	return snap
}

func (s *methodStats) snapshot() MethodSnapshot {
	out := MethodSnapshot{
		Count:         s.count,
		Errors:        s.errors,
		InFlight:      s.inFlight,
		MaxLatencyMs:  millis(s.maxLatency),
		LastLatencyMs: millis(s.lastLatency),
	}
	if s.count > 0 {
		out.AvgLatencyMs = millis(s.totalLatency) / float64(s.count)
	}
	return out
}

func (s *methodStats) observe(dur time.Duration, failed bool) {
	s.inFlight--
	s.count++
	if failed {
		s.errors++
	}
	s.totalLatency += dur
	s.lastLatency = dur
	s.maxLatency = max(s.maxLatency, dur)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ensureMethod must be called with mu held.
func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	m.mu.Lock()
	m.ensureMethod(method).observe(dur, failed)
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
