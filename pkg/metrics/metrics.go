package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metric names shared by the publishers and consumers of both services.
const (
	EventsPublished      = "events_published"
	EventsPublishRetried = "events_publish_retried"
	EventsPublishDropped = "events_publish_dropped"
	EventsConsumed       = "events_consumed"
	EventsRejected       = "events_rejected"
	DeadLetterDepth      = "dead_letter_depth"
)

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

type timer struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

// Metrics is an in-process collector exposed by the /metrics endpoint.
type Metrics struct {
	mu           sync.RWMutex
	counters     map[string]*int64
	gauges       map[string]*int64
	timers       map[string]*timer
	healthChecks map[string]*int64
	startTime    time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:     make(map[string]*int64),
		gauges:       make(map[string]*int64),
		timers:       make(map[string]*timer),
		healthChecks: make(map[string]*int64),
		startTime:    time.Now(),
	}
}

// Key joins a metric name with a label, e.g. events_published:card.created.
func Key(name, label string) string {
	return name + ":" + label
}

func (m *Metrics) slot(set map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, ok := set[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = set[name]; !ok {
		v = new(int64)
		set[name] = v
	}
	return v
}

// IncrementCounter increments a counter by 1. A nil collector is a no-op.
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	if m == nil {
		return
	}
	atomic.AddInt64(m.slot(m.counters, name), value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	if m == nil {
		return
	}
	atomic.StoreInt64(m.slot(m.gauges, name), value)
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	var v int64
	if healthy {
		v = 1
	}
	atomic.StoreInt64(m.slot(m.healthChecks, component), v)
}

// RecordTimer records a timing measurement
func (m *Metrics) RecordTimer(name string, d time.Duration) {
	if m == nil {
		return
	}
	ms := d.Milliseconds()

	m.mu.RLock()
	t, ok := m.timers[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if t, ok = m.timers[name]; !ok {
			t = &timer{minTimeMs: 1<<63 - 1}
			m.timers[name] = t
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalTimeMs, ms)
	for {
		cur := atomic.LoadInt64(&t.minTimeMs)
		if ms >= cur || atomic.CompareAndSwapInt64(&t.minTimeMs, cur, ms) {
			break
		}
	}
	for {
		cur := atomic.LoadInt64(&t.maxTimeMs)
		if ms <= cur || atomic.CompareAndSwapInt64(&t.maxTimeMs, cur, ms) {
			break
		}
	}
}

// Counter returns the current value of a counter.
func (m *Metrics) Counter(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.counters[name]; ok {
		return atomic.LoadInt64(v)
	}
	return 0
}

// Gauge returns the current value of a gauge.
func (m *Metrics) Gauge(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.gauges[name]; ok {
		return atomic.LoadInt64(v)
	}
	return 0
}

func snapshot(mu *sync.RWMutex, set map[string]*int64) map[string]int64 {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]int64, len(set))
	for name, v := range set {
		out[name] = atomic.LoadInt64(v)
	}
	return out
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	out := make(map[string]bool)
	for name, v := range snapshot(&m.mu, m.healthChecks) {
		out[name] = v > 0
	}
	return out
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		total := atomic.LoadInt64(&t.totalTimeMs)
		var avg float64
		if count > 0 {
			avg = float64(total) / float64(count)
		}
		out[name] = TimerMetric{
			Count:         count,
			TotalTimeMs:   total,
			AverageTimeMs: avg,
			MinTimeMs:     atomic.LoadInt64(&t.minTimeMs),
			MaxTimeMs:     atomic.LoadInt64(&t.maxTimeMs),
		}
	}
	return out
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"counters":       snapshot(&m.mu, m.counters),
		"gauges":         snapshot(&m.mu, m.gauges),
		"timers":         m.GetTimers(),
		"health_checks":  m.GetHealthChecks(),
	}
}
