// Package database implements the ConnectionManager (§4.C) and HealthMonitor
// (§4.D), ported from original_source's
// persistence/connection/{manager,health}.py.
package database

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const rollingWindowSize = 100

// HealthCallback is notified on every healthy<->unhealthy transition.
// Panics inside a callback are recovered so one bad callback can never stop
// the others, matching spec.md §4.D.
type HealthCallback func(healthy bool)

// Metrics is the observable state of a HealthMonitor, mirroring
// original_source's HealthMetrics dataclass field-for-field.
type Metrics struct {
	TotalChecks         int64
	Successful          int64
	Failed              int64
	LastCheckAt         time.Time
	LastSuccessAt       time.Time
	LastFailureAt       time.Time
	AvgResponseTimeMs   float64
	MaxResponseTimeMs   float64
	MinResponseTimeMs   float64
	ConsecutiveFailures int
	ConsecutiveSuccesses int
	UptimePercentage    float64
	IsHealthy           bool
}

// Prober performs the single trivial probe (e.g. SELECT 1) a HealthMonitor
// periodically executes against its owning engine.
type Prober interface {
	Probe(ctx context.Context) error
}

// Monitor periodically probes an engine, tracks a rolling window of
// response times, and flips healthy/unhealthy state on threshold crossing.
type Monitor struct {
	prober           Prober
	checkInterval    time.Duration
	timeout          time.Duration
	failureThreshold int

	mu          sync.Mutex
	window      []float64
	total       int64
	successful  int64
	failed      int64
	lastCheck   time.Time
	lastSuccess time.Time
	lastFailure time.Time
	consecFail  int
	consecOK    int
	healthy     bool

	callbacks []HealthCallback

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a Monitor. The monitor starts in the healthy state,
// matching the original's initial `_is_healthy = True`.
func NewMonitor(prober Prober, checkInterval, timeout time.Duration, failureThreshold int) *Monitor {
	return &Monitor{
		prober:           prober,
		checkInterval:    checkInterval,
		timeout:          timeout,
		failureThreshold: failureThreshold,
		healthy:          true,
	}
}

// AddCallback registers a callback to be notified on state transitions.
func (m *Monitor) AddCallback(cb HealthCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start begins the periodic probe loop; it returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		log.Warn().Msg("health monitor already started")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx)
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		m.PerformCheck(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PerformCheck runs one probe with the configured timeout and updates
// state. It is also what ForceCheck calls.
func (m *Monitor) PerformCheck(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := m.prober.Probe(probeCtx)
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0

	m.mu.Lock()

	m.total++
	m.lastCheck = time.Now()

	var flipped bool
	var newState bool

	if err == nil {
		m.successful++
		m.consecOK++
		m.consecFail = 0
		m.lastSuccess = m.lastCheck
		m.pushWindow(elapsedMs)
		if !m.healthy {
			m.healthy = true
			flipped, newState = true, true
		}
	} else {
		m.failed++
		m.consecFail++
		m.consecOK = 0
		m.lastFailure = m.lastCheck
		if m.healthy && m.consecFail >= m.failureThreshold {
			m.healthy = false
			flipped, newState = true, false
		}
	}

	cbs := append([]HealthCallback(nil), m.callbacks...)
	m.mu.Unlock()

	if flipped {
		for _, cb := range cbs {
			invokeCallback(cb, newState)
		}
	}
}

// ForceCheck runs one probe immediately, outside the periodic schedule.
func (m *Monitor) ForceCheck(ctx context.Context) { m.PerformCheck(ctx) }

func (m *Monitor) pushWindow(ms float64) {
	m.window = append(m.window, ms)
	if len(m.window) > rollingWindowSize {
		m.window = m.window[1:]
	}
}

func invokeCallback(cb HealthCallback, healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("health callback panicked, continuing")
		}
	}()
	cb(healthy)
}

// IsHealthy reports the current healthy state.
func (m *Monitor) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Statistics returns a snapshot of the monitor's metrics.
func (m *Monitor) Statistics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() Metrics {
	var avg, mx, mn float64
	if len(m.window) > 0 {
		mn = m.window[0]
		for _, v := range m.window {
			avg += v
			if v > mx {
				mx = v
			}
			if v < mn {
				mn = v
			}
		}
		avg /= float64(len(m.window))
	}
	uptime := 0.0
	if m.total > 0 {
		uptime = float64(m.successful) / float64(m.total) * 100
	}
	return Metrics{
		TotalChecks:          m.total,
		Successful:           m.successful,
		Failed:               m.failed,
		LastCheckAt:          m.lastCheck,
		LastSuccessAt:        m.lastSuccess,
		LastFailureAt:        m.lastFailure,
		AvgResponseTimeMs:    avg,
		MaxResponseTimeMs:    mx,
		MinResponseTimeMs:    mn,
		ConsecutiveFailures:  m.consecFail,
		ConsecutiveSuccesses: m.consecOK,
		UptimePercentage:     uptime,
		IsHealthy:            m.healthy,
	}
}

// ResetMetrics zeros the rolling window and counters without changing the
// current healthy flag, matching spec.md §4.D.
func (m *Monitor) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = nil
	m.total, m.successful, m.failed = 0, 0, 0
	m.consecFail, m.consecOK = 0, 0
}

// WaitForHealthy blocks, polling once per second, until healthy or the
// context is done/timeout elapses.
func (m *Monitor) WaitForHealthy(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if m.IsHealthy() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
