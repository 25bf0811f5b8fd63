package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// NetworkMetrics aggregates transfer traffic observed by the monitor.
type NetworkMetrics struct {
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	RequestsSent     uint64 `json:"requests_sent"`
	RequestsFinished uint64 `json:"requests_finished"`

	AverageLatency float64 `json:"average_latency_ms"`
	Throughput     float64 `json:"throughput_bps"`

	NetworkErrors  uint64 `json:"network_errors"`
	ProtocolErrors uint64 `json:"protocol_errors"`

	Slow        bool      `json:"slow"`
	Uptime      float64   `json:"uptime_seconds"`
	LastUpdated time.Time `json:"last_updated"`
}

// Thresholds defines when the network is considered slow.
type Thresholds struct {
	// MaxLatency is the average round trip above which the network is slow.
	MaxLatency time.Duration `json:"max_latency"`
	// MinThroughput is the average bytes per second below which the network
	// is slow.
	MinThroughput float64 `json:"min_throughput_bps"`
	// MinSamples is how many finished requests are needed before the
	// averages are trusted.
	MinSamples uint64 `json:"min_samples"`
}

// DefaultThresholds returns thresholds tuned for chunk traffic: slower than
// 32 KiB/s or slower than 3 seconds per round trip.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxLatency:    3 * time.Second,
		MinThroughput: 32 * 1024,
		MinSamples:    4,
	}
}

// NetworkMonitor tracks transfer performance and derives the slow network
// flag. It implements interfaces.NetworkOracle.
type NetworkMonitor struct {
	metrics      NetworkMetrics
	thresholds   Thresholds
	forcedSlow   bool
	startTime    time.Time
	timeProvider TimeProvider

	subscribers map[uint64]func(bool)
	nextSubID   uint64

	mu sync.RWMutex
}

// NewNetworkMonitor creates a monitor that starts in the fast state.
func NewNetworkMonitor(thresholds Thresholds) *NetworkMonitor {
	tp := TimeProvider(defaultTimeProvider{})
	return &NetworkMonitor{
		thresholds:   thresholds,
		startTime:    tp.Now(),
		timeProvider: tp,
		subscribers:  make(map[uint64]func(bool)),
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (nm *NetworkMonitor) SetTimeProvider(tp TimeProvider) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.timeProvider = tp
	nm.startTime = tp.Now()
}

func (nm *NetworkMonitor) now() time.Time {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.timeProvider.Now()
}

// IsSlow implements interfaces.NetworkOracle.
func (nm *NetworkMonitor) IsSlow() bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.metrics.Slow
}

// Subscribe implements interfaces.NetworkOracle. fn is called without the
// monitor's lock held, on the goroutine that caused the change.
func (nm *NetworkMonitor) Subscribe(fn func(slow bool)) func() {
	nm.mu.Lock()
	id := nm.nextSubID
	nm.nextSubID++
	nm.subscribers[id] = fn
	nm.mu.Unlock()

	return func() {
		nm.mu.Lock()
		delete(nm.subscribers, id)
		nm.mu.Unlock()
	}
}

// SetForcedSlow pins the network to the slow state regardless of the
// measured averages, or releases the pin.
func (nm *NetworkMonitor) SetForcedSlow(forced bool) {
	nm.mu.Lock()
	nm.forcedSlow = forced
	notify := nm.reevaluate()
	nm.mu.Unlock()
	notify()
}

// RecordRequestSent records an outgoing request of size bytes.
func (nm *NetworkMonitor) RecordRequestSent(size int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.metrics.RequestsSent++
	nm.metrics.BytesSent += uint64(size)
}

// RecordRequestFinished records a completed request: sent and received
// payload sizes and the round trip.
func (nm *NetworkMonitor) RecordRequestFinished(sent, received int, latency time.Duration) {
	nm.mu.Lock()
	nm.metrics.RequestsFinished++
	nm.metrics.BytesReceived += uint64(received)

	latencyMs := float64(latency.Nanoseconds()) / 1e6
	if nm.metrics.RequestsFinished == 1 {
		nm.metrics.AverageLatency = latencyMs
	} else {
		nm.metrics.AverageLatency = 0.9*nm.metrics.AverageLatency + 0.1*latencyMs
	}

	if latency > 0 {
		sample := float64(sent+received) / latency.Seconds()
		if nm.metrics.RequestsFinished == 1 {
			nm.metrics.Throughput = sample
		} else {
			nm.metrics.Throughput = 0.9*nm.metrics.Throughput + 0.1*sample
		}
	}

	notify := nm.reevaluate()
	nm.mu.Unlock()
	notify()
}

// RecordError records a failed request. kind is "network" or "protocol".
func (nm *NetworkMonitor) RecordError(kind string) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	switch kind {
	case "protocol":
		nm.metrics.ProtocolErrors++
	default:
		nm.metrics.NetworkErrors++
	}
}

// GetMetrics returns a copy of the current metrics.
func (nm *NetworkMonitor) GetMetrics() NetworkMetrics {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	m := nm.metrics
	now := nm.timeProvider.Now()
	m.Uptime = now.Sub(nm.startTime).Seconds()
	m.LastUpdated = now
	return m
}

// ExportMetricsJSON exports metrics in JSON format.
func (nm *NetworkMonitor) ExportMetricsJSON() ([]byte, error) {
	return json.MarshalIndent(nm.GetMetrics(), "", "  ")
}

// SetThresholds replaces the slow network thresholds.
func (nm *NetworkMonitor) SetThresholds(t Thresholds) {
	nm.mu.Lock()
	nm.thresholds = t
	notify := nm.reevaluate()
	nm.mu.Unlock()
	notify()
}

// reevaluate recomputes the slow flag and returns a function that notifies
// subscribers if it changed. The caller holds the lock and must call the
// returned function after releasing it.
func (nm *NetworkMonitor) reevaluate() func() {
	slow := nm.forcedSlow
	if !slow && nm.metrics.RequestsFinished >= nm.thresholds.MinSamples {
		latencyMs := float64(nm.thresholds.MaxLatency.Nanoseconds()) / 1e6
		if nm.thresholds.MaxLatency > 0 && nm.metrics.AverageLatency > latencyMs {
			slow = true
		}
		if nm.thresholds.MinThroughput > 0 && nm.metrics.Throughput > 0 &&
			nm.metrics.Throughput < nm.thresholds.MinThroughput {
			slow = true
		}
	}
	if slow == nm.metrics.Slow {
		return func() {}
	}
	nm.metrics.Slow = slow

	logrus.WithFields(logrus.Fields{
		"function":       "reevaluate",
		"slow":           slow,
		"forced":         nm.forcedSlow,
		"latency_ms":     nm.metrics.AverageLatency,
		"throughput_bps": nm.metrics.Throughput,
	}).Info("Network condition changed")

	subs := make([]func(bool), 0, len(nm.subscribers))
	for _, fn := range nm.subscribers {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn(slow)
		}
	}
}
