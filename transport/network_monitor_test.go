package transport

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct {
	mu      sync.Mutex
	current time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	m.mu.Unlock()
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestNetworkMonitorStartsFast(t *testing.T) {
	nm := NewNetworkMonitor(DefaultThresholds())
	assert.False(t, nm.IsSlow())
}

func TestNetworkMonitorDetectsHighLatency(t *testing.T) {
	nm := NewNetworkMonitor(Thresholds{MaxLatency: time.Second, MinSamples: 2})

	var changes []bool
	unsubscribe := nm.Subscribe(func(slow bool) { changes = append(changes, slow) })
	defer unsubscribe()

	nm.RecordRequestFinished(1024, 0, 5*time.Second)
	assert.False(t, nm.IsSlow(), "one sample is not enough")

	nm.RecordRequestFinished(1024, 0, 5*time.Second)
	assert.True(t, nm.IsSlow())
	assert.Equal(t, []bool{true}, changes)

	for i := 0; i < 60; i++ {
		nm.RecordRequestFinished(1024, 0, 10*time.Millisecond)
	}
	assert.False(t, nm.IsSlow())
	assert.Equal(t, []bool{true, false}, changes)
}

func TestNetworkMonitorDetectsLowThroughput(t *testing.T) {
	nm := NewNetworkMonitor(Thresholds{MinThroughput: 10 * 1024, MinSamples: 1})

	nm.RecordRequestFinished(1024, 0, time.Second)
	assert.True(t, nm.IsSlow())

	m := nm.GetMetrics()
	assert.InDelta(t, 1024, m.Throughput, 0.001)
	assert.True(t, m.Slow)
}

func TestNetworkMonitorForcedSlow(t *testing.T) {
	nm := NewNetworkMonitor(DefaultThresholds())

	calls := 0
	unsubscribe := nm.Subscribe(func(bool) { calls++ })

	nm.SetForcedSlow(true)
	assert.True(t, nm.IsSlow())
	nm.SetForcedSlow(true)
	assert.Equal(t, 1, calls, "no notification without a change")

	unsubscribe()
	nm.SetForcedSlow(false)
	assert.False(t, nm.IsSlow())
	assert.Equal(t, 1, calls, "unsubscribed callback must not run")
}

func TestNetworkMonitorErrorsAndMetrics(t *testing.T) {
	nm := NewNetworkMonitor(DefaultThresholds())
	tp := newMockTimeProvider()
	nm.SetTimeProvider(tp)

	nm.RecordRequestSent(100)
	nm.RecordRequestSent(50)
	nm.RecordError("network")
	nm.RecordError("protocol")
	nm.RecordError("protocol")
	tp.advance(3 * time.Second)

	m := nm.GetMetrics()
	assert.Equal(t, uint64(150), m.BytesSent)
	assert.Equal(t, uint64(2), m.RequestsSent)
	assert.Equal(t, uint64(1), m.NetworkErrors)
	assert.Equal(t, uint64(2), m.ProtocolErrors)
	assert.InDelta(t, 3.0, m.Uptime, 0.001)

	data, err := nm.ExportMetricsJSON()
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, float64(150), decoded["bytes_sent"])
}

func TestNetworkMonitorSetThresholdsReevaluates(t *testing.T) {
	nm := NewNetworkMonitor(Thresholds{MaxLatency: time.Hour, MinSamples: 1})
	nm.RecordRequestFinished(10, 0, 2*time.Second)
	assert.False(t, nm.IsSlow())

	nm.SetThresholds(Thresholds{MaxLatency: time.Second, MinSamples: 1})
	assert.True(t, nm.IsSlow())
}
