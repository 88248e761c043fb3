package engine

import (
	"strings"
	"sync"
	"time"
)

// Metrics collects named scalar values (string, number or bool) for one
// executor.
type Metrics interface {
	Set(key string, value any)
	Unset(key string)
	// StartRecord stores the current time in milliseconds under key.
	StartRecord(key string)
	// EndRecord replaces the value stored by a pending StartRecord with the
	// milliseconds elapsed since it. Otherwise it does nothing.
	EndRecord(key string)
}

// metricSet is locked so handlers may fan out goroutines within one call.
type metricSet struct {
	mu        sync.Mutex
	values    map[string]any
	recording map[string]bool
	now       func() time.Time
}

func newMetricSet(now func() time.Time) *metricSet {
	return &metricSet{values: map[string]any{}, recording: map[string]bool{}, now: now}
}

func (m *metricSet) Set(key string, value any) {
	m.mu.Lock()
	m.values[key] = value
	delete(m.recording, key)
	m.mu.Unlock()
}

func (m *metricSet) Unset(key string) {
	m.mu.Lock()
	delete(m.values, key)
	delete(m.recording, key)
	m.mu.Unlock()
}

func (m *metricSet) StartRecord(key string) {
	now := m.now().UnixMilli()
	m.mu.Lock()
	delete(m.values, key)
	m.values[key] = now
	m.recording[key] = true
	m.mu.Unlock()
}

func (m *metricSet) EndRecord(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recording[key] {
		return
	}
	start, ok := m.values[key].(int64)
	if !ok {
		return
	}
	delete(m.recording, key)
	m.values[key] = m.now().UnixMilli() - start
}

func (m *metricSet) export() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[MetricKey(k)] = v
	}
	return out
}

// MetricKey is the exported form of a metric key.
func MetricKey(key string) string {
	return "user_" + strings.ReplaceAll(strings.ToLower(key), " ", "_")
}

type discardMetrics struct{}

func (discardMetrics) Set(string, any)    {}
func (discardMetrics) Unset(string)       {}
func (discardMetrics) StartRecord(string) {}
func (discardMetrics) EndRecord(string)   {}
