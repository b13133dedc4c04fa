package metrics

import "sync"

// Event names. The registry is intentionally string-keyed; callers use these
// constants so counters stay discoverable and greppable.
const (
	DropReasonMalformedInput   = "malformed_input"
	DropReasonRateLimited      = "rate_limited"
	DropReasonCapacityExceeded = "capacity_exceeded"
	DropReasonSlowWatcher      = "slow_watcher"

	SignalPublished      = "signal_published"
	SignalPublishFailure = "signal_publish_failure"

	ConnectAttempt    = "connect_attempt"
	ConnectRetry      = "connect_retry"
	ConnectExhausted  = "connect_exhausted"
	DirectSend        = "direct_send"
	FallbackSend      = "fallback_send"
	FallbackOverwrite = "fallback_overwrite"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment that wants real observability can scrape it through
// PrometheusHandler; in tests the registry doubles as a cheap way to
// check that a drop path ran.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
