package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertAuthFailureSpike AlertType = "admin_auth_failure_spike"
	AlertBrokenProofChain AlertType = "broken_proof_chain"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	authFailures  []time.Time
	authWindow    time.Duration
	authThreshold int

	alertFn AlertFunc
}

const (
	defaultAuthFailureWindow    = 1 * time.Minute
	defaultAuthFailureThreshold = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		authWindow:    defaultAuthFailureWindow,
		authThreshold: defaultAuthFailureThreshold,
		alertFn:       alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditAdminAuthFailure:
		m.recordAuthFailure()
	case AuditProofChainBroken:
		// every broken chain is worth an alert
		m.alertFn(AlertEvent{
			Type:      AlertBrokenProofChain,
			Message:   "stored proof chain failed verification",
			Count:     1,
			Threshold: 1,
			Timestamp: time.Now(),
		})
	}
}

func (m *metricsCollector) recordAuthFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.authFailures = append(m.authFailures, now)
	m.authFailures = trimWindow(m.authFailures, now, m.authWindow)

	if len(m.authFailures) >= m.authThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertAuthFailureSpike,
			Message:   "admin authentication failure rate exceeds threshold",
			Count:     len(m.authFailures),
			Threshold: m.authThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.authFailures = m.authFailures[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
