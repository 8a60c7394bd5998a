package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertValidatorUnreachable AlertType = "validator_unreachable"
	AlertInvalidTokenSpike    AlertType = "invalid_token_spike"
	AlertBulkExport           AlertType = "bulk_export"
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

// slidingCounter counts events inside a time window and fires once the
// threshold is reached, then starts over.
type slidingCounter struct {
	alert     AlertType
	message   string
	events    []time.Time
	window    time.Duration
	threshold int
}

func (c *slidingCounter) record(now time.Time) (AlertEvent, bool) {
	c.events = append(c.events, now)
	c.events = trimWindow(c.events, now, c.window)
	if len(c.events) < c.threshold {
		return AlertEvent{}, false
	}
	e := AlertEvent{
		Type:      c.alert,
		Message:   c.message,
		Count:     len(c.events),
		Threshold: c.threshold,
		Timestamp: now,
	}
	// Reset to avoid repeated alerts within the same spike.
	c.events = c.events[:0]
	return e, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	unreachable   *slidingCounter
	invalidTokens *slidingCounter
	exports       *slidingCounter

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultUnreachableWindow    = 1 * time.Minute
	defaultUnreachableThreshold = 5
	defaultInvalidWindow        = 1 * time.Minute
	defaultInvalidThreshold     = 50
	defaultExportWindow         = 5 * time.Minute
	defaultExportThreshold      = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		unreachable: &slidingCounter{
			alert:     AlertValidatorUnreachable,
			message:   "token validator failures exceed threshold",
			window:    defaultUnreachableWindow,
			threshold: defaultUnreachableThreshold,
		},
		invalidTokens: &slidingCounter{
			alert:     AlertInvalidTokenSpike,
			message:   "invalid token rate exceeds threshold",
			window:    defaultInvalidWindow,
			threshold: defaultInvalidThreshold,
		},
		exports: &slidingCounter{
			alert:     AlertBulkExport,
			message:   "incident export rate exceeds threshold",
			window:    defaultExportWindow,
			threshold: defaultExportThreshold,
		},
		alertFn: alertFn,
		now:     time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	var c *slidingCounter
	switch event {
	case AuditValidatorUnreachable:
		c = m.unreachable
	case AuditTokenInvalid:
		c = m.invalidTokens
	case AuditIncidentsExported:
		c = m.exports
	default:
		return
	}

	m.mu.Lock()
	e, fire := c.record(m.now())
	m.mu.Unlock()
	if fire {
		m.alertFn(e)
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
